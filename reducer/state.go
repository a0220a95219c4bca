package reducer

import (
	"errors"
	"fmt"
)

var (
	// ErrPrerequisiteMissing is matched by every PrerequisiteError
	ErrPrerequisiteMissing = errors.New("prerequisite reference frame missing")

	// ErrInvalidExposureTime is returned for a zero, negative or non-finite exposure time where one is not allowed
	ErrInvalidExposureTime = errors.New("invalid exposure time")

	// ErrDegenerateFlat is returned when the averaged flat has a zero or non-finite mean
	ErrDegenerateFlat = errors.New("degenerate flat field: mean is zero or not finite")
)

// Slot names one of the three reference frames
type Slot int

const (
	// Bias is the electronic offset frame
	Bias Slot = iota
	// Dark is the dark current rate frame
	Dark
	// Flat is the normalized flat field
	Flat
)

func (s Slot) String() string {
	switch s {
	case Bias:
		return "bias"
	case Dark:
		return "dark"
	case Flat:
		return "flat"
	}
	return fmt.Sprintf("Slot(%d)", int(s))
}

// PrerequisiteError names the reference frame an operation needed but did not have
type PrerequisiteError struct {
	Slot Slot
}

func (e PrerequisiteError) Error() string {
	return fmt.Sprintf("%s frame not set, call Set%sFrames first", e.Slot, setterName(e.Slot))
}

// Is lets errors.Is(err, ErrPrerequisiteMissing) match
func (e PrerequisiteError) Is(target error) bool {
	return target == ErrPrerequisiteMissing
}

func setterName(s Slot) string {
	switch s {
	case Bias:
		return "Bias"
	case Dark:
		return "DarkCurrent"
	}
	return "Flat"
}

// Readiness is how far along the bias -> dark -> flat chain a reducer is.
// Because each slot can only be filled once its predecessors are, the level
// fully describes which slots are set.
type Readiness int

const (
	// None means no reference frames are set
	None Readiness = iota
	// BiasOnly means the bias frame is set
	BiasOnly
	// BiasDark means the bias and dark frames are set
	BiasDark
	// Full means all three reference frames are set
	Full
)

func (r Readiness) String() string {
	switch r {
	case None:
		return "none"
	case BiasOnly:
		return "bias"
	case BiasDark:
		return "bias+dark"
	case Full:
		return "full"
	}
	return fmt.Sprintf("Readiness(%d)", int(r))
}

// Has is true if slot s is populated at this level
func (r Readiness) Has(s Slot) bool {
	return int(r) > int(s)
}

// require returns a PrerequisiteError for the first slot before upTo that is
// missing, checked in bias, dark, flat order.  upTo itself is included.
func (r Readiness) require(upTo Slot) error {
	for s := Bias; s <= upTo; s++ {
		if !r.Has(s) {
			return PrerequisiteError{Slot: s}
		}
	}
	return nil
}
