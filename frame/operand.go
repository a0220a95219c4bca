package frame

// Operand is the right hand side of an arithmetic operation: either a *Frame
// or a Scalar.  The set is closed.
type Operand interface {
	operand()
}

// Scalar is a constant applied to every pixel
type Scalar float64

func (Scalar) operand() {}

func (*Frame) operand() {}

// Add returns a + b
func Add(a *Frame, b Operand) (*Frame, error) {
	return apply(a, b, func(x, y float64) float64 { return x + y })
}

// Subtract returns a - b
func Subtract(a *Frame, b Operand) (*Frame, error) {
	return apply(a, b, func(x, y float64) float64 { return x - y })
}

// Multiply returns a * b.  With a Scalar this is the scale operation.
func Multiply(a *Frame, b Operand) (*Frame, error) {
	return apply(a, b, func(x, y float64) float64 { return x * y })
}

// Divide returns a / b.  Division by zero pixels follows IEEE-754.
func Divide(a *Frame, b Operand) (*Frame, error) {
	return apply(a, b, func(x, y float64) float64 { return x / y })
}

func apply(a *Frame, b Operand, op func(x, y float64) float64) (*Frame, error) {
	if a == nil {
		return nil, ErrUnsupportedOperand
	}
	out := New(a.h, a.w)
	switch v := b.(type) {
	case Scalar:
		k := float64(v)
		for i, x := range a.pix {
			out.pix[i] = op(x, k)
		}
	case *Frame:
		if v == nil {
			return nil, ErrUnsupportedOperand
		}
		if !a.SameShape(v) {
			return nil, shapeErr(a, v)
		}
		for i, x := range a.pix {
			out.pix[i] = op(x, v.pix[i])
		}
	default:
		return nil, ErrUnsupportedOperand
	}
	return out, nil
}
