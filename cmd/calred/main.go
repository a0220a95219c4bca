package main

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"

	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "calred.yml"
	k              = koanf.New(".")
)

type recorder struct {
	// Root is the root folder to write to
	Root string `yaml:"Root"`

	// Prefix is the filename prefix to use
	Prefix string `yaml:"Prefix"`
}

type watch struct {
	// Dir is the folder watched for new science frames
	Dir string `yaml:"Dir"`

	// Pattern filters the base names of new files
	Pattern string `yaml:"Pattern"`

	// PerSecond caps how many frames are calibrated per second
	PerSecond float64 `yaml:"PerSecond"`
}

type config struct {
	Addr string `yaml:"Addr"`
	Root string `yaml:"Root"`

	Bias    []string `yaml:"Bias"`
	Dark    []string `yaml:"Dark"`
	Flat    []string `yaml:"Flat"`
	Science []string `yaml:"Science"`

	GainKey      string  `yaml:"GainKey"`
	ExposureKey  string  `yaml:"ExposureKey"`
	ApplyGain    bool    `yaml:"ApplyGain"`
	Stage        string  `yaml:"Stage"`
	RetrySeconds float64 `yaml:"RetrySeconds"`

	Recorder recorder `yaml:"Recorder"`
	Watch    watch    `yaml:"Watch"`
}

func defaults() config {
	return config{
		Addr:         ":8000",
		Root:         "/",
		Bias:         []string{"bias/*.fits"},
		Dark:         []string{"dark/*.fits"},
		Flat:         []string{"flat/*.fits"},
		Science:      []string{"science/*.fits"},
		GainKey:      "EGAIN",
		ExposureKey:  "EXPTIME",
		ApplyGain:    true,
		Stage:        "flat",
		RetrySeconds: 5,
		Recorder:     recorder{Root: "calibrated", Prefix: "cal_"},
		Watch:        watch{Dir: "science", Pattern: "*.fits", PerSecond: 2}}
}

func setupconfig() {
	k.Load(structs.Provider(defaults(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func loadconfig() config {
	c := config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	return c
}

func root() {
	str := `calred reduces raw astronomical camera frames into calibrated ones.
Bias, dark current and flat field reference frames are derived from
sets of FITS files, then applied to science frames.

Usage:
	calred <command>

Commands:
	reduce [patterns]
	watch
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `calred is amenable to configuration via its .yaml file.  For a primer on YAML, see
https://yaml.org/start.html

When no configuration is provided, the defaults are used.  Keys are not case-sensitive.
The command mkconf generates the configuration file with the default values.

Bias, Dark, Flat and Science are lists of shell globs, relative to the working directory.
The reference frames are always derived in the order bias, dark, flat; a dark needs a
bias, and a flat needs both.  Leaving Flat empty stops the chain after the dark, and so on.

Stage is one of bias, dark or flat and selects how far science frames are calibrated.
Dark frames must carry a positive exposure time under ExposureKey.  Science frames may
have an exposure time of zero.  When ApplyGain is true, every frame is multiplied by
the value of GainKey before use.

RetrySeconds is how long a FITS file which fails to read is retried, which matters
for watch, where files may be picked up while the camera is still writing them.

reduce calibrates every file matched by Science, or by the comma separated patterns
given on the command line, and writes the results under Recorder.Root/yyyy-mm-dd.

watch derives the reference frames, then calibrates each new file in Watch.Dir whose
name matches Watch.Pattern, at most Watch.PerSecond frames per second.

run serves the reducer over HTTP at Addr, under Root.  Reference frames are derived
at startup if the patterns match anything, and may be re-derived with
POST /bias, /dark, /flat and a body of {"patterns": [...]}.  POST /lock {"bool": true}
blocks re-derivation during an observing run; calibration is never locked.

If the files and folders created do not have the permissions you want on linux,
your umask is likely to blame.  calred makes them with permission 666, but your
umask is probably the default of 0022 which knocks them down to 444.`
	fmt.Println(str)
}

func mkconf() {
	c := loadconfig()
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := loadconfig()
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("calred version %v\n", Version)
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "reduce":
		reduce(loadconfig(), args[2:])
		return
	case "watch":
		watchdir(loadconfig())
		return
	case "run", "serve":
		run(loadconfig())
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
