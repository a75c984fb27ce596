package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/crest-lab/zwscan/record"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"

	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "zwscan.yml"

	// EnvPrefix prefixes environment overrides, e.g. ZWSCAN_OUTPUT_BASE
	EnvPrefix = "ZWSCAN_"

	k = koanf.New(".")
)

func setupconfig() {
	k.Load(structs.Provider(defaultConfig(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_", ".")
	}), nil)
	if err != nil {
		log.Fatalf("error loading environment: %v", err)
	}
}

func root() {
	str := `zwscan drives two Zaber stages and a Wasatch Raman spectrometer through a
boustrophedon raster scan, recording one dark-corrected spectrum per grid point.

Usage:
	zwscan <command> [flags]

Commands:
	run      scan with the real hardware
	mock     scan with simulated hardware
	verify   check the files of a separate-mode scan against its manifest
	help
	mkconf
	conf
	version

Flags of run and mock:
	-o <base>  output path prefix, overrides output.base
	-y         overwrite existing output without asking`
	fmt.Println(str)
}

func help() {
	str := `zwscan is configured by zwscan.yml in the working directory, which mkconf
creates with the defaults.  Any key may be overridden from the environment:
ZWSCAN_GRID_ROWS=5 sets grid.rows.

Lengths are micrometres, velocities micrometres per second, times seconds
(integrationms is milliseconds).

The primary axis steps grid.columns times per row, reversing every row; the
secondary axis advances grid.secondarystep (default grid.step) between rows.

While scanning, press q or Enter, send SIGINT, or POST /scan/cancel to stop.
acquisition.cancel chooses whether the scan stops after the current point
("point") or after the current row ("row").  The laser is always turned off
before zwscan exits.

Output modes (output.modes, any combination):
- separate   <base>_step_<n>.csv per point and <base>_manifest.csv with CRC-32s
- aggregate  <base>.csv, one intensity column per point
- fits       <base>.fits, a pixels x points image with the grid in the header
- sqlite     <base>.db, appended to across scans

Exit status is 0 for a completed scan, 2 if cancelled, and 1 for any fault.`
	fmt.Println(str)
}

func mkconf() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
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
	c := Config{}
	k.Unmarshal("", &c)
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("zwscan version %v\n", Version)
}

func verify(args []string) {
	if len(args) != 1 {
		log.Fatal("usage: zwscan verify <base>_manifest.csv")
	}
	n, err := record.Verify(args[0])
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("%d files match %s\n", n, args[0])
}

// scanflags parses -o and -y into c
func scanflags(name string, args []string, c *Config) (yes bool) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	base := fs.String("o", c.Output.Base, "output path prefix")
	y := fs.Bool("y", false, "overwrite existing output without asking")
	fs.Parse(args)
	c.Output.Base = *base
	return *y
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
	case "version":
		pversion()
		return
	case "verify":
		verify(args[2:])
		return
	case "run", "mock":
		c := Config{}
		if err := k.Unmarshal("", &c); err != nil {
			log.Fatal(err)
		}
		yes := scanflags(cmd, args[2:], &c)
		os.Exit(run(c, cmd == "mock", yes))
	default:
		log.Fatal("unknown command")
	}
}
