// Command kestrelctl is the host-side companion to a running board:
// an interactive raw-mode serial console, and an ELF inspector for the
// relocatable module objects the in-kernel loader accepts, so a
// developer can sanity-check a module before ever transmitting it.
//
// Grounded on the teacher's
// src/boot/anticipation/cmd/release/{main,outhandler}.go: flag-parsed
// subcommands, debug/elf section/symbol walking, and go-tty's raw-mode
// open/Input/Output pattern for the serial side.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

func main() {
	flag.Usage = usage
	flag.Parse()
	log := logrus.New()

	if flag.NArg() == 0 {
		usage()
		os.Exit(1)
	}

	var err error
	switch flag.Arg(0) {
	case "console":
		err = runConsole(flag.Args()[1:], log)
	case "elfinfo":
		err = runELFInfo(flag.Args()[1:])
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		log.Fatalf("%s: %v", flag.Arg(0), err)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: kestrelctl <command> [args]

commands:
  console <tty-device>     open an interactive raw-mode serial console
  elfinfo <module.o>       dump the loadable sections and symbols of a
                            relocatable module object, the same view
                            the in-kernel loader's ELF walk sees
`)
}
