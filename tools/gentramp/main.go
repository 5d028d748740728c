// Command gentramp generates the interrupt trampolines for the irq package
// from the error code table in irq.HasErrorCode.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

var (
	outFile = flag.String("o", "kernel/irq/trampolines_386.s", "output file")
	check   = flag.Bool("check", false, "verify that the output file is up to date instead of writing it")
	verbose = flag.Bool("v", false, "enable debug logging")
)

func exit(err error) {
	logrus.WithError(err).Error("[gentramp] failed")
	os.Exit(1)
}

func main() {
	flag.Parse()
	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	out, err := render()
	if err != nil {
		exit(err)
	}
	logrus.WithField("bytes", len(out)).Debug("rendered trampolines")

	if *check {
		existing, err := os.ReadFile(*outFile)
		if err != nil {
			exit(err)
		}
		if !bytes.Equal(existing, out) {
			exit(fmt.Errorf("%s is out of date; re-run gentramp", *outFile))
		}
		logrus.WithField("file", *outFile).Info("trampolines are up to date")
		return
	}

	if err = os.WriteFile(*outFile, out, 0644); err != nil {
		exit(err)
	}
	logrus.WithField("file", *outFile).Info("wrote trampolines")
}
