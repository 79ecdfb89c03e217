package main

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-tty"
	"github.com/sirupsen/logrus"
)

// runConsole opens devPath in raw mode and shuttles bytes between it
// and the controlling terminal until either side hits EOF or an error,
// or ctrl-] is typed on stdin, the same
// open-device/MustRaw/Input/Output shape as the teacher's ttyReceiver
// (here used for an interactive session rather than a line-oriented
// transfer protocol).
func runConsole(args []string, log *logrus.Logger) error {
	if len(args) != 1 {
		return fmt.Errorf("console requires exactly one tty device path")
	}
	devPath := args[0]

	t, err := tty.OpenDevice(devPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", devPath, err)
	}
	defer t.Close()

	restore := t.MustRaw()
	defer restore()
	log.Infof("connected to %s, press ctrl-] to exit", devPath)

	done := make(chan error, 2)
	go func() { done <- copyBoardToStdout(t.Input()) }()
	go func() { done <- copyStdinToBoard(t.Output()) }()

	return <-done
}

func copyBoardToStdout(r io.Reader) error {
	buf := make([]byte, 256)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			os.Stdout.Write(buf[:n])
		}
		if err != nil {
			return err
		}
	}
}

const ctrlBracket = 0x1d // ctrl-]

func copyStdinToBoard(w io.Writer) error {
	in := bufio.NewReader(os.Stdin)
	for {
		b, err := in.ReadByte()
		if err != nil {
			return err
		}
		if b == ctrlBracket {
			return nil
		}
		if _, err := w.Write([]byte{b}); err != nil {
			return err
		}
	}
}
