package main

import (
	"bytes"
	"io"
	"os"

	tty "github.com/mattn/go-tty"

	"github.com/shiiinji/wasabi/kernel/config"
)

// Keys that stop the machine when typed on a tty console.
const (
	keyQuit  = 'q'
	keyCtrlC = 0x03
)

// console is where kernel output goes.
type console struct {
	out     io.Writer
	tty     *tty.TTY
	restore func() error
}

// openConsole attaches to the console selected by the configuration:
// stdout, the controlling terminal or a serial device path.
func openConsole(kind string) (*console, error) {
	if kind == config.ConsoleStdout {
		return &console{out: os.Stdout}, nil
	}

	var (
		t   *tty.TTY
		err error
	)
	if kind == config.ConsoleTTY {
		t, err = tty.Open()
	} else {
		t, err = tty.OpenDevice(kind)
	}
	if err != nil {
		return nil, err
	}

	restore, err := t.Raw()
	if err != nil {
		t.Close()
		return nil, err
	}

	return &console{out: crlfWriter{t.Output()}, tty: t, restore: restore}, nil
}

// watchKeys invokes onQuit when the quit key or ^C is typed. It returns
// once the console is closed.
func (c *console) watchKeys(onQuit func()) {
	if c.tty == nil {
		return
	}

	go func() {
		for {
			r, err := c.tty.ReadRune()
			if err != nil {
				return
			}
			if r == keyQuit || r == keyCtrlC {
				onQuit()
				return
			}
		}
	}()
}

// Close restores the terminal mode.
func (c *console) Close() {
	if c.tty == nil {
		return
	}

	if c.restore != nil {
		c.restore()
	}
	c.tty.Close()
}

// crlfWriter expands line feeds for terminals in raw mode.
type crlfWriter struct {
	w io.Writer
}

func (c crlfWriter) Write(p []byte) (int, error) {
	if _, err := c.w.Write(bytes.ReplaceAll(p, []byte("\n"), []byte("\r\n"))); err != nil {
		return 0, err
	}
	return len(p), nil
}
