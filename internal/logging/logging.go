package logger

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
)

type Logger struct {
	Verbose bool
	Debug   bool

	// Out receives info and debug lines. Defaults to os.Stdout.
	Out io.Writer
	// Err receives warnings and errors. Defaults to os.Stderr.
	Err io.Writer

	component string
}

// Named returns a copy of the logger that prefixes messages with component.
func (l Logger) Named(component string) Logger {
	l.component = component
	return l
}

func (l Logger) Infof(msg string, args ...any) {
	if l.Verbose || l.Debug {
		l.write(l.out(), color.GreenString("[info] "), msg, args...)
	}
}

func (l Logger) Debugf(msg string, args ...any) {
	if l.Debug {
		l.write(l.out(), color.CyanString("[debug] "), msg, args...)
	}
}

func (l Logger) Warnf(msg string, args ...any) {
	l.write(l.err(), color.YellowString("[warn] "), msg, args...)
}

func (l Logger) Errorf(msg string, args ...any) {
	l.write(l.err(), color.RedString("[error] "), msg, args...)
}

// ErrorfAndReturn logs the message as an error and returns it.
func (l Logger) ErrorfAndReturn(msg string, args ...any) error {
	l.Errorf(msg, args...)
	return fmt.Errorf(msg, args...)
}

func (l Logger) write(w io.Writer, prefix, msg string, args ...any) {
	if l.component != "" {
		prefix += l.component + ": "
	}
	fmt.Fprintf(w, prefix+msg+"\n", args...)
}

func (l Logger) out() io.Writer {
	if l.Out != nil {
		return l.Out
	}
	return os.Stdout
}

func (l Logger) err() io.Writer {
	if l.Err != nil {
		return l.Err
	}
	return os.Stderr
}
