// Package iocontext carries a command's standard streams in its context so
// tests can inject their own.
package iocontext

import (
	"context"
	"io"
	"os"

	"golang.org/x/term"
)

// IO holds the streams a command reads and writes.
type IO struct {
	In     io.Reader
	Out    io.Writer
	ErrOut io.Writer
}

// Std returns the process's own streams.
func Std() *IO {
	return &IO{In: os.Stdin, Out: os.Stdout, ErrOut: os.Stderr}
}

type ioKey struct{}

// WithIO stores streams in ctx.
func WithIO(ctx context.Context, streams *IO) context.Context {
	return context.WithValue(ctx, ioKey{}, streams)
}

// GetIO returns the streams stored in ctx. Streams left nil fall back to the
// process's own.
func GetIO(ctx context.Context) *IO {
	streams, _ := ctx.Value(ioKey{}).(*IO)
	if streams == nil {
		return Std()
	}
	if streams.In != nil && streams.Out != nil && streams.ErrOut != nil {
		return streams
	}
	filled := *streams
	if filled.In == nil {
		filled.In = os.Stdin
	}
	if filled.Out == nil {
		filled.Out = os.Stdout
	}
	if filled.ErrOut == nil {
		filled.ErrOut = os.Stderr
	}
	return &filled
}

// IsTerminal reports whether a stream is an interactive terminal.
func IsTerminal(stream any) bool {
	f, ok := stream.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
