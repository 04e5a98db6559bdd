package iocontext

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"
)

func TestGetIODefaultsToStd(t *testing.T) {
	streams := GetIO(context.Background())
	if streams.In != os.Stdin || streams.Out != os.Stdout || streams.ErrOut != os.Stderr {
		t.Fatal("GetIO without streams should return the process streams")
	}
}

func TestGetIOReturnsInjectedStreams(t *testing.T) {
	injected := &IO{In: strings.NewReader(""), Out: &bytes.Buffer{}, ErrOut: &bytes.Buffer{}}
	if got := GetIO(WithIO(context.Background(), injected)); got != injected {
		t.Fatal("GetIO should return the injected streams")
	}
}

func TestGetIOFillsMissingStreams(t *testing.T) {
	out := &bytes.Buffer{}
	partial := &IO{Out: out}

	got := GetIO(WithIO(context.Background(), partial))
	if got.Out != out {
		t.Fatal("injected Out was replaced")
	}
	if got.In != os.Stdin || got.ErrOut != os.Stderr {
		t.Fatal("missing streams should fall back to the process streams")
	}
	if partial.In != nil {
		t.Fatal("GetIO must not modify the stored streams")
	}
}

func TestIsTerminal(t *testing.T) {
	if IsTerminal(&bytes.Buffer{}) {
		t.Fatal("a buffer is not a terminal")
	}
	f, err := os.CreateTemp(t.TempDir(), "stream")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = f.Close() }()
	if IsTerminal(f) {
		t.Fatal("a regular file is not a terminal")
	}
}
