package testutil

import (
	"fmt"
	"testing"

	"golang.org/x/tools/txtar"
)

// Well-known fixture sections.
const (
	SectionRequest      = "request"
	SectionStreaming    = "streaming"
	SectionNonStreaming = "non-streaming"
)

// TXTARFixture is a parsed txtar archive with a map-based API.
type TXTARFixture struct {
	Comment string
	Files   map[string][]byte
}

func ParseTXTAR(data []byte) (TXTARFixture, error) {
	if len(data) == 0 {
		return TXTARFixture{}, fmt.Errorf("empty txtar input")
	}

	arc := txtar.Parse(data)

	files := make(map[string][]byte, len(arc.Files))
	for _, f := range arc.Files {
		if f.Name == "" {
			return TXTARFixture{}, fmt.Errorf("txtar contains a file with an empty name")
		}
		if _, exists := files[f.Name]; exists {
			return TXTARFixture{}, fmt.Errorf("txtar contains duplicate file name %q", f.Name)
		}
		files[f.Name] = f.Data
	}

	return TXTARFixture{
		Comment: string(arc.Comment),
		Files:   files,
	}, nil
}

func MustParseTXTAR(t testing.TB, data []byte) TXTARFixture {
	t.Helper()
	f, err := ParseTXTAR(data)
	if err != nil {
		t.Fatalf("parse txtar: %v", err)
	}
	return f
}

func (f TXTARFixture) Has(name string) bool {
	_, ok := f.Files[name]
	return ok
}

func (f TXTARFixture) MustFile(t testing.TB, name string) []byte {
	t.Helper()
	b, ok := f.Files[name]
	if !ok {
		t.Fatalf("txtar missing section %q; have %v", name, sortedKeys(f.Files))
	}
	return b
}

// Request returns the fixture's request section.
func (f TXTARFixture) Request(t testing.TB) []byte {
	t.Helper()
	return f.MustFile(t, SectionRequest)
}

// Streaming returns the fixture's event stream, split into frames.
func (f TXTARFixture) Streaming(t testing.TB) [][]byte {
	t.Helper()
	return SSEFrames(t, f.MustFile(t, SectionStreaming))
}

func (f TXTARFixture) NonStreaming(t testing.TB) []byte {
	t.Helper()
	return f.MustFile(t, SectionNonStreaming)
}
