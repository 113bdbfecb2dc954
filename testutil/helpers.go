package testutil

import (
	"bytes"
	"sort"
	"testing"
)

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SSEFrames splits a recorded event stream into its frames, each terminated
// by a blank line, so they can be written to a client one at a time.
func SSEFrames(t testing.TB, stream []byte) [][]byte {
	t.Helper()
	stream = bytes.ReplaceAll(stream, []byte("\r\n"), []byte("\n"))
	var out [][]byte
	for _, part := range bytes.Split(stream, []byte("\n\n")) {
		part = bytes.Trim(part, "\n")
		if len(part) == 0 {
			continue
		}
		frame := make([]byte, 0, len(part)+2)
		frame = append(frame, part...)
		frame = append(frame, '\n', '\n')
		out = append(out, frame)
	}
	if len(out) == 0 {
		t.Fatalf("stream fixture has no frames")
	}
	return out
}
