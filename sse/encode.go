// Package sse reads and writes server-sent events.
package sse

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Encode marshals v as JSON and frames it as a single named event.
func Encode(event string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", event, err)
	}
	return EncodeRaw(event, data), nil
}

// EncodeRaw frames data as a single event. Multi-line data is split across
// several data fields.
func EncodeRaw(event string, data []byte) []byte {
	var buf bytes.Buffer
	if event != "" {
		buf.WriteString("event: ")
		buf.WriteString(event)
		buf.WriteByte('\n')
	}
	for _, line := range bytes.Split(data, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	return buf.Bytes()
}
