package sse

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
)

// Frame is one dispatched event.
type Frame struct {
	Event string
	Data  string
	ID    string
}

// Bytes re-encodes the frame in wire form.
func (f Frame) Bytes() []byte {
	var buf bytes.Buffer
	if f.ID != "" {
		buf.WriteString("id: " + f.ID + "\n")
	}
	buf.Write(EncodeRaw(f.Event, []byte(f.Data)))
	return buf.Bytes()
}

// Reader splits a byte stream into frames. Lines may be of any length.
type Reader struct {
	r *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 32<<10)}
}

// Next returns the next frame. Comment-only blocks are skipped. At the end of
// the stream a final unterminated frame is returned before io.EOF.
func (r *Reader) Next() (Frame, error) {
	var (
		f       Frame
		data    []string
		hasData bool
		seen    bool
	)

	for {
		line, err := r.r.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return Frame{}, err
		}
		eof := errors.Is(err, io.EOF)
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if seen {
				f.Data = strings.Join(data, "\n")
				if hasData || f.Event != "" {
					return f, nil
				}
				f, data, hasData, seen = Frame{}, nil, false, false
			}
			if eof {
				return Frame{}, io.EOF
			}
			continue
		}

		if !strings.HasPrefix(line, ":") {
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "event":
				f.Event = value
				seen = true
			case "data":
				data = append(data, value)
				hasData, seen = true, true
			case "id":
				f.ID = value
				seen = true
			}
		}

		if eof {
			if seen && (hasData || f.Event != "") {
				f.Data = strings.Join(data, "\n")
				return f, nil
			}
			return Frame{}, io.EOF
		}
	}
}

// ReadAll collects every frame in r.
func ReadAll(r io.Reader) ([]Frame, error) {
	var frames []Frame
	fr := NewReader(r)
	for {
		f, err := fr.Next()
		if errors.Is(err, io.EOF) {
			return frames, nil
		}
		if err != nil {
			return frames, err
		}
		frames = append(frames, f)
	}
}
