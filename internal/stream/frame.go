package stream

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

const maxFrameBytes = 1 << 20

// errFrameTooLarge reports a single line or dispatched payload over
// maxFrameBytes.
var errFrameTooLarge = fmt.Errorf("frame exceeds %d bytes", maxFrameBytes)

// frameReader splits a text/event-stream body into data payloads.
// Only the data field is used; event, id and retry fields are skipped and
// comment lines (leading ':') count as activity but carry nothing.
type frameReader struct {
	r     *bufio.Reader
	touch func()
}

func newFrameReader(body io.Reader, touch func()) *frameReader {
	if touch == nil {
		touch = func() {}
	}
	return &frameReader{r: bufio.NewReaderSize(body, 4096), touch: touch}
}

// Next returns the next dispatched payload. A frame still open when the body
// ends is discarded and io.EOF is returned.
func (f *frameReader) Next() ([]byte, error) {
	var data strings.Builder
	hasData := false
	for {
		line, err := f.readLine()
		if err != nil {
			return nil, err
		}
		f.touch()

		if line == "" {
			if hasData {
				return []byte(data.String()), nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		if field != "data" {
			continue
		}
		if hasData {
			data.WriteByte('\n')
		}
		data.WriteString(value)
		hasData = true
		if data.Len() > maxFrameBytes {
			return nil, errFrameTooLarge
		}
	}
}

// readLine reads one line without buffering more than maxFrameBytes of it.
func (f *frameReader) readLine() (string, error) {
	var line []byte
	for {
		chunk, err := f.r.ReadSlice('\n')
		if len(line)+len(chunk) > maxFrameBytes+len("data: \r\n") {
			return "", errFrameTooLarge
		}
		line = append(line, chunk...)
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		return "", fmt.Errorf("read stream: %w", err)
	}
	out := strings.TrimSuffix(string(line), "\n")
	out = strings.TrimSuffix(out, "\r")
	return out, nil
}
