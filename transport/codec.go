package transport

import (
	"bytes"
	"fmt"

	"github.com/go-stomp/stomp/v3/frame"
)

// Encode serializes a STOMP frame into one websocket text message.
func Encode(f *frame.Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Command, err)
	}
	return buf.Bytes(), nil
}

// Decode parses one websocket message into a STOMP frame.
// A nil frame with a nil error is a heart-beat.
func Decode(data []byte) (*frame.Frame, error) {
	f, err := frame.NewReader(bytes.NewReader(data)).Read()
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}
