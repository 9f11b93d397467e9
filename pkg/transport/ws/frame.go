package ws

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

const (
	FrameMessage = "message"
	FrameError   = "error"
)

// Frame is the JSON envelope exchanged with the agent endpoint.
type Frame struct {
	Type      string    `json:"type"`
	Text      string    `json:"text,omitempty"`
	Timestamp time.Time `json:"ts,omitempty"`
}

func EncodeFrame(f Frame) ([]byte, error) {
	if f.Type == "" {
		f.Type = FrameMessage
	}
	b, err := json.Marshal(f)
	return b, errors.Wrap(err, "encode frame")
}

func DecodeFrame(b []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return f, errors.Wrap(err, "decode frame")
	}
	if f.Type == "" {
		return f, errors.New("frame without type")
	}
	return f, nil
}
