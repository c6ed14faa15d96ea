package transfer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Control messages travel as JSON text frames; chunks travel as binary
// frames. The frame type alone separates control from data, so chunk
// payloads need no framing or escaping.

// MaxControlBytes caps control frames. A control frame carries a file name
// and a size; anything larger is not ours.
const MaxControlBytes = 4 << 10

const (
	controlKindMetadata = "metadata"
	controlKindEof      = "eof"
)

const eofControl = `{"kind":"eof"}`

type controlFrame struct {
	Kind string  `json:"kind"`
	Name *string `json:"name,omitempty"`
	Size *int64  `json:"size,omitempty"`
}

// DecodeFrame turns one DataChannel frame into a Message. Binary frames
// become chunks as-is (no copy; the caller owns the data's lifetime), text
// frames are strictly parsed control messages.
func DecodeFrame(isText bool, data []byte) (Message, error) {
	if !isText {
		return Chunk(data), nil
	}
	return parseControl(data)
}

func parseControl(data []byte) (Message, error) {
	if len(data) > MaxControlBytes {
		return nil, fmt.Errorf("control frame of %d bytes exceeds limit of %d", len(data), MaxControlBytes)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var frame controlFrame
	if err := dec.Decode(&frame); err != nil {
		return nil, err
	}
	msg, err := frame.toMessage()
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("unexpected trailing data")
	}
	return msg, nil
}

func (f controlFrame) toMessage() (Message, error) {
	switch f.Kind {
	case controlKindMetadata:
		if f.Name == nil || *f.Name == "" {
			return nil, fmt.Errorf("metadata frame missing name")
		}
		if f.Size == nil {
			return nil, fmt.Errorf("metadata frame missing size")
		}
		if *f.Size < 0 {
			return nil, fmt.Errorf("metadata frame has negative size %d", *f.Size)
		}
		return Metadata{Name: *f.Name, Size: *f.Size}, nil
	case controlKindEof:
		if f.Name != nil || f.Size != nil {
			return nil, fmt.Errorf("eof frame has unexpected fields")
		}
		return Eof{}, nil
	default:
		return nil, fmt.Errorf("unsupported control kind %q", f.Kind)
	}
}

func encodeMetadata(md Metadata) ([]byte, error) {
	if md.Name == "" {
		return nil, fmt.Errorf("metadata frame missing name")
	}
	if md.Size < 0 {
		return nil, fmt.Errorf("metadata frame has negative size %d", md.Size)
	}
	data, err := json.Marshal(controlFrame{Kind: controlKindMetadata, Name: &md.Name, Size: &md.Size})
	if err != nil {
		return nil, fmt.Errorf("marshal metadata frame: %w", err)
	}
	return data, nil
}
