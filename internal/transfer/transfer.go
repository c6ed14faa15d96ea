// Package transfer streams one file over an open ordered reliable
// DataChannel: a metadata control frame, the content as binary chunks, then
// an eof control frame. The sender paces itself against the channel's
// buffered amount; the receiver enforces the declared size exactly.
package transfer

import "errors"

// Tuning defaults. These are knobs, not protocol constants: any chunk size
// produces the same artifact.
const (
	DefaultChunkSize = 64 << 10
	DefaultHighWater = uint64(2 << 20)
	DefaultLowWater  = uint64(512 << 10)
)

// ErrProtocol reports a stream that violates the transfer protocol: data
// before metadata, more bytes than declared, or an eof that does not match
// the declared size.
var ErrProtocol = errors.New("transfer protocol violation")

// Message is one decoded transfer frame: Metadata, Chunk or Eof.
type Message interface {
	isMessage()
}

// Metadata announces the file that follows.
type Metadata struct {
	Name string
	Size int64
}

// Chunk is one binary slice of file content.
type Chunk []byte

// Eof marks the end of the file content.
type Eof struct{}

func (Metadata) isMessage() {}
func (Chunk) isMessage()    {}
func (Eof) isMessage()      {}

// Status is a point-in-time view of one transfer direction. Progress is a
// percentage that only ever grows and lands on exactly 100; a zero-size
// file is 100 from the moment its metadata is processed. Artifact is set on
// the receiving side once the file is committed.
type Status struct {
	Name     string
	Size     int64
	Offset   int64
	Progress float64
	Done     bool
	Artifact string
}

func progressPercent(offset, size int64) float64 {
	if size <= 0 {
		return 100
	}
	return float64(offset) / float64(size) * 100
}
