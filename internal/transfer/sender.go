package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// SendChannel is the slice of *webrtc.DataChannel the sender drives. The
// channel must be ordered and fully reliable; the sender assumes nothing is
// reordered or lost.
type SendChannel interface {
	Send([]byte) error
	SendText(string) error
	BufferedAmount() uint64
	SetBufferedAmountLowThreshold(uint64)
	OnBufferedAmountLow(func())
}

// SenderOptions tunes a Sender. Zero values fall back to the package
// defaults.
type SenderOptions struct {
	// ChunkSize is the binary frame payload size.
	ChunkSize int

	// HighWater suspends sending while BufferedAmount() is at or above it;
	// LowWater is the buffered amount at which the channel signals that
	// sending may resume.
	HighWater uint64
	LowWater  uint64

	// OnProgress, when set, observes the status after the metadata frame
	// and after every chunk. It is called from Send's goroutine.
	OnProgress func(Status)
}

// Sender streams one file over an open channel, pacing itself against the
// channel's buffered amount so the transport queue stays bounded.
type Sender struct {
	ch         SendChannel
	chunkSize  int
	highWater  uint64
	onProgress func(Status)

	// lowSignal latches the channel's buffered-amount-low callback so a
	// signal fired between checks is never lost.
	lowSignal chan struct{}

	mu     sync.Mutex
	status Status
}

func NewSender(ch SendChannel, opts SenderOptions) *Sender {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.HighWater == 0 {
		opts.HighWater = DefaultHighWater
	}
	if opts.LowWater == 0 {
		opts.LowWater = DefaultLowWater
	}

	s := &Sender{
		ch:         ch,
		chunkSize:  opts.ChunkSize,
		highWater:  opts.HighWater,
		onProgress: opts.OnProgress,
		lowSignal:  make(chan struct{}, 1),
	}
	ch.SetBufferedAmountLowThreshold(opts.LowWater)
	ch.OnBufferedAmountLow(func() {
		select {
		case s.lowSignal <- struct{}{}:
		default:
		}
	})
	return s
}

// Status returns the current transfer status. Safe from any goroutine.
func (s *Sender) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Send streams size bytes from r as one file named name: a metadata frame,
// the content in chunks, then an eof frame. It returns once the eof frame
// is handed to the channel or the first failure; a failed or cancelled
// send attempts nothing further.
func (s *Sender) Send(ctx context.Context, name string, size int64, r io.Reader) error {
	if name == "" {
		return errors.New("file name is required")
	}
	if size < 0 {
		return fmt.Errorf("negative file size %d", size)
	}

	meta, err := encodeMetadata(Metadata{Name: name, Size: size})
	if err != nil {
		return err
	}
	if err := s.ch.SendText(string(meta)); err != nil {
		return fmt.Errorf("send metadata: %w", err)
	}
	s.update(Status{Name: name, Size: size, Progress: progressPercent(0, size)})

	var offset int64
	for offset < size {
		if err := s.waitBelowHighWater(ctx); err != nil {
			return err
		}

		n := size - offset
		if n > int64(s.chunkSize) {
			n = int64(s.chunkSize)
		}
		// Fresh buffer per chunk: the transport may hold a reference to it
		// until the bytes are flushed.
		chunk := make([]byte, n)
		if _, err := io.ReadFull(r, chunk); err != nil {
			return fmt.Errorf("read file at offset %d: %w", offset, err)
		}
		if err := s.ch.Send(chunk); err != nil {
			return fmt.Errorf("send chunk at offset %d: %w", offset, err)
		}

		offset += n
		s.update(Status{Name: name, Size: size, Offset: offset, Progress: progressPercent(offset, size)})
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ch.SendText(eofControl); err != nil {
		return fmt.Errorf("send eof: %w", err)
	}
	s.update(Status{Name: name, Size: size, Offset: size, Progress: 100, Done: true})
	return nil
}

// waitBelowHighWater blocks while the channel's buffered amount is at or
// above the high-water mark. Both the buffered amount and ctx are
// re-checked after every wakeup.
func (s *Sender) waitBelowHighWater(ctx context.Context) error {
	for s.ch.BufferedAmount() >= s.highWater {
		select {
		case <-s.lowSignal:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return ctx.Err()
}

func (s *Sender) update(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
	if s.onProgress != nil {
		s.onProgress(st)
	}
}
