package transfer

import (
	"fmt"
	"log/slog"
	"sync"
)

// ReceiverOptions tunes a Receiver.
type ReceiverOptions struct {
	// OnProgress, when set, observes the status after every applied
	// message. It is called from Apply's goroutine.
	OnProgress func(Status)

	Logger *slog.Logger
}

// Receiver applies transfer messages in delivery order and writes the
// incoming file through a Sink. Apply is driven from one goroutine (the
// DataChannel message callback); Status and Done are safe from any.
type Receiver struct {
	sink       Sink
	onProgress func(Status)
	log        *slog.Logger

	done chan struct{}

	mu       sync.Mutex
	status   Status
	w        ArtifactWriter
	declared int64
	received int64
}

func NewReceiver(sink Sink, opts ReceiverOptions) *Receiver {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Receiver{
		sink:       sink,
		onProgress: opts.OnProgress,
		log:        log,
		done:       make(chan struct{}),
	}
}

// Status returns the current transfer status. Safe from any goroutine.
func (r *Receiver) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Done is closed once a file has been committed.
func (r *Receiver) Done() <-chan struct{} {
	return r.done
}

// Apply processes one message. A protocol violation is returned wrapped in
// ErrProtocol; the in-flight artifact is aborted first, so no partial file
// survives a violation.
func (r *Receiver) Apply(msg Message) error {
	r.mu.Lock()
	var emit Status
	var err error
	switch m := msg.(type) {
	case Metadata:
		err = r.applyMetadata(m)
	case Chunk:
		err = r.applyChunk(m)
	case Eof:
		err = r.applyEof()
	default:
		err = fmt.Errorf("%w: unhandled message type %T", ErrProtocol, msg)
	}
	emit = r.status
	r.mu.Unlock()

	if err == nil && r.onProgress != nil {
		r.onProgress(emit)
	}
	return err
}

// Abort discards any partially received artifact. Idempotent; called from
// the teardown path.
func (r *Receiver) Abort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.abortLocked()
}

func (r *Receiver) applyMetadata(m Metadata) error {
	// A new metadata frame resets the transfer: whatever was in flight is
	// gone.
	r.abortLocked()

	w, err := r.sink.Create(m.Name, m.Size)
	if err != nil {
		return fmt.Errorf("create artifact for %q: %w", m.Name, err)
	}
	r.w = w
	r.declared = m.Size
	r.received = 0
	r.status = Status{Name: m.Name, Size: m.Size, Progress: progressPercent(0, m.Size)}
	return nil
}

func (r *Receiver) applyChunk(c Chunk) error {
	if r.w == nil {
		return fmt.Errorf("%w: chunk before metadata", ErrProtocol)
	}
	if r.received+int64(len(c)) > r.declared {
		r.abortLocked()
		return fmt.Errorf("%w: %d bytes exceed declared size %d", ErrProtocol, r.received+int64(len(c)), r.declared)
	}
	if _, err := r.w.Write(c); err != nil {
		r.abortLocked()
		return fmt.Errorf("write artifact: %w", err)
	}
	r.received += int64(len(c))
	r.status.Offset = r.received
	r.status.Progress = progressPercent(r.received, r.declared)
	return nil
}

func (r *Receiver) applyEof() error {
	if r.w == nil {
		return fmt.Errorf("%w: eof before metadata", ErrProtocol)
	}
	if r.received != r.declared {
		r.abortLocked()
		return fmt.Errorf("%w: eof after %d of %d declared bytes", ErrProtocol, r.received, r.declared)
	}

	artifact, err := r.w.Commit()
	r.w = nil
	if err != nil {
		return fmt.Errorf("commit artifact: %w", err)
	}
	r.status.Offset = r.declared
	r.status.Progress = 100
	r.status.Done = true
	r.status.Artifact = artifact

	select {
	case <-r.done:
	default:
		close(r.done)
	}
	return nil
}

// abortLocked drops the in-flight artifact, if any. Callers hold r.mu.
func (r *Receiver) abortLocked() {
	if r.w == nil {
		return
	}
	if err := r.w.Abort(); err != nil {
		r.log.Warn("failed to abort partial artifact", "err", err)
	}
	r.w = nil
	r.received = 0
	r.declared = 0
	r.status = Status{}
}
