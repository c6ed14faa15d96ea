package transfer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
)

// Sink produces artifact writers for incoming files.
type Sink interface {
	Create(name string, size int64) (ArtifactWriter, error)
}

// ArtifactWriter accumulates one incoming file. Exactly one of Commit or
// Abort ends it: Commit materializes the artifact and returns its handle
// (a path for directory sinks), Abort discards everything written.
type ArtifactWriter interface {
	io.Writer
	Commit() (string, error)
	Abort() error
}

// DirSink writes artifacts into a directory. Data accumulates in a .part
// temp file and only reaches its final name on Commit, so a partial file
// never appears under a real name. Names are reduced to their base name;
// an existing name gets a numeric suffix.
type DirSink struct {
	Dir string
}

var _ Sink = DirSink{}

func (s DirSink) Create(name string, _ int64) (ArtifactWriter, error) {
	base := sanitizeName(name)
	f, err := os.CreateTemp(s.Dir, base+".*.part")
	if err != nil {
		return nil, fmt.Errorf("create temp artifact: %w", err)
	}
	return &fileArtifact{f: f, dir: s.Dir, name: base}, nil
}

type fileArtifact struct {
	f    *os.File
	dir  string
	name string
}

func (a *fileArtifact) Write(p []byte) (int, error) {
	return a.f.Write(p)
}

func (a *fileArtifact) Commit() (string, error) {
	if err := a.f.Sync(); err != nil {
		_ = a.f.Close()
		_ = os.Remove(a.f.Name())
		return "", fmt.Errorf("sync artifact: %w", err)
	}
	if err := a.f.Close(); err != nil {
		_ = os.Remove(a.f.Name())
		return "", fmt.Errorf("close artifact: %w", err)
	}
	target, err := availableName(a.dir, a.name)
	if err != nil {
		_ = os.Remove(a.f.Name())
		return "", err
	}
	if err := os.Rename(a.f.Name(), target); err != nil {
		_ = os.Remove(a.f.Name())
		return "", fmt.Errorf("rename artifact: %w", err)
	}
	return target, nil
}

func (a *fileArtifact) Abort() error {
	_ = a.f.Close()
	if err := os.Remove(a.f.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// sanitizeName reduces a sender-controlled file name to a bare base name.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." || name == "/" {
		return "artifact"
	}
	return name
}

// availableName returns dir/name, or the first dir/name-N variant that does
// not exist yet.
func availableName(dir, name string) (string, error) {
	candidate := filepath.Join(dir, name)
	for i := 1; ; i++ {
		_, err := os.Lstat(candidate)
		if errors.Is(err, os.ErrNotExist) {
			return candidate, nil
		}
		if err != nil {
			return "", fmt.Errorf("stat %s: %w", candidate, err)
		}
		candidate = filepath.Join(dir, numberedName(name, i))
	}
}

func numberedName(name string, n int) string {
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	if stem == "" {
		return fmt.Sprintf("%s-%d", name, n)
	}
	return fmt.Sprintf("%s-%d%s", stem, n, ext)
}

// MemorySink keeps committed artifacts in memory. Intended for tests and
// embedding.
type MemorySink struct {
	mu        sync.Mutex
	artifacts map[string][]byte
}

var _ Sink = (*MemorySink)(nil)

func NewMemorySink() *MemorySink {
	return &MemorySink{artifacts: make(map[string][]byte)}
}

func (s *MemorySink) Create(name string, _ int64) (ArtifactWriter, error) {
	return &memArtifact{sink: s, name: name}, nil
}

// Artifact returns a committed artifact's bytes by name.
func (s *MemorySink) Artifact(name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.artifacts[name]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

type memArtifact struct {
	sink *MemorySink
	name string
	buf  bytes.Buffer
}

func (a *memArtifact) Write(p []byte) (int, error) {
	return a.buf.Write(p)
}

func (a *memArtifact) Commit() (string, error) {
	a.sink.mu.Lock()
	defer a.sink.mu.Unlock()
	a.sink.artifacts[a.name] = append([]byte(nil), a.buf.Bytes()...)
	return a.name, nil
}

func (a *memArtifact) Abort() error {
	a.buf.Reset()
	return nil
}
