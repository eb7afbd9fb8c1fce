package audio

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/hubctl/internal/bridge"
)

type discard struct{}

func (discard) Write([]byte) error { return nil }
func (discard) Close() error       { return nil }

// Discard drops every chunk.
func Discard(bridge.Peer) (Sink, error) { return discard{}, nil }

// Buffer keeps a stream in memory.
type Buffer struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed atomic.Bool
}

func (b *Buffer) Write(p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.buf.Write(p)
	return err
}

func (b *Buffer) Close() error {
	b.closed.Store(true)
	return nil
}

func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.buf.Bytes())
}

func (b *Buffer) Closed() bool { return b.closed.Load() }

type fileSink struct {
	f *os.File
}

func (s fileSink) Write(p []byte) error {
	_, err := s.f.Write(p)
	return err
}

func (s fileSink) Close() error { return s.f.Close() }

// Files writes each stream to its own raw file under dir.
func Files(dir string) SinkFactory {
	return func(peer bridge.Peer) (Sink, error) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		name := fmt.Sprintf("%s-%d.raw", peer.ID(), time.Now().UnixNano())
		f, err := os.Create(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		return fileSink{f: f}, nil
	}
}
