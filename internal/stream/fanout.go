// Package stream fans a single upstream byte stream out to two independent
// consumers. The gateway uses it to forward a provider's streamed response to
// the caller while a second reader reconstructs billing usage from the same
// bytes after end-of-stream.
package stream

import (
	"io"
	"sync"
)

const readChunkSize = 32 * 1024

// Fanout pumps one upstream reader into two branches. Each branch owns its
// own chunk queue and advances at its own pace; a blocked branch never
// stalls the other branch or the pump.
type Fanout struct {
	forward *Branch
	capture *Branch
}

// New starts the pump goroutine and returns the fanout. The forward branch
// is intended for the caller-facing copy, the capture branch for usage
// extraction; the two are interchangeable.
func New(r io.Reader) *Fanout {
	f := &Fanout{
		forward: newBranch(),
		capture: newBranch(),
	}
	go f.pump(r)
	return f
}

// Branches returns the forward and capture branches.
func (f *Fanout) Branches() (forward, capture *Branch) {
	return f.forward, f.capture
}

func (f *Fanout) pump(r io.Reader) {
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			// One shared copy per chunk; branches only ever read from it.
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			f.forward.push(chunk)
			f.capture.push(chunk)
		}
		if err != nil {
			f.forward.finish(err)
			f.capture.finish(err)
			return
		}
	}
}

// Branch is one independently-buffered consumer of the fanned-out stream.
// It implements io.Reader; Read blocks until data arrives or the upstream
// terminates. Buffered data is always delivered before the terminal error.
type Branch struct {
	mu     sync.Mutex
	cond   *sync.Cond
	chunks [][]byte
	off    int // read offset into chunks[0]
	err    error
}

func newBranch() *Branch {
	b := &Branch{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *Branch) push(chunk []byte) {
	b.mu.Lock()
	b.chunks = append(b.chunks, chunk)
	b.mu.Unlock()
	b.cond.Signal()
}

func (b *Branch) finish(err error) {
	b.mu.Lock()
	if b.err == nil {
		b.err = err
	}
	b.mu.Unlock()
	b.cond.Signal()
}

// Read implements io.Reader.
func (b *Branch) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for len(b.chunks) == 0 && b.err == nil {
		b.cond.Wait()
	}
	if len(b.chunks) == 0 {
		return 0, b.err
	}

	head := b.chunks[0][b.off:]
	n := copy(p, head)
	if n == len(head) {
		b.chunks = b.chunks[1:]
		b.off = 0
	} else {
		b.off += n
	}
	return n, nil
}
