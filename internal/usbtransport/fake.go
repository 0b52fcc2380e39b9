package usbtransport

import (
	"context"
	"sync"

	"github.com/edlflash/qdl/internal/errs"
)

// FakeTransport is an in-memory Transport used by every protocol package's
// tests. Every write is recorded to Written, and WriteFunc, when set, is
// then consulted for its result. ReadFunc, when set, replaces reading;
// otherwise reads drain QueuedReads in order.
type FakeTransport struct {
	mu sync.Mutex

	connected bool
	packet    int

	QueuedReads [][]byte
	Written     [][]byte

	// ReadFunc, if set, overrides the default queue-draining Read.
	ReadFunc func(n int) ([]byte, error)
	// WriteFunc, if set, is invoked in addition to recording the chunk.
	WriteFunc func(data []byte, wait bool) error

	ConnectErr error
}

// NewFakeTransport returns a FakeTransport already connected, reporting
// packet as its MaxPacketSize (default 512 when zero).
func NewFakeTransport(packet int) *FakeTransport {
	if packet == 0 {
		packet = 512
	}
	return &FakeTransport{connected: true, packet: packet}
}

func (f *FakeTransport) Connected() bool { return f.connected }

func (f *FakeTransport) Connect(ctx context.Context) error {
	if f.ConnectErr != nil {
		return f.ConnectErr
	}
	f.connected = true
	return nil
}

func (f *FakeTransport) MaxPacketSize() int { return f.packet }

// QueueRead appends a canned read response.
func (f *FakeTransport) QueueRead(b []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.QueuedReads = append(f.QueuedReads, b)
}

func (f *FakeTransport) Read(ctx context.Context, n int) ([]byte, error) {
	if f.ReadFunc != nil {
		return f.ReadFunc(n)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.QueuedReads) == 0 {
		return nil, &errs.USBError{Op: "read", Cause: errEOF}
	}
	next := f.QueuedReads[0]
	f.QueuedReads = f.QueuedReads[1:]

	if n == 0 {
		return next, nil
	}
	out := append([]byte{}, next...)
	for len(out) < n && len(f.QueuedReads) > 0 {
		out = append(out, f.QueuedReads[0]...)
		f.QueuedReads = f.QueuedReads[1:]
	}
	return out, nil
}

func (f *FakeTransport) Write(ctx context.Context, data []byte, wait bool) error {
	f.mu.Lock()
	f.Written = append(f.Written, append([]byte{}, data...))
	f.mu.Unlock()

	if f.WriteFunc != nil {
		return f.WriteFunc(data, wait)
	}
	return nil
}

func (f *FakeTransport) Close() error {
	f.connected = false
	return nil
}

var _ Transport = (*FakeTransport)(nil)

type eofError struct{}

func (eofError) Error() string { return "fake transport: no more queued reads" }

var errEOF = eofError{}
