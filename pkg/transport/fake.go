package transport

import (
	"bytes"
	"sync"
	"time"
)

// Fake is an in-memory Adapter for tests: bytes written with Feed become
// available to Recv, and bytes sent via Send accumulate in Sent. It never
// blocks for real time; a Recv against an empty buffer immediately reports
// ErrNoResponse, simulating an already-expired timeout.
type Fake struct {
	mu   sync.Mutex
	in   bytes.Buffer
	Sent bytes.Buffer

	// Busy, if set, forces every Recv to fail with ErrNoResponse
	// regardless of buffered input, simulating a busy peer.
	Busy bool
}

// Feed appends bytes to the Fake's inbound buffer, as if the peer had
// just transmitted them.
func (f *Fake) Feed(b []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.in.Write(b)
}

// Recv fills buf from the inbound buffer, or fails with ErrNoResponse if
// insufficient bytes are currently buffered.
func (f *Fake) Recv(buf []byte, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Busy || f.in.Len() < len(buf) {
		return ErrNoResponse
	}
	_, _ = f.in.Read(buf)
	return nil
}

// Send appends buf to Sent.
func (f *Fake) Send(buf []byte, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Sent.Write(buf)
	return nil
}

// Close is a no-op for the in-memory fake.
func (f *Fake) Close() error { return nil }
