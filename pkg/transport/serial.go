package transport

import (
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
)

// SerialConfig describes how to open a direct UART Transport Adapter.
// OpenSerial always uses 8N1 with no flow control; a BaudRate of zero or
// less defaults to 115200.
type SerialConfig struct {
	Device   string
	BaudRate int
}

// Serial is the Direct UART variant of the Transport Adapter: a thin
// wrapper over a blocking byte reader/writer with a bounded timeout,
// grounded on the teacher's own `go.bug.st/serial` dependency (listed in
// its go.mod but never exercised by its own `pkg/usock`, which instead
// reaches for the older, timeout-less `github.com/tarm/serial`).
type Serial struct {
	port serial.Port
}

// OpenSerial opens a direct serial connection per cfg.
func OpenSerial(cfg SerialConfig) (*Serial, error) {
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = 115200
	}
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(cfg.Device, mode)
	if err != nil {
		return nil, fmt.Errorf("transport: open serial %s: %w", cfg.Device, err)
	}
	return &Serial{port: port}, nil
}

// Recv blocks up to timeout to fill buf completely.
func (s *Serial) Recv(buf []byte, timeout time.Duration) error {
	return recvWithDeadline(s.port, buf, timeout)
}

// Send writes buf to the port, failing with ErrTransportError on any I/O error.
// go.bug.st/serial's Write blocks until the OS accepts the bytes; it has
// no separate write-timeout knob, so timeout is unused here (it exists
// for symmetry with Recv and because BTSerial's module may need it).
func (s *Serial) Send(buf []byte, _ time.Duration) error {
	if _, err := s.port.Write(buf); err != nil {
		return wrapIOErr(err, false)
	}
	return nil
}

// Close releases the serial port.
func (s *Serial) Close() error {
	return s.port.Close()
}

// recvWithDeadline fills buf from r, treating the overall elapsed time
// against timeout as the Transport Adapter's bounded-timeout contract:
// per-Read blocking is itself bounded by SetReadTimeout, and the loop
// gives up once the deadline passes even if bytes keep trickling in.
func recvWithDeadline(r interface {
	io.Reader
	SetReadTimeout(time.Duration) error
}, buf []byte, timeout time.Duration) error {
	if err := r.SetReadTimeout(timeout); err != nil {
		return wrapIOErr(err, false)
	}

	deadline := time.Now().Add(timeout)
	filled := 0
	for filled < len(buf) {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return wrapIOErr(fmt.Errorf("recv timed out after %v", timeout), true)
		}
		n, err := r.Read(buf[filled:])
		filled += n
		if err != nil {
			if err == io.EOF && filled < len(buf) {
				return wrapIOErr(fmt.Errorf("recv timed out after %v", timeout), true)
			}
			if filled < len(buf) {
				return wrapIOErr(err, false)
			}
		}
	}
	return nil
}
