// Package sender implements the Host-Side Sender (spec §4.6): the
// Abort -> Start -> Header -> Data* -> End orchestration a host CLI
// drives over a transport.Adapter, with byte pacing, response polling,
// and the one-shot whole-transaction retry policy.
package sender

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/mortrack/etxota/pkg/crc32mpeg2"
	"github.com/mortrack/etxota/pkg/etxota"
	"github.com/mortrack/etxota/pkg/frame"
	"github.com/mortrack/etxota/pkg/transport"
)

// ErrStepFailed wraps a step failure seen in a well-formed reply (NACK,
// wrong packet type, unrecognized response byte) or an Abort that was
// never acknowledged. Framing and CRC errors from frame.Decode are
// returned as they are.
var ErrStepFailed = errors.New("sender: step failed")

// Config holds the Sender's pacing constants (spec §4.6, §6).
type Config struct {
	// SendByteDelay is inserted after every byte written to the wire.
	SendByteDelay time.Duration
	// PollDelay doubles as the per-attempt read timeout while polling
	// for a response: a failed attempt has already waited PollDelay.
	PollDelay time.Duration
	// TryAgainDelay is slept before the one-shot whole-transaction
	// retry after the Abort, Start or Header step fails on the first
	// attempt.
	TryAgainDelay time.Duration
	// WriteTimeout bounds each individual paced byte Send call.
	WriteTimeout time.Duration
	// MaxAbortAttempts bounds the "repeated until ACK" Abort loop so a
	// permanently unresponsive device doesn't hang the sender forever.
	MaxAbortAttempts int
	Logger           *log.Logger
}

func (c *Config) setDefaults() {
	if c.SendByteDelay <= 0 {
		c.SendByteDelay = time.Millisecond
	}
	if c.PollDelay <= 0 {
		c.PollDelay = 500 * time.Millisecond
	}
	if c.TryAgainDelay <= 0 {
		c.TryAgainDelay = 9 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = transport.DefaultTimeout
	}
	if c.MaxAbortAttempts <= 0 {
		c.MaxAbortAttempts = 20
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
}

// Opener (re)opens the underlying transport. The Sender calls it once
// up front and again if the transaction's first attempt must be
// retried after closing the port (spec §4.6 step 2).
type Opener func() (transport.Adapter, error)

// Sender drives transactions over a transport obtained from open.
type Sender struct {
	open Opener
	t    transport.Adapter
	cfg  Config
}

// New opens the transport via open and returns a ready Sender.
func New(open Opener, cfg Config) (*Sender, error) {
	cfg.setDefaults()
	t, err := open()
	if err != nil {
		return nil, err
	}
	return &Sender{open: open, t: t, cfg: cfg}, nil
}

// Close releases the current transport.
func (s *Sender) Close() error {
	return s.t.Close()
}

// SendUpdate runs one full transaction: forces the device back to
// Start, then Start -> Header -> Data* -> End for payload, chunked into
// ≤1024-byte Data packets (spec §4.6). It returns the transaction's
// terminal status.
func (s *Sender) SendUpdate(payload []byte, payloadType frame.PayloadType) (etxota.Status, error) {
	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		if attempt == 2 {
			s.cfg.Logger.Printf("sender: retrying transaction after %v", lastErr)
			_ = s.t.Close()
			time.Sleep(s.cfg.TryAgainDelay)
			nt, err := s.open()
			if err != nil {
				return etxota.Error, fmt.Errorf("sender: reopen for retry: %w", err)
			}
			s.t = nt
		}

		if err := s.forceAbort(); err != nil {
			lastErr = err
			continue
		}
		if err := s.doStart(); err != nil {
			lastErr = err
			continue
		}
		if err := s.doHeader(uint32(len(payload)), crc32mpeg2.Checksum(payload), payloadType); err != nil {
			lastErr = err
			continue
		}

		// Data/End failures are not retried at the whole-transaction
		// level; the one-shot retry covers the Abort, Start and Header
		// steps only.
		if err := s.doData(payload); err != nil {
			return statusFromErr(err), err
		}
		if err := s.doEnd(); err != nil {
			return statusFromErr(err), err
		}
		return etxota.Ok, nil
	}
	return statusFromErr(lastErr), lastErr
}

func statusFromErr(err error) etxota.Status {
	if errors.Is(err, transport.ErrNoResponse) {
		return etxota.NoResponse
	}
	return etxota.Error
}

func (s *Sender) forceAbort() error {
	for attempt := 0; attempt < s.cfg.MaxAbortAttempts; attempt++ {
		if err := s.sendPacket(frame.TypeCommand, frame.EncodeCommand(frame.CommandAbort)); err != nil {
			return err
		}
		pkt, err := s.awaitResponse(1)
		if err == nil && pkt.Type == frame.TypeResponse {
			if status, derr := frame.DecodeResponse(pkt.Data); derr == nil && status == frame.ResponseACK {
				return nil
			}
		}
	}
	return fmt.Errorf("%w: abort not acknowledged after %d attempts", ErrStepFailed, s.cfg.MaxAbortAttempts)
}

func (s *Sender) doStart() error {
	if err := s.sendPacket(frame.TypeCommand, frame.EncodeCommand(frame.CommandStart)); err != nil {
		return err
	}
	return s.expectACK(1)
}

func (s *Sender) doHeader(size, crc uint32, payloadType frame.PayloadType) error {
	hdr := frame.NewHeader(size, crc, payloadType)
	if err := s.sendPacket(frame.TypeHeader, hdr.Encode()); err != nil {
		return err
	}
	return s.expectACK(1)
}

func (s *Sender) doData(payload []byte) error {
	for _, chunk := range chunkPayload(payload) {
		if err := s.sendPacket(frame.TypeData, chunk); err != nil {
			return err
		}
		if err := s.expectACK(2); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sender) doEnd() error {
	if err := s.sendPacket(frame.TypeCommand, frame.EncodeCommand(frame.CommandEnd)); err != nil {
		return err
	}
	return s.expectACK(2)
}

// chunkPayload splits payload into chunks of at most frame.MaxDataLen
// bytes, per spec §4.6's "⌈payload_size / 1024⌉ data packets" rule. An
// empty payload still yields one (empty) chunk, e.g. a zero-length
// custom-data transaction.
func chunkPayload(payload []byte) [][]byte {
	if len(payload) == 0 {
		return [][]byte{payload}
	}
	var chunks [][]byte
	for off := 0; off < len(payload); off += frame.MaxDataLen {
		end := off + frame.MaxDataLen
		if end > len(payload) {
			end = len(payload)
		}
		chunks = append(chunks, payload[off:end])
	}
	return chunks
}

func (s *Sender) expectACK(maxPolls int) error {
	pkt, err := s.awaitResponse(maxPolls)
	if err != nil {
		return err
	}
	if pkt.Type != frame.TypeResponse {
		return fmt.Errorf("%w: unexpected packet type %v", ErrStepFailed, pkt.Type)
	}
	status, err := frame.DecodeResponse(pkt.Data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStepFailed, err)
	}
	if status != frame.ResponseACK {
		return fmt.Errorf("%w: NACK", ErrStepFailed)
	}
	return nil
}

// awaitResponse polls for a Response packet up to maxAttempts times,
// each attempt bounded by PollDelay (spec §4.6: Data/End poll twice,
// all other steps poll once before declaring NoResponse).
func (s *Sender) awaitResponse(maxAttempts int) (frame.Packet, error) {
	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		pkt, err := frame.Decode(s.t, s.cfg.PollDelay, frame.MaxDataLen)
		if err == nil {
			return pkt, nil
		}
		lastErr = err
		if !errors.Is(err, frame.ErrNoResponse) {
			return frame.Packet{}, err
		}
	}
	return frame.Packet{}, fmt.Errorf("%w: %v", transport.ErrNoResponse, lastErr)
}

func (s *Sender) sendPacket(typ frame.Type, data []byte) error {
	buf, err := frame.Encode(typ, data)
	if err != nil {
		return err
	}
	return s.sendPaced(buf)
}

// sendPaced writes buf one byte at a time, sleeping SendByteDelay
// between bytes (spec §4.6's wire-pacing requirement).
func (s *Sender) sendPaced(buf []byte) error {
	for i := range buf {
		if err := s.t.Send(buf[i:i+1], s.cfg.WriteTimeout); err != nil {
			return err
		}
		time.Sleep(s.cfg.SendByteDelay)
	}
	return nil
}
