// Package receiver implements the Device-Side Receiver State Machine
// (spec §4.5) and the Application-Side Integration Hooks (spec §4.8)
// that drive it: a single-threaded, cooperative loop that decodes one
// frame at a time from a transport.Adapter and walks
// Start -> Header -> Data -> End -> Idle, flashing the application
// slot and persisting progress to a FUCS as it goes.
package receiver

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/mortrack/etxota/pkg/crc32mpeg2"
	"github.com/mortrack/etxota/pkg/etxota"
	"github.com/mortrack/etxota/pkg/frame"
	"github.com/mortrack/etxota/pkg/fucs"
	"github.com/mortrack/etxota/pkg/transport"
)

// FlashTarget is the word-program primitive the receiver writes the
// incoming image through. *flashsim.Memory satisfies this directly;
// production firmware would back it with real flash-controller calls.
type FlashTarget interface {
	Unlock() error
	Lock() error
	ErasePages(startPage, count int) error
	WriteWords(addr uint32, data []byte) (int, error)
	ReadBytes(addr uint32, n int) ([]byte, error)
	Base() uint32
	PageCount() int
}

// ConfigStore is the subset of *fucs.Store the receiver depends on.
type ConfigStore interface {
	ReadLatest() (fucs.Record, bool, error)
	Write(fucs.Record) error
}

// Hooks are the application callbacks of the Application-Side Integration
// Hooks (spec §4.8); the explicit stop/start control is Receiver.Start and
// Receiver.Stop. All are optional; a nil hook is simply not called.
type Hooks struct {
	// PreTransaction fires once, the moment Command(Start) is accepted.
	PreTransaction func()
	// PostTransaction fires with the transaction's terminal status.
	// customData is non-nil only when status is Ok and the completed
	// transaction was a custom-data receive: the bytes accumulated in
	// the application-level buffer, handed over byte-for-byte (spec
	// §4.5, §8 scenario 6).
	PostTransaction func(status etxota.Status, customData []byte)
	// CustomDataHandler reports whether the application has registered
	// to receive CustomData payloads (spec §4.5's "caller ... may
	// re-enter a custom-data receive path"). A nil hook, or one that
	// returns false, keeps the default behavior of reporting
	// NotApplicable and resetting to Start; a hook returning true lets
	// the receiver accept the header and buffer the following Data
	// phase into memory instead of flash.
	CustomDataHandler func() bool
	// SoftReset fires when an application-role Receiver rejects a
	// BootloaderFirmware header as NotApplicable (a bootloader-role
	// Receiver rejecting an oversized one does not fire it), so the next
	// boot lets the bootloader-side
	// receiver (structurally identical, targeting the true
	// application slot) take the request instead.
	SoftReset func()
}

// Role distinguishes whether a Receiver instance represents the device's
// already-running application firmware or its bootloader (spec §8
// scenario 4). Only a bootloader-role Receiver may accept and install a
// BootloaderFirmware header; an application-role Receiver always treats
// one as NotApplicable and fires SoftReset so the bootloader's own
// (structurally identical) receiver gets the request on the next boot.
type Role int

const (
	// RoleApplication is the zero value: the Receiver represents the
	// device's already-booted application firmware.
	RoleApplication Role = iota
	// RoleBootloader represents the device's bootloader itself.
	RoleBootloader
)

func (r Role) String() string {
	if r == RoleBootloader {
		return "Bootloader"
	}
	return "Application"
}

// Config bundles the fixed, non-collaborator settings a Receiver needs.
type Config struct {
	Geometry etxota.SlotGeometry
	// Timeout bounds every transport Recv (spec §4.4's
	// ETX_CUSTOM_HAL_TIMEOUT).
	Timeout time.Duration
	Logger  *log.Logger
	// Role gates BootloaderFirmware header acceptance (spec §8 scenario
	// 4). The zero value, RoleApplication, is the common deployment: a
	// running application that always rejects bootloader updates.
	Role Role
}

// Receiver drives the state machine described above.
type Receiver struct {
	transport transport.Adapter
	app       FlashTarget
	store     ConfigStore
	cfg       Config
	hooks     Hooks

	state        State
	received     uint32
	declaredSize uint32
	declaredCRC  uint32
	erasedApp    bool
	payloadType  frame.PayloadType
	customData   []byte

	mu      sync.Mutex
	stopCh  chan struct{}
	running bool
}

// New wires a Receiver over the given transport, application flash
// target, and config store.
func New(t transport.Adapter, app FlashTarget, store ConfigStore, cfg Config, hooks Hooks) *Receiver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = transport.DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Receiver{
		transport: t,
		app:       app,
		store:     store,
		cfg:       cfg,
		hooks:     hooks,
		state:     StateStart,
	}
}

// Start enables the receive loop; Run will process packets until Stop
// is called. Starting an already-running Receiver is a no-op.
func (r *Receiver) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.stopCh = make(chan struct{})
	r.running = true
}

// Stop pauses the receive loop (spec §4.8's explicit stop/start
// control); a running Run call returns once its current step completes.
func (r *Receiver) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		close(r.stopCh)
		r.running = false
	}
}

func (r *Receiver) stopRequested() bool {
	r.mu.Lock()
	ch := r.stopCh
	r.mu.Unlock()
	if ch == nil {
		return false
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// Run enables the loop (via Start) and processes packets until Stop is
// called. Transport timeouts, framing errors and protocol violations are
// handled inside the state machine, so the returned error is always nil;
// calling Run again after Stop resumes the loop.
func (r *Receiver) Run() error {
	r.Start()
	for !r.stopRequested() {
		if err := r.step(); err != nil {
			return err
		}
	}
	return nil
}

// step decodes exactly one packet and advances the state machine by at
// most one transition, per spec §5's "a decode of one packet is an
// atomic unit of progress".
func (r *Receiver) step() error {
	pkt, err := frame.Decode(r.transport, r.cfg.Timeout, frame.MaxDataLen)
	if err != nil {
		if errors.Is(err, frame.ErrNoResponse) {
			return nil
		}
		// Framing/CRC/length error: NACK if we can, then reset.
		r.nack()
		r.abortTransaction(etxota.Error)
		return nil
	}

	if pkt.Type == frame.TypeCommand {
		cmd, cerr := frame.DecodeCommand(pkt.Data)
		if cerr == nil && cmd == frame.CommandAbort {
			r.ack()
			wasIdle := r.state == StateStart || r.state == StateIdle
			r.resetToStart()
			if !wasIdle {
				r.fireStatus(etxota.Stopped, nil)
			}
			return nil
		}
	}

	switch r.state {
	case StateStart:
		r.handleStart(pkt)
	case StateHeader:
		r.handleHeader(pkt)
	case StateData:
		r.handleData(pkt)
	case StateEnd:
		r.handleEnd(pkt)
	default:
		// Idle: the caller drives a new transaction by calling
		// resetToStart (done automatically once End completes).
		r.nack()
		r.abortTransaction(etxota.Error)
	}
	return nil
}

func (r *Receiver) handleStart(pkt frame.Packet) {
	if pkt.Type != frame.TypeCommand {
		r.nack()
		r.abortTransaction(etxota.Error)
		return
	}
	cmd, err := frame.DecodeCommand(pkt.Data)
	if err != nil || cmd != frame.CommandStart {
		r.nack()
		r.abortTransaction(etxota.Error)
		return
	}
	if r.hooks.PreTransaction != nil {
		r.hooks.PreTransaction()
	}
	r.ack()
	r.state = StateHeader
}

func (r *Receiver) handleHeader(pkt frame.Packet) {
	if pkt.Type != frame.TypeHeader {
		r.nack()
		r.abortTransaction(etxota.Error)
		return
	}
	hdr, err := frame.DecodeHeader(pkt.Data)
	if err != nil {
		r.nack()
		r.abortTransaction(etxota.Error)
		return
	}

	switch hdr.PayloadType {
	case frame.PayloadAppFirmware:
		if hdr.PackageSize > r.cfg.Geometry.AppSize {
			r.nack()
			r.fireStatus(etxota.NotApplicable, nil)
			r.resetToStart()
			return
		}
		rec, _, err := r.store.ReadLatest()
		if err != nil {
			r.nack()
			r.abortTransaction(etxota.Error)
			return
		}
		rec.AppFwSize = hdr.PackageSize
		rec.AppFwRecCRC = hdr.PackageCRC
		rec.IsBLFwStoredInAppFw = false
		rec.IsBLFwInstallPending = false
		if err := r.store.Write(rec); err != nil {
			r.nack()
			r.abortTransaction(etxota.Error)
			return
		}
		r.beginDataPhase(hdr.PackageSize, hdr.PackageCRC, frame.PayloadAppFirmware)

	case frame.PayloadBLFirmware:
		if r.cfg.Role != RoleBootloader {
			// Scenario 4: while running application firmware, a
			// bootloader-image request is always NotApplicable,
			// regardless of size; only the bootloader's own receiver
			// may accept one.
			r.nack()
			r.fireStatus(etxota.NotApplicable, nil)
			r.resetToStart()
			if r.hooks.SoftReset != nil {
				r.hooks.SoftReset()
			}
			return
		}
		if hdr.PackageSize > r.cfg.Geometry.BLSize {
			r.nack()
			r.fireStatus(etxota.NotApplicable, nil)
			r.resetToStart()
			return
		}
		rec, _, err := r.store.ReadLatest()
		if err != nil {
			r.nack()
			r.abortTransaction(etxota.Error)
			return
		}
		rec.AppFwSize = hdr.PackageSize
		rec.AppFwRecCRC = hdr.PackageCRC
		rec.IsBLFwStoredInAppFw = true
		rec.IsBLFwInstallPending = true
		if err := r.store.Write(rec); err != nil {
			r.nack()
			r.abortTransaction(etxota.Error)
			return
		}
		r.beginDataPhase(hdr.PackageSize, hdr.PackageCRC, frame.PayloadBLFirmware)

	case frame.PayloadCustomData:
		if r.hooks.CustomDataHandler == nil || !r.hooks.CustomDataHandler() {
			r.nack()
			r.fireStatus(etxota.NotApplicable, nil)
			r.resetToStart()
			return
		}
		r.beginDataPhase(hdr.PackageSize, hdr.PackageCRC, frame.PayloadCustomData)

	default:
		r.nack()
		r.abortTransaction(etxota.Error)
	}
}

func (r *Receiver) beginDataPhase(size, crc uint32, payloadType frame.PayloadType) {
	r.declaredSize = size
	r.declaredCRC = crc
	r.received = 0
	r.erasedApp = false
	r.payloadType = payloadType
	r.customData = nil
	r.ack()
	r.state = StateData
}

func (r *Receiver) handleData(pkt frame.Packet) {
	if pkt.Type != frame.TypeData {
		r.nack()
		r.abortTransaction(etxota.Error)
		return
	}

	isFinal := r.received+uint32(len(pkt.Data)) >= r.declaredSize
	if !frame.ValidDataChunkLen(len(pkt.Data), isFinal) {
		r.nack()
		r.abortTransaction(etxota.Error)
		return
	}

	if r.payloadType == frame.PayloadCustomData {
		r.customData = append(r.customData, pkt.Data...)
		r.received += uint32(len(pkt.Data))
		r.ack()
		if r.received >= r.declaredSize {
			r.state = StateEnd
		}
		return
	}

	if !r.erasedApp {
		if err := r.app.Unlock(); err != nil {
			r.nack()
			r.abortTransaction(etxota.Error)
			return
		}
		if err := r.app.ErasePages(0, r.app.PageCount()); err != nil {
			r.app.Lock()
			r.nack()
			r.abortTransaction(etxota.Error)
			return
		}
		r.erasedApp = true
	} else if err := r.app.Unlock(); err != nil {
		r.nack()
		r.abortTransaction(etxota.Error)
		return
	}

	addr := r.app.Base() + r.received
	n, err := r.app.WriteWords(addr, pkt.Data)
	r.app.Lock()
	if err != nil {
		r.nack()
		r.abortTransaction(etxota.Error)
		return
	}
	r.received += uint32(n)

	r.ack()
	if r.received >= r.declaredSize {
		r.state = StateEnd
	}
}

func (r *Receiver) handleEnd(pkt frame.Packet) {
	if pkt.Type != frame.TypeCommand {
		r.nack()
		r.abortTransaction(etxota.Error)
		return
	}
	cmd, err := frame.DecodeCommand(pkt.Data)
	if err != nil || cmd != frame.CommandEnd {
		r.nack()
		r.abortTransaction(etxota.Error)
		return
	}

	if r.payloadType == frame.PayloadCustomData {
		if crc32mpeg2.Checksum(r.customData) != r.declaredCRC {
			r.nack()
			r.abortTransaction(etxota.Error)
			return
		}
		r.ack()
		r.state = StateIdle
		r.fireStatus(etxota.Ok, r.customData)
		r.resetToStart()
		return
	}

	image, err := r.app.ReadBytes(r.app.Base(), int(r.declaredSize))
	if err != nil {
		r.nack()
		r.abortTransaction(etxota.Error)
		return
	}
	if crc32mpeg2.Checksum(image) != r.declaredCRC {
		r.nack()
		r.abortTransaction(etxota.Error)
		return
	}

	r.ack()
	r.state = StateIdle
	r.fireStatus(etxota.Ok, nil)
	r.resetToStart()
}

func (r *Receiver) abortTransaction(status etxota.Status) {
	r.fireStatus(status, nil)
	r.resetToStart()
}

func (r *Receiver) resetToStart() {
	r.state = StateStart
	r.received = 0
	r.declaredSize = 0
	r.declaredCRC = 0
	r.erasedApp = false
	r.payloadType = 0
	r.customData = nil
}

func (r *Receiver) fireStatus(status etxota.Status, customData []byte) {
	if r.hooks.PostTransaction != nil {
		r.hooks.PostTransaction(status, customData)
	}
}

func (r *Receiver) ack() {
	r.respond(frame.ResponseACK)
}

func (r *Receiver) nack() {
	r.respond(frame.ResponseNACK)
}

func (r *Receiver) respond(status frame.ResponseStatus) {
	buf, err := frame.Encode(frame.TypeResponse, frame.EncodeResponse(status))
	if err != nil {
		r.cfg.Logger.Printf("receiver: failed to encode response: %v", err)
		return
	}
	if err := r.transport.Send(buf, r.cfg.Timeout); err != nil {
		r.cfg.Logger.Printf("receiver: failed to send response: %v", err)
	}
}
