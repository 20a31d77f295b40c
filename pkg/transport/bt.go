package transport

import (
	"errors"
	"time"
)

// BTModule is the external collaborator backing the BT-Serial Transport
// Adapter variant (spec §4.4): a Bluetooth-serial bridge chip exposing
// raw byte-stream semantics. Setup commands (name, pin, role, work mode,
// factory reset) belong to ATConfigurer, not to this interface.
type BTModule interface {
	// GetOTAData blocks up to timeout to fill buf completely, mirroring
	// the collaborator's "get_ota_data" capability.
	GetOTAData(buf []byte, timeout time.Duration) error
	// SendOTAData blocks until buf has been handed to the BT module,
	// mirroring "send_ota_data".
	SendOTAData(buf []byte, timeout time.Duration) error
	// Close releases the underlying connection to the BT module.
	Close() error
}

// ATConfigurer performs the BT module's own AT-command setup sequence
// (name, pin, role, work mode, and a factory-reset "AT+RENEW"-style flow).
// It is an external collaborator (spec §1, §4.4), invoked once at init and
// only when a GPIO-like reset-to-defaults signal is asserted — never a
// concern of the protocol core itself.
type ATConfigurer interface {
	// Configure runs the module's AT-command setup sequence.
	Configure(name, pin string, role BTRole) error
	// FactoryReset issues the module's renew/factory-reset command.
	FactoryReset() error
}

// BTRole identifies the BT module's advertised role.
type BTRole byte

const (
	BTRolePeripheral BTRole = iota
	BTRoleCentral
)

// ResetSignal reports whether a GPIO-like "reset BT module to defaults"
// line is asserted at startup (spec §4.4). It is sampled once, at
// NewBTSerial time; the protocol core never re-samples it mid-transaction.
type ResetSignal func() bool

// BTSerial is the Bluetooth-serial variant of the Transport Adapter: the
// same Recv/Send contract as Serial, routed through a BTModule instead of
// a raw OS serial port (spec §4.4's "two concrete variants... uniform
// contract").
type BTSerial struct {
	module BTModule
}

// NewBTSerial wires a BT module into a Transport Adapter. If resetSignal
// is asserted, configurer.Configure and configurer.FactoryReset run once
// before the adapter is returned; this setup is external to the protocol
// core and never repeated during a transaction.
func NewBTSerial(module BTModule, configurer ATConfigurer, resetSignal ResetSignal, name, pin string, role BTRole) (*BTSerial, error) {
	if resetSignal != nil && resetSignal() {
		if err := configurer.FactoryReset(); err != nil {
			return nil, wrapIOErr(err, false)
		}
		if err := configurer.Configure(name, pin, role); err != nil {
			return nil, wrapIOErr(err, false)
		}
	}
	return &BTSerial{module: module}, nil
}

// Recv fills buf by delegating to the BT module's GetOTAData.
func (b *BTSerial) Recv(buf []byte, timeout time.Duration) error {
	if err := b.module.GetOTAData(buf, timeout); err != nil {
		return classifyBTErr(err)
	}
	return nil
}

// Send delegates to the BT module's SendOTAData.
func (b *BTSerial) Send(buf []byte, timeout time.Duration) error {
	if err := b.module.SendOTAData(buf, timeout); err != nil {
		return classifyBTErr(err)
	}
	return nil
}

// Close releases the BT module connection.
func (b *BTSerial) Close() error {
	return b.module.Close()
}

// classifyBTErr passes through errors the BTModule already tagged as
// ErrNoResponse/ErrTransportError, and otherwise treats an opaque failure
// as a transport error rather than guessing it was a timeout.
func classifyBTErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNoResponse) || errors.Is(err, ErrTransportError) {
		return err
	}
	return wrapIOErr(err, false)
}
