package transport

import (
	"errors"
	"testing"
	"time"
)

func TestFakeRecvNoResponseWhenEmpty(t *testing.T) {
	var f Fake
	buf := make([]byte, 4)
	if err := f.Recv(buf, time.Millisecond); !errors.Is(err, ErrNoResponse) {
		t.Fatalf("Recv on empty fake = %v, want ErrNoResponse", err)
	}
}

func TestFakeRecvFillsFromFeed(t *testing.T) {
	var f Fake
	f.Feed([]byte{1, 2, 3, 4})
	buf := make([]byte, 4)
	if err := f.Recv(buf, time.Second); err != nil {
		t.Fatalf("Recv: %v", err)
	}
	for i, want := range []byte{1, 2, 3, 4} {
		if buf[i] != want {
			t.Errorf("buf[%d] = %d, want %d", i, buf[i], want)
		}
	}
}

func TestFakeBusyAlwaysNoResponse(t *testing.T) {
	var f Fake
	f.Busy = true
	f.Feed([]byte{1, 2, 3, 4})
	if err := f.Recv(make([]byte, 4), time.Second); !errors.Is(err, ErrNoResponse) {
		t.Fatalf("Recv while busy = %v, want ErrNoResponse", err)
	}
}

func TestFakeSendAccumulates(t *testing.T) {
	var f Fake
	_ = f.Send([]byte{1, 2}, time.Second)
	_ = f.Send([]byte{3, 4}, time.Second)
	if got := f.Sent.Bytes(); string(got) != string([]byte{1, 2, 3, 4}) {
		t.Fatalf("Sent = %v, want [1 2 3 4]", got)
	}
}

func TestBTSerialWiresResetSignalToConfigurer(t *testing.T) {
	calls := make([]string, 0, 2)
	configurer := fakeConfigurer{
		configure: func(name, pin string, role BTRole) error {
			calls = append(calls, "configure")
			return nil
		},
		factoryReset: func() error {
			calls = append(calls, "reset")
			return nil
		},
	}

	_, err := NewBTSerial(&fakeBTModule{}, configurer, func() bool { return true }, "scooter", "0000", BTRolePeripheral)
	if err != nil {
		t.Fatalf("NewBTSerial: %v", err)
	}
	if len(calls) != 2 || calls[0] != "reset" || calls[1] != "configure" {
		t.Fatalf("setup calls = %v, want [reset configure]", calls)
	}
}

func TestBTSerialSkipsSetupWhenSignalNotAsserted(t *testing.T) {
	called := false
	configurer := fakeConfigurer{
		configure:    func(string, string, BTRole) error { called = true; return nil },
		factoryReset: func() error { called = true; return nil },
	}
	if _, err := NewBTSerial(&fakeBTModule{}, configurer, func() bool { return false }, "x", "y", BTRolePeripheral); err != nil {
		t.Fatalf("NewBTSerial: %v", err)
	}
	if called {
		t.Fatalf("setup ran even though reset signal was not asserted")
	}
}

type fakeConfigurer struct {
	configure    func(name, pin string, role BTRole) error
	factoryReset func() error
}

func (f fakeConfigurer) Configure(name, pin string, role BTRole) error {
	return f.configure(name, pin, role)
}

func (f fakeConfigurer) FactoryReset() error {
	return f.factoryReset()
}

type fakeBTModule struct{}

func (fakeBTModule) GetOTAData(buf []byte, _ time.Duration) error  { return ErrNoResponse }
func (fakeBTModule) SendOTAData(buf []byte, _ time.Duration) error { return nil }
func (fakeBTModule) Close() error                                  { return nil }
