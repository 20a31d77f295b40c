package fucs

import (
	"errors"
	"testing"
	"time"

	"github.com/mortrack/etxota/pkg/flashsim"
)

const testCustomDataMaxSize = 8

func newTestStore(t *testing.T) *Store {
	t.Helper()
	// recordHeaderSize(22) + 8 = 30 bytes/record, rounded up to a 32-byte
	// slot; a 256-byte page holds several slots, enough to exercise
	// page-swap behavior in tests.
	pageA := flashsim.NewMemory(0x08000000, 256, 1)
	pageB := flashsim.NewMemory(0x08000100, 256, 1)
	store, err := NewStore(pageA, pageB, testCustomDataMaxSize)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func noSleep(time.Duration) {}

func TestReadLatestOnEmptyStore(t *testing.T) {
	store := newTestStore(t)
	rec, found, err := store.ReadLatest()
	if err != nil {
		t.Fatalf("ReadLatest: %v", err)
	}
	if found {
		t.Fatalf("found = true on untouched store")
	}
	if rec.AppFwSize != sizeUnset {
		t.Fatalf("AppFwSize = %d, want sentinel %d", rec.AppFwSize, sizeUnset)
	}
}

func TestWriteThenReadLatest(t *testing.T) {
	store := newTestStore(t)
	rec := Record{AppFwSize: 2048, AppFwRecCRC: 0xABCDEF01, Data: make([]byte, testCustomDataMaxSize)}

	if err := store.Write(rec); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, found, err := store.ReadLatest()
	if err != nil {
		t.Fatalf("ReadLatest: %v", err)
	}
	if !found {
		t.Fatalf("found = false after Write")
	}
	if got.AppFwSize != rec.AppFwSize || got.AppFwRecCRC != rec.AppFwRecCRC {
		t.Fatalf("ReadLatest = %+v, want %+v", got, rec)
	}
}

func TestWriteSequenceAcrossPageSwap(t *testing.T) {
	store := newTestStore(t)
	// 256 / 32 = 8 slots per page; force several swaps.
	for i := 0; i < 40; i++ {
		rec := Record{AppFwSize: uint32(i), Data: make([]byte, testCustomDataMaxSize)}
		if err := store.Write(rec); err != nil {
			t.Fatalf("Write #%d: %v", i, err)
		}
		got, found, err := store.ReadLatest()
		if err != nil || !found {
			t.Fatalf("ReadLatest after write #%d: found=%v err=%v", i, found, err)
		}
		if got.AppFwSize != uint32(i) {
			t.Fatalf("after write #%d, ReadLatest.AppFwSize = %d, want %d", i, got.AppFwSize, i)
		}
	}
}

func TestInitRetriesOnTransientFailureThenSucceeds(t *testing.T) {
	store := newTestStore(t)
	calls := 0
	inject := func(attempt int) error {
		calls++
		if attempt < 2 {
			return ErrFlashBusy
		}
		return nil
	}

	if _, err := store.Init(inject, noSleep); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if calls != 2 {
		t.Fatalf("Init called inject %d times, want 2", calls)
	}
}

func TestInitFailsAfterThreeAttempts(t *testing.T) {
	store := newTestStore(t)
	inject := func(attempt int) error { return ErrFlashBusy }

	_, err := store.Init(inject, noSleep)
	if !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("Init after repeated failure = %v, want ErrNotInitialized", err)
	}
}

func TestInitOnFirstBootReturnsDefaultAndPersists(t *testing.T) {
	store := newTestStore(t)
	rec, err := store.Init(nil, noSleep)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if rec.AppFwSize != sizeUnset {
		t.Fatalf("first-boot record AppFwSize = %d, want sentinel", rec.AppFwSize)
	}

	got, found, err := store.ReadLatest()
	if err != nil || !found {
		t.Fatalf("ReadLatest after first-boot Init: found=%v err=%v", found, err)
	}
	if got.AppFwSize != sizeUnset {
		t.Fatalf("persisted default record AppFwSize = %d, want sentinel", got.AppFwSize)
	}
}
