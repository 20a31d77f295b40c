package preboot

import (
	"bytes"
	"testing"
	"time"

	"github.com/mortrack/etxota/pkg/crc32mpeg2"
	"github.com/mortrack/etxota/pkg/flashsim"
	"github.com/mortrack/etxota/pkg/fucs"
)

func noSleepStd(time.Duration) {}

type harness struct {
	store *fucs.Store
	app   *flashsim.Memory
	bl    *flashsim.Memory
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	app := flashsim.NewMemory(0x08010000, 256, 8)
	bl := flashsim.NewMemory(0x08000000, 256, 4)
	pageA := flashsim.NewMemory(0x08020000, 256, 1)
	pageB := flashsim.NewMemory(0x08020100, 256, 1)
	store, err := fucs.NewStore(pageA, pageB, 8)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return &harness{store: store, app: app, bl: bl}
}

func stageImage(t *testing.T, h *harness, image []byte, pending bool) {
	t.Helper()
	if err := h.app.Unlock(); err != nil {
		t.Fatalf("Unlock app: %v", err)
	}
	if err := h.app.ErasePages(0, h.app.PageCount()); err != nil {
		t.Fatalf("Erase app: %v", err)
	}
	if _, err := h.app.WriteWords(h.app.Base(), image); err != nil {
		t.Fatalf("WriteWords app: %v", err)
	}
	h.app.Lock()

	rec := fucs.DefaultRecord(8)
	rec.AppFwSize = uint32(len(image))
	rec.AppFwRecCRC = crc32mpeg2.Checksum(image)
	rec.IsBLFwStoredInAppFw = true
	rec.IsBLFwInstallPending = pending
	if err := h.store.Write(rec); err != nil {
		t.Fatalf("Write record: %v", err)
	}
}

func TestRunPromotesStagedImage(t *testing.T) {
	h := newHarness(t)
	image := bytes.Repeat([]byte{0x5A}, 20)
	stageImage(t, h, image, true)

	resetCalled := false
	outcome, err := Run(h.store, h.app, h.bl, func() { resetCalled = true }, noSleepStd, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome != OutcomePromoted {
		t.Fatalf("outcome = %v, want Promoted", outcome)
	}
	if !resetCalled {
		t.Fatalf("reset callback was not invoked")
	}

	got, err := h.bl.ReadBytes(h.bl.Base(), len(image))
	if err != nil {
		t.Fatalf("ReadBytes bl: %v", err)
	}
	if !bytes.Equal(got, image) {
		t.Fatalf("BL slot = %x, want %x", got, image)
	}

	rec, found, err := h.store.ReadLatest()
	if err != nil || !found {
		t.Fatalf("ReadLatest: found=%v err=%v", found, err)
	}
	if rec.IsBLFwInstallPending {
		t.Fatalf("IsBLFwInstallPending still set after promotion")
	}
	if rec.BLFwSize != uint32(len(image)) || rec.BLFwRecCRC != crc32mpeg2.Checksum(image) {
		t.Fatalf("BL record fields not updated: %+v", rec)
	}
}

func TestRunSkipsWhenNoPendingInstall(t *testing.T) {
	h := newHarness(t)
	image := []byte{1, 2, 3, 4}
	stageImage(t, h, image, false)

	outcome, err := Run(h.store, h.app, h.bl, func() { t.Fatalf("reset should not be called") }, noSleepStd, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome != OutcomeJumpToBootloader {
		t.Fatalf("outcome = %v, want JumpToBootloader", outcome)
	}

	blBytes, _ := h.bl.ReadBytes(h.bl.Base(), 4)
	for _, b := range blBytes {
		if b != flashsim.Erased {
			t.Fatalf("BL slot was written to despite no pending install: %x", blBytes)
		}
	}
}

func TestRunJumpsUnpromotedOnCRCMismatch(t *testing.T) {
	h := newHarness(t)
	image := []byte{1, 2, 3, 4}
	stageImage(t, h, image, true)

	// Corrupt the app slot after staging so the CRC check fails.
	_ = h.app.Unlock()
	_ = h.app.ErasePages(0, h.app.PageCount())
	_, _ = h.app.WriteWords(h.app.Base(), []byte{9, 9, 9, 9})
	h.app.Lock()

	outcome, err := Run(h.store, h.app, h.bl, func() { t.Fatalf("reset should not be called") }, noSleepStd, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome != OutcomeJumpToBootloader {
		t.Fatalf("outcome = %v, want JumpToBootloader", outcome)
	}

	rec, found, err := h.store.ReadLatest()
	if err != nil || !found {
		t.Fatalf("ReadLatest: found=%v err=%v", found, err)
	}
	if !rec.IsBLFwInstallPending {
		t.Fatalf("pending flag was cleared despite a failed promotion")
	}
}
