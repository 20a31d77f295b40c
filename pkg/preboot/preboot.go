// Package preboot implements Pre-Bootloader Promotion (spec §4.7): the
// idempotent cold-reset algorithm that moves a staged bootloader image
// from the application flash slot into the bootloader slot before
// either the bootloader or the application is entered.
package preboot

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/mortrack/etxota/pkg/crc32mpeg2"
	"github.com/mortrack/etxota/pkg/fucs"
)

// ErrHalt is returned when FUCS initialization exhausts its attempts;
// the caller must treat this as the device's documented fault-halt
// behavior (spec §7: LED fault-on, CPU spins) rather than retry itself.
var ErrHalt = errors.New("preboot: halted, FUCS init failed")

// FlashTarget is the subset of flash operations promotion needs on the
// bootloader slot. *flashsim.Memory satisfies this directly.
type FlashTarget interface {
	Unlock() error
	Lock() error
	ErasePages(startPage, count int) error
	WriteWords(addr uint32, data []byte) (int, error)
	ReadBytes(addr uint32, n int) ([]byte, error)
	Base() uint32
	PageCount() int
}

// ConfigStore is the subset of *fucs.Store promotion depends on.
type ConfigStore interface {
	ReadLatest() (fucs.Record, bool, error)
	Write(fucs.Record) error
	Init(inject fucs.FaultInjector, sleep func(time.Duration)) (fucs.Record, error)
}

// Outcome reports what Run decided to do, for logging/testing.
type Outcome int

const (
	// OutcomeJumpToBootloader means no promotion was needed or
	// possible; the caller should jump to BL_base+4 as-is.
	OutcomeJumpToBootloader Outcome = iota
	// OutcomePromoted means the staged image was copied into the
	// bootloader slot and the FUCS record updated.
	OutcomePromoted
)

func (o Outcome) String() string {
	if o == OutcomePromoted {
		return "Promoted"
	}
	return "JumpToBootloader"
}

// Run executes the promotion algorithm (spec §4.7 steps 1-5), using
// reset to perform the final software reset after a promotion and
// sleep for FUCS's init wait (nil defaults to time.Sleep).
func Run(store ConfigStore, app, bl FlashTarget, reset func(), sleep func(time.Duration), logger *log.Logger) (Outcome, error) {
	if logger == nil {
		logger = log.Default()
	}

	rec, err := store.Init(nil, sleep)
	if err != nil {
		logger.Printf("preboot: FUCS init failed: %v", err)
		return OutcomeJumpToBootloader, fmt.Errorf("%w: %v", ErrHalt, err)
	}

	if !rec.IsBLFwInstallPending {
		return OutcomeJumpToBootloader, nil
	}

	if !consistentImage(app, rec) || !rec.IsBLFwStoredInAppFw {
		logger.Printf("preboot: pending promotion but staged image is inconsistent; jumping to bootloader unpromoted")
		return OutcomeJumpToBootloader, nil
	}

	if err := promote(store, app, bl, rec); err != nil {
		logger.Printf("preboot: promotion failed: %v", err)
		return OutcomeJumpToBootloader, err
	}

	if reset != nil {
		reset()
	}
	return OutcomePromoted, nil
}

func consistentImage(app FlashTarget, rec fucs.Record) bool {
	image, err := app.ReadBytes(app.Base(), int(rec.AppFwSize))
	if err != nil {
		return false
	}
	return crc32mpeg2.Checksum(image) == rec.AppFwRecCRC
}

// promote copies the staged image from app into bl and commits the
// updated FUCS record. It is safe to re-run from the top on power
// loss: until the FUCS Write below commits, the next boot simply
// repeats the same copy from the same (unchanged) staged source.
func promote(store ConfigStore, app, bl FlashTarget, rec fucs.Record) error {
	image, err := app.ReadBytes(app.Base(), int(rec.AppFwSize))
	if err != nil {
		return fmt.Errorf("preboot: read staged image: %w", err)
	}

	if err := bl.Unlock(); err != nil {
		return fmt.Errorf("preboot: unlock BL slot: %w", err)
	}
	defer bl.Lock()

	if err := bl.ErasePages(0, bl.PageCount()); err != nil {
		return fmt.Errorf("preboot: erase BL slot: %w", err)
	}
	if _, err := bl.WriteWords(bl.Base(), image); err != nil {
		return fmt.Errorf("preboot: program BL slot: %w", err)
	}

	rec.BLFwSize = rec.AppFwSize
	rec.BLFwRecCRC = rec.AppFwRecCRC
	rec.IsBLFwInstallPending = false
	if err := store.Write(rec); err != nil {
		return fmt.Errorf("preboot: commit FUCS record: %w", err)
	}
	return nil
}
