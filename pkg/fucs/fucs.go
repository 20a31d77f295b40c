// Package fucs implements the Firmware-Update Config Store (spec §4.3):
// a two-page flash-backed append log of Firmware-Update Config Records,
// exposing "read latest" and "write new" with append-then-swap-then-erase
// discipline so a power loss never loses the previous complete record.
package fucs

import (
	"errors"
	"fmt"
	"time"

	"github.com/mortrack/etxota/pkg/flashsim"
)

// Errors returned by Store operations (spec §4.3).
var (
	ErrFlashBusy     = errors.New("fucs: flash busy")
	ErrFlashError    = errors.New("fucs: flash error")
	ErrUnlockFailed  = errors.New("fucs: unlock failed")
	ErrNotInitialized = errors.New("fucs: store not initialized")
)

const (
	initAttempts   = 3
	initRetryWait  = 500 * time.Millisecond
)

// alignUp4 rounds n up to the next multiple of 4. Slot addresses are
// page-base-relative multiples of recordSize, and flashsim.ProgramWord
// requires a word-aligned address for every program operation, so recordSize
// itself must be a multiple of 4 (recordHeaderSize alone isn't: 22).
func alignUp4(n int) int {
	if rem := n % 4; rem != 0 {
		n += 4 - rem
	}
	return n
}

// Store is the two-page append log. Each page is a flashsim.Memory whose
// PageCount()*PageSize() is carved into fixed-size record slots.
type Store struct {
	pages             [2]*flashsim.Memory
	customDataMaxSize int
	recordSize        int
	slotsPerPage      int
}

// NewStore wires two flash pages into a FUCS. Both pages must be the same
// size and large enough to hold at least one record slot.
func NewStore(pageA, pageB *flashsim.Memory, customDataMaxSize int) (*Store, error) {
	if pageA.Size() != pageB.Size() {
		return nil, fmt.Errorf("fucs: page size mismatch (%d vs %d)", pageA.Size(), pageB.Size())
	}
	recordSize := alignUp4(recordHeaderSize + customDataMaxSize)
	slots := pageA.Size() / recordSize
	if slots < 1 {
		return nil, fmt.Errorf("fucs: page size %d too small to hold a %d-byte record", pageA.Size(), recordSize)
	}
	return &Store{
		pages:             [2]*flashsim.Memory{pageA, pageB},
		customDataMaxSize: customDataMaxSize,
		recordSize:        recordSize,
		slotsPerPage:      slots,
	}, nil
}

type scan struct {
	usedSlots  [2]int
	latestSeq  [2]uint32
	latestRec  [2]Record
	activePage int
	hasRecord  bool
}

// readSlot reads and decodes slot index `slot` of page `page`.
func (s *Store) readSlot(page, slot int) (uint32, Record, bool, error) {
	addr := s.pages[page].Base() + uint32(slot*s.recordSize)
	raw, err := s.pages[page].ReadBytes(addr, s.recordSize)
	if err != nil {
		return 0, Record{}, false, fmt.Errorf("%w: %v", ErrFlashError, err)
	}
	seq, rec, empty := decode(raw, s.customDataMaxSize)
	return seq, rec, empty, nil
}

// doScan walks both pages from slot 0, stopping at the first empty slot
// (writes are strictly append-only within a page, so the used prefix is
// contiguous), and determines which page is active (holds the greatest
// write sequence number, or is non-empty while the other is untouched).
func (s *Store) doScan() (scan, error) {
	var sc scan
	for p := 0; p < 2; p++ {
		for slot := 0; slot < s.slotsPerPage; slot++ {
			seq, rec, empty, err := s.readSlot(p, slot)
			if err != nil {
				return scan{}, err
			}
			if empty {
				break
			}
			sc.usedSlots[p] = slot + 1
			sc.latestSeq[p] = seq
			sc.latestRec[p] = rec
			sc.hasRecord = true
		}
	}

	sc.activePage = 0
	if sc.usedSlots[1] > 0 && (sc.usedSlots[0] == 0 || sc.latestSeq[1] > sc.latestSeq[0]) {
		sc.activePage = 1
	}
	return sc, nil
}

// ReadLatest returns the record with the greatest write sequence across
// both pages. If the store has never been written, it returns
// DefaultRecord and ok=false so the caller can detect first boot.
func (s *Store) ReadLatest() (rec Record, ok bool, err error) {
	sc, err := s.doScan()
	if err != nil {
		return Record{}, false, err
	}
	if !sc.hasRecord {
		return DefaultRecord(s.customDataMaxSize), false, nil
	}
	return sc.latestRec[sc.activePage], true, nil
}

// Write persists a new record, per spec §4.3's write algorithm:
//  1. locate the next free slot in the active page;
//  2. if none, erase the other page, write the record to its first slot,
//     then erase the previously active page;
//  3. otherwise append to the active page's next free slot.
func (s *Store) Write(r Record) error {
	sc, err := s.doScan()
	if err != nil {
		return err
	}

	nextSeq := sc.latestSeq[sc.activePage] + 1
	if !sc.hasRecord {
		nextSeq = 0
	}
	image := encode(nextSeq, r, s.customDataMaxSize)

	if sc.usedSlots[sc.activePage] < s.slotsPerPage {
		return s.writeSlot(sc.activePage, sc.usedSlots[sc.activePage], image)
	}

	other := 1 - sc.activePage
	if err := s.eraseAndUnlock(other); err != nil {
		return err
	}
	if err := s.writeSlot(other, 0, image); err != nil {
		return err
	}
	// The new record is now durable in `other`; a crash here leaves the
	// old, now-redundant page intact but harmless (scan always prefers
	// the higher sequence number).
	return s.eraseAndUnlock(sc.activePage)
}

func (s *Store) writeSlot(page, slot int, image []byte) error {
	mem := s.pages[page]
	if err := mem.Unlock(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnlockFailed, err)
	}
	defer mem.Lock()
	addr := mem.Base() + uint32(slot*s.recordSize)
	if _, err := mem.WriteWords(addr, image); err != nil {
		return fmt.Errorf("%w: %v", ErrFlashError, err)
	}
	return nil
}

func (s *Store) eraseAndUnlock(page int) error {
	mem := s.pages[page]
	if err := mem.Unlock(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnlockFailed, err)
	}
	defer mem.Lock()
	if err := mem.ErasePages(0, mem.PageCount()); err != nil {
		return fmt.Errorf("%w: %v", ErrFlashError, err)
	}
	return nil
}

// FaultInjector lets tests simulate a transient FlashBusy condition during
// Init's probe attempts. It is called once per attempt (1-indexed); a
// non-nil error counts that attempt as failed.
type FaultInjector func(attempt int) error

// Init runs the store's init protocol (spec §4.3): up to three attempts,
// each preceded by a 500ms wait, before declaring the store unusable. On
// success the latest record is returned. sleep defaults to time.Sleep;
// tests may substitute a no-op to avoid real delay.
func (s *Store) Init(inject FaultInjector, sleep func(time.Duration)) (Record, error) {
	if sleep == nil {
		sleep = time.Sleep
	}

	var lastErr error
	for attempt := 1; attempt <= initAttempts; attempt++ {
		sleep(initRetryWait)

		if inject != nil {
			if err := inject(attempt); err != nil {
				lastErr = err
				continue
			}
		}

		rec, found, err := s.ReadLatest()
		if err != nil {
			lastErr = err
			continue
		}
		if !found {
			// First boot: persist the default record so subsequent reads
			// are stable, then return it.
			if err := s.Write(rec); err != nil {
				lastErr = err
				continue
			}
		}
		return rec, nil
	}
	return Record{}, fmt.Errorf("%w (last error: %v)", ErrNotInitialized, lastErr)
}
