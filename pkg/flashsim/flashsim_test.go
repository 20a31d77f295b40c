package flashsim

import (
	"bytes"
	"errors"
	"testing"
)

func TestNewMemoryStartsErased(t *testing.T) {
	m := NewMemory(0x08000000, 1024, 4)
	got, err := m.ReadBytes(0x08000000, 4096)
	if err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	for i, b := range got {
		if b != Erased {
			t.Fatalf("byte %d = 0x%02X, want 0xFF", i, b)
		}
	}
}

func TestProgramWordRequiresUnlock(t *testing.T) {
	m := NewMemory(0x08000000, 1024, 1)
	if err := m.ProgramWord(0x08000000, [4]byte{1, 2, 3, 4}); !errors.Is(err, ErrLocked) {
		t.Fatalf("ProgramWord while locked = %v, want ErrLocked", err)
	}
}

func TestProgramWordRequiresErase(t *testing.T) {
	m := NewMemory(0x08000000, 1024, 1)
	_ = m.Unlock()
	if err := m.ProgramWord(0x08000000, [4]byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("first program on erased page: %v", err)
	}
	if err := m.ProgramWord(0x08000000, [4]byte{5, 6, 7, 8}); err == nil {
		t.Fatalf("reprogramming without erase should fail, got nil error")
	}
}

func TestWriteWordsPadsFinalWord(t *testing.T) {
	m := NewMemory(0x08000000, 1024, 1)
	_ = m.Unlock()
	_ = m.ErasePages(0, 1)

	n, err := m.WriteWords(0x08000000, []byte{1, 2, 3})
	if err != nil {
		t.Fatalf("WriteWords: %v", err)
	}
	if n != 3 {
		t.Fatalf("WriteWords returned %d, want 3", n)
	}

	got, _ := m.ReadBytes(0x08000000, 4)
	want := []byte{1, 2, 3, Erased}
	if !bytes.Equal(got, want) {
		t.Fatalf("ReadBytes = %v, want %v", got, want)
	}
}

func TestErasePagesResetsOnlyTargetedRange(t *testing.T) {
	m := NewMemory(0x08000000, 16, 4)
	_ = m.Unlock()
	_, _ = m.WriteWords(0x08000000, []byte{1, 2, 3, 4})
	_ = m.Lock()

	_ = m.Unlock()
	if err := m.ErasePages(1, 1); err != nil {
		t.Fatalf("ErasePages: %v", err)
	}
	first, _ := m.ReadBytes(0x08000000, 4)
	if bytes.Equal(first, []byte{Erased, Erased, Erased, Erased}) {
		t.Fatalf("erasing page 1 must not clobber page 0")
	}
}

func TestProgramWordOutOfRange(t *testing.T) {
	m := NewMemory(0x08000000, 16, 1)
	_ = m.Unlock()
	if err := m.ProgramWord(0x08000000+16, [4]byte{1, 2, 3, 4}); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("ProgramWord out of range = %v, want ErrOutOfRange", err)
	}
}

func TestProgramWordMisaligned(t *testing.T) {
	m := NewMemory(0x08000000, 16, 1)
	_ = m.Unlock()
	if err := m.ProgramWord(0x08000001, [4]byte{1, 2, 3, 4}); !errors.Is(err, ErrMisaligned) {
		t.Fatalf("ProgramWord misaligned = %v, want ErrMisaligned", err)
	}
}
