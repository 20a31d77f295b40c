package fucs

import "encoding/binary"

// emptySeq is the sentinel value of the Seq field on an untouched
// (erased) flash slot: spec §4.3's "treats 0xFFFFFFFF in the first word
// as slot empty", here realized as a monotonically increasing write
// sequence number rather than a counter-free scan (spec §4.3 offers both
// as implementation freedom; the sequence number makes "latest" an
// unambiguous max rather than a scan-order heuristic).
const emptySeq = 0xFFFFFFFF

// sizeUnset is the "unset" sentinel for a size field (spec §3).
const sizeUnset = 0xFFFFFFFF

// recordHeaderSize is the fixed portion of a Record's on-flash encoding,
// excluding the variable-length custom Data trailer: Seq(4) +
// AppFwSize(4) + AppFwRecCRC(4) + BLFwSize(4) + BLFwRecCRC(4) +
// IsBLFwStoredInAppFw(1) + IsBLFwInstallPending(1).
const recordHeaderSize = 22

// DefaultCustomDataMaxSize matches the device-side CUSTOM_DATA_MAX_SIZE
// build-time default (spec §6).
const DefaultCustomDataMaxSize = 2048

// Record is the persisted Firmware-Update Config Record (spec §3).
type Record struct {
	AppFwSize            uint32
	AppFwRecCRC          uint32
	BLFwSize             uint32
	BLFwRecCRC           uint32
	IsBLFwStoredInAppFw  bool
	IsBLFwInstallPending bool
	Data                 []byte
}

// DefaultRecord returns the record a device writes the first time it
// boots (spec §3 "Lifecycle"): unset sizes, no pending bootloader
// promotion, a zeroed custom-data area.
func DefaultRecord(customDataMaxSize int) Record {
	return Record{
		AppFwSize:            sizeUnset,
		AppFwRecCRC:          sizeUnset,
		BLFwSize:             sizeUnset,
		BLFwRecCRC:           sizeUnset,
		IsBLFwStoredInAppFw:  false,
		IsBLFwInstallPending: false,
		Data:                 make([]byte, customDataMaxSize),
	}
}

// encode serializes r into a fixed-size slot image, tagging it with seq.
func encode(seq uint32, r Record, customDataMaxSize int) []byte {
	buf := make([]byte, recordHeaderSize+customDataMaxSize)
	binary.LittleEndian.PutUint32(buf[0:4], seq)
	binary.LittleEndian.PutUint32(buf[4:8], r.AppFwSize)
	binary.LittleEndian.PutUint32(buf[8:12], r.AppFwRecCRC)
	binary.LittleEndian.PutUint32(buf[12:16], r.BLFwSize)
	binary.LittleEndian.PutUint32(buf[16:20], r.BLFwRecCRC)
	buf[20] = boolToByte(r.IsBLFwStoredInAppFw)
	buf[21] = boolToByte(r.IsBLFwInstallPending)
	copy(buf[recordHeaderSize:], r.Data)
	// Any Data shorter than customDataMaxSize is zero-padded; flash words
	// not covered by the copy stay at their Go zero value (0x00), which
	// is fine here since this is an in-memory encode, not a flash write.
	return buf
}

// decode parses a fixed-size slot image back into a sequence number and
// Record, reporting whether the slot is empty (untouched/erased).
func decode(slot []byte, customDataMaxSize int) (seq uint32, r Record, empty bool) {
	seq = binary.LittleEndian.Uint32(slot[0:4])
	if seq == emptySeq {
		return seq, Record{}, true
	}
	r.AppFwSize = binary.LittleEndian.Uint32(slot[4:8])
	r.AppFwRecCRC = binary.LittleEndian.Uint32(slot[8:12])
	r.BLFwSize = binary.LittleEndian.Uint32(slot[12:16])
	r.BLFwRecCRC = binary.LittleEndian.Uint32(slot[16:20])
	r.IsBLFwStoredInAppFw = slot[20] != 0
	r.IsBLFwInstallPending = slot[21] != 0
	data := make([]byte, customDataMaxSize)
	copy(data, slot[recordHeaderSize:recordHeaderSize+customDataMaxSize])
	r.Data = data
	return seq, r, false
}

func boolToByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
