// Package frame implements the ETX OTA packet envelope: encoding and
// field-by-field decoding of the common SOF/type/length/data/CRC/EOF
// packet format shared by every ETX OTA packet type.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/mortrack/etxota/pkg/crc32mpeg2"
)

// Type identifies the kind of packet carried by the envelope.
type Type byte

const (
	TypeCommand  Type = 0
	TypeData     Type = 1
	TypeHeader   Type = 2
	TypeResponse Type = 3
)

func (t Type) String() string {
	switch t {
	case TypeCommand:
		return "Command"
	case TypeData:
		return "Data"
	case TypeHeader:
		return "Header"
	case TypeResponse:
		return "Response"
	default:
		return fmt.Sprintf("Type(%d)", byte(t))
	}
}

func (t Type) valid() bool {
	switch t {
	case TypeCommand, TypeData, TypeHeader, TypeResponse:
		return true
	default:
		return false
	}
}

const (
	// SOF is the constant Start-of-Frame byte.
	SOF = 0xAA
	// EOF is the constant End-of-Frame byte.
	EOF = 0xBB
	// MaxDataLen is the largest "data" field size an envelope may carry.
	MaxDataLen = 1024
	// headerOverhead is sof(1) + type(1) + len(2) + crc(4) + eof(1).
	headerOverhead = 9
)

// Errors returned by Decode, per spec §4.2.
var (
	ErrBadFraming  = errors.New("frame: bad SOF or EOF byte")
	ErrBadType     = errors.New("frame: unrecognized packet type")
	ErrBadLength   = errors.New("frame: data_len exceeds maximum")
	ErrCrcMismatch = errors.New("frame: CRC32 mismatch")
	ErrTruncated   = errors.New("frame: transport timed out mid-frame")

	// ErrNoResponse wraps a transport timeout/busy failure that occurred
	// before any byte of the next frame was read, i.e. the producer
	// simply hasn't sent anything yet. Callers (spec §4.5, §4.6) treat
	// this as NoResponse rather than a framing Error.
	ErrNoResponse = errors.New("frame: no response from transport")
)

// Packet is a decoded ETX OTA envelope: a type tag plus its data payload.
// The CRC and framing bytes are not exposed; they are validated at decode
// time and regenerated at encode time.
type Packet struct {
	Type Type
	Data []byte
}

// Reader is the read half of the Transport Adapter contract (spec §4.4):
// Recv blocks up to timeout to fill buf completely, or fails with a
// transport-defined error (NoResponse on timeout/busy, TransportError
// otherwise) without filling it.
type Reader interface {
	Recv(buf []byte, timeout time.Duration) error
}

// Encode serializes a packet type and its data into a complete ETX OTA
// frame: [SOF, type, len_lo, len_hi, data..., crc_lo..crc_hi, EOF].
func Encode(t Type, data []byte) ([]byte, error) {
	if !t.valid() {
		return nil, ErrBadType
	}
	if len(data) > MaxDataLen {
		return nil, ErrBadLength
	}

	out := make([]byte, 0, headerOverhead+len(data))
	out = append(out, SOF, byte(t))

	lenBytes := make([]byte, 2)
	binary.LittleEndian.PutUint16(lenBytes, uint16(len(data)))
	out = append(out, lenBytes...)

	out = append(out, data...)

	crc := crc32mpeg2.Checksum(data)
	crcBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(crcBytes, crc)
	out = append(out, crcBytes...)

	out = append(out, EOF)
	return out, nil
}

// readExact blocks up to timeout to fill buf completely, wrapping whatever
// the transport reports (NoResponse or TransportError) as ErrTruncated so
// the decoder can report a single, field-granular framing failure.
func readExact(r Reader, buf []byte, timeout time.Duration) error {
	if len(buf) == 0 {
		return nil
	}
	if err := r.Recv(buf, timeout); err != nil {
		return fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	return nil
}

// Decode reads one ETX OTA frame field-by-field from r, never assuming the
// whole frame is already buffered. Each field read carries the given
// transport timeout (spec §4.2, §5). maxLen bounds the accepted data_len,
// letting callers that expect at most a Command/Header/Response-sized
// payload reject an oversized Data-shaped frame early.
func Decode(r Reader, timeout time.Duration, maxLen int) (Packet, error) {
	var sof [1]byte
	if err := r.Recv(sof[:], timeout); err != nil {
		return Packet{}, fmt.Errorf("%w: %v", ErrNoResponse, err)
	}
	if sof[0] != SOF {
		return Packet{}, ErrBadFraming
	}

	var typeByte [1]byte
	if err := readExact(r, typeByte[:], timeout); err != nil {
		return Packet{}, err
	}
	t := Type(typeByte[0])
	if !t.valid() {
		return Packet{}, ErrBadType
	}

	var lenBytes [2]byte
	if err := readExact(r, lenBytes[:], timeout); err != nil {
		return Packet{}, err
	}
	dataLen := int(binary.LittleEndian.Uint16(lenBytes[:]))
	if dataLen > MaxDataLen || (maxLen > 0 && dataLen > maxLen) {
		return Packet{}, ErrBadLength
	}

	data := make([]byte, dataLen)
	if dataLen > 0 {
		if err := readExact(r, data, timeout); err != nil {
			return Packet{}, err
		}
	}

	var crcBytes [4]byte
	if err := readExact(r, crcBytes[:], timeout); err != nil {
		return Packet{}, err
	}
	wantCRC := binary.LittleEndian.Uint32(crcBytes[:])
	if gotCRC := crc32mpeg2.Checksum(data); gotCRC != wantCRC {
		return Packet{}, ErrCrcMismatch
	}

	var eof [1]byte
	if err := readExact(r, eof[:], timeout); err != nil {
		return Packet{}, err
	}
	if eof[0] != EOF {
		return Packet{}, ErrBadFraming
	}

	return Packet{Type: t, Data: data}, nil
}
