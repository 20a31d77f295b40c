package frame

import (
	"encoding/binary"
	"errors"
)

// Command identifies the single byte carried by a Command-type packet.
type Command byte

const (
	CommandStart Command = 0
	CommandEnd   Command = 1
	CommandAbort Command = 2
)

// ErrBadCommand is returned when a Command packet's data byte is not one
// of Start/End/Abort.
var ErrBadCommand = errors.New("frame: unrecognized command byte")

// DecodeCommand extracts the Command byte from a Command-type packet's data.
func DecodeCommand(data []byte) (Command, error) {
	if len(data) != 1 {
		return 0, ErrBadLength
	}
	c := Command(data[0])
	switch c {
	case CommandStart, CommandEnd, CommandAbort:
		return c, nil
	default:
		return 0, ErrBadCommand
	}
}

// EncodeCommand returns the one-byte data payload for a Command packet.
func EncodeCommand(c Command) []byte {
	return []byte{byte(c)}
}

// PayloadType identifies the kind of data a Header packet describes.
type PayloadType byte

const (
	PayloadAppFirmware  PayloadType = 0
	PayloadBLFirmware   PayloadType = 1
	PayloadCustomData   PayloadType = 2
)

func (p PayloadType) String() string {
	switch p {
	case PayloadAppFirmware:
		return "AppFirmware"
	case PayloadBLFirmware:
		return "BootloaderFirmware"
	case PayloadCustomData:
		return "CustomData"
	default:
		return "Unknown"
	}
}

func (p PayloadType) valid() bool {
	switch p {
	case PayloadAppFirmware, PayloadBLFirmware, PayloadCustomData:
		return true
	default:
		return false
	}
}

// headerLen is the fixed, packed size of a Header packet's data field:
// package_size(4) + package_crc(4) + reserved1(4) + reserved2(2) +
// reserved3(1) + payload_type(1).
const headerLen = 16

// Header is the decoded 16-byte data field of a Header-type packet
// (spec §3). The reserved fields are preserved verbatim so a decoded
// Header re-encodes byte-identically.
type Header struct {
	PackageSize uint32
	PackageCRC  uint32
	Reserved1   uint32
	Reserved2   uint16
	Reserved3   byte
	PayloadType PayloadType
}

// ErrBadPayloadType is returned when a Header's payload_type byte is not
// one of AppFirmware/BootloaderFirmware/CustomData.
var ErrBadPayloadType = errors.New("frame: unrecognized payload type")

// NewHeader builds a Header with the reserved fields set to the erased
// flash sentinel, as spec §3 requires ("reset to all-ones").
func NewHeader(packageSize, packageCRC uint32, payloadType PayloadType) Header {
	return Header{
		PackageSize: packageSize,
		PackageCRC:  packageCRC,
		Reserved1:   0xFFFFFFFF,
		Reserved2:   0xFFFF,
		Reserved3:   0xFF,
		PayloadType: payloadType,
	}
}

// DecodeHeader parses the 16-byte data field of a Header packet.
func DecodeHeader(data []byte) (Header, error) {
	if len(data) != headerLen {
		return Header{}, ErrBadLength
	}
	h := Header{
		PackageSize: binary.LittleEndian.Uint32(data[0:4]),
		PackageCRC:  binary.LittleEndian.Uint32(data[4:8]),
		Reserved1:   binary.LittleEndian.Uint32(data[8:12]),
		Reserved2:   binary.LittleEndian.Uint16(data[12:14]),
		Reserved3:   data[14],
		PayloadType: PayloadType(data[15]),
	}
	if !h.PayloadType.valid() {
		return Header{}, ErrBadPayloadType
	}
	return h, nil
}

// Encode serializes a Header back into its 16-byte packed data field.
func (h Header) Encode() []byte {
	data := make([]byte, headerLen)
	binary.LittleEndian.PutUint32(data[0:4], h.PackageSize)
	binary.LittleEndian.PutUint32(data[4:8], h.PackageCRC)
	binary.LittleEndian.PutUint32(data[8:12], h.Reserved1)
	binary.LittleEndian.PutUint16(data[12:14], h.Reserved2)
	data[14] = h.Reserved3
	data[15] = byte(h.PayloadType)
	return data
}

// ResponseStatus identifies the single byte carried by a Response-type packet.
type ResponseStatus byte

const (
	ResponseACK  ResponseStatus = 0
	ResponseNACK ResponseStatus = 1
)

// ErrBadResponse is returned when a Response packet's data byte is not
// ACK or NACK.
var ErrBadResponse = errors.New("frame: unrecognized response status")

// DecodeResponse extracts the status byte from a Response-type packet's data.
func DecodeResponse(data []byte) (ResponseStatus, error) {
	if len(data) != 1 {
		return 0, ErrBadLength
	}
	switch ResponseStatus(data[0]) {
	case ResponseACK:
		return ResponseACK, nil
	case ResponseNACK:
		return ResponseNACK, nil
	default:
		return 0, ErrBadResponse
	}
}

// EncodeResponse returns the one-byte data payload for a Response packet.
func EncodeResponse(s ResponseStatus) []byte {
	return []byte{byte(s)}
}

// ValidDataChunkLen reports whether n is an acceptable Data-packet
// length: divisible by 4 and no larger than MaxDataLen, or the final
// chunk of a transfer (isFinal) which may be any length 1..MaxDataLen
// (the trailing 1-3 bytes are padded to a word by the receiver).
func ValidDataChunkLen(n int, isFinal bool) bool {
	if n <= 0 || n > MaxDataLen {
		return false
	}
	if isFinal {
		return true
	}
	return n%4 == 0
}
