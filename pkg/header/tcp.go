// Package header encodes and decodes the TCP segment header: the standard
// 20-byte fixed layout plus the single option this stack negotiates (MSS).
package header

import (
	"encoding/binary"

	"github.com/chobot2014/JSOS-sub007/pkg/core"
)

// Flag bits of the TCP header flags field.
const (
	FlagFIN = 0x01
	FlagSYN = 0x02
	FlagRST = 0x04
	FlagPSH = 0x08
	FlagACK = 0x10
	FlagURG = 0x20
)

const (
	srcPort     = 0
	dstPort     = 2
	seqNum      = 4
	ackNum      = 8
	dataOffset  = 12
	tcpFlags    = 13
	winSize     = 14
	tcpChecksum = 16
	urgentPtr   = 18
)

// MinimumSize is the size of a TCP header without options.
const MinimumSize = 20

// ProtocolNumber is TCP's IP protocol number, used in the pseudo-header.
const ProtocolNumber = 6

// Fields holds the header fields of a segment to be encoded.
type Fields struct {
	SrcPort       uint16
	DstPort       uint16
	SeqNum        uint32
	AckNum        uint32
	DataOffset    uint8
	Flags         uint8
	WindowSize    uint16
	Checksum      uint16
	UrgentPointer uint16
}

// TCP wraps a byte slice containing a TCP segment (header plus payload).
type TCP []byte

func (b TCP) SourcePort() uint16 {
	return binary.BigEndian.Uint16(b[srcPort:])
}

func (b TCP) DestinationPort() uint16 {
	return binary.BigEndian.Uint16(b[dstPort:])
}

func (b TCP) SequenceNumber() uint32 {
	return binary.BigEndian.Uint32(b[seqNum:])
}

func (b TCP) AckNumber() uint32 {
	return binary.BigEndian.Uint32(b[ackNum:])
}

// DataOffset returns the header length in bytes.
func (b TCP) DataOffset() uint8 {
	return (b[dataOffset] >> 4) * 4
}

func (b TCP) Flags() uint8 {
	return b[tcpFlags]
}

func (b TCP) WindowSize() uint16 {
	return binary.BigEndian.Uint16(b[winSize:])
}

func (b TCP) Checksum() uint16 {
	return binary.BigEndian.Uint16(b[tcpChecksum:])
}

func (b TCP) SetChecksum(checksum uint16) {
	binary.BigEndian.PutUint16(b[tcpChecksum:], checksum)
}

// Payload returns the data carried by the segment.
func (b TCP) Payload() []byte {
	return b[b.DataOffset():]
}

// Options returns the unparsed option bytes between the fixed header and the
// payload.
func (b TCP) Options() []byte {
	return b[MinimumSize:b.DataOffset()]
}

// WellFormed reports whether the buffer is long enough to carry the header
// it declares.
func (b TCP) WellFormed() bool {
	if len(b) < MinimumSize {
		return false
	}
	off := int(b.DataOffset())
	return off >= MinimumSize && off <= len(b)
}

// Encode writes the fixed header fields into the buffer.
func (b TCP) Encode(f *Fields) {
	binary.BigEndian.PutUint16(b[srcPort:], f.SrcPort)
	binary.BigEndian.PutUint16(b[dstPort:], f.DstPort)
	binary.BigEndian.PutUint32(b[seqNum:], f.SeqNum)
	binary.BigEndian.PutUint32(b[ackNum:], f.AckNum)
	b[dataOffset] = (f.DataOffset / 4) << 4
	b[tcpFlags] = f.Flags
	binary.BigEndian.PutUint16(b[winSize:], f.WindowSize)
	binary.BigEndian.PutUint16(b[tcpChecksum:], f.Checksum)
	binary.BigEndian.PutUint16(b[urgentPtr:], f.UrgentPointer)
}

// ParseMSSOption scans the option bytes for an MSS option (kind 2) and
// returns its value, or 0 when absent or malformed.
func ParseMSSOption(opts []byte) uint16 {
	for i := 0; i < len(opts); {
		switch opts[i] {
		case 0: // EOL
			return 0
		case 1: // NOP
			i++
		default:
			if i+1 >= len(opts) {
				return 0
			}
			l := int(opts[i+1])
			if l < 2 || i+l > len(opts) {
				return 0
			}
			if opts[i] == 2 && l == 4 {
				return binary.BigEndian.Uint16(opts[i+2 : i+4])
			}
			i += l
		}
	}
	return 0
}

// EncodeMSSOption returns the 4-byte MSS option.
func EncodeMSSOption(mss uint16) []byte {
	return []byte{2, 4, byte(mss >> 8), byte(mss)}
}

// Checksum computes the ones-complement sum of buf folded to 16 bits,
// starting from initial.
func Checksum(buf []byte, initial uint16) uint16 {
	v := uint32(initial)

	l := len(buf)
	if l&1 != 0 {
		l--
		v += uint32(buf[l]) << 8
	}

	for i := 0; i < l; i += 2 {
		v += (uint32(buf[i]) << 8) + uint32(buf[i+1])
	}

	return checksumCombine(uint16(v), uint16(v>>16))
}

func checksumCombine(a, b uint16) uint16 {
	v := uint32(a) + uint32(b)
	return uint16(v + v>>16)
}

// PseudoHeaderChecksum computes the checksum over the IPv4 pseudo-header
// for a TCP segment of the given length.
func PseudoHeaderChecksum(src, dst core.Addr, length uint16) uint16 {
	xsum := Checksum(src.IP[:], 0)
	xsum = Checksum(dst.IP[:], xsum)
	xsum = Checksum([]byte{0, ProtocolNumber}, xsum)
	return Checksum([]byte{byte(length >> 8), byte(length)}, xsum)
}

// SegmentChecksum computes the value of the checksum field for a segment.
// The checksum field itself must be zero when calling.
func SegmentChecksum(src, dst core.Addr, segment []byte) uint16 {
	xsum := PseudoHeaderChecksum(src, dst, uint16(len(segment)))
	return ^Checksum(segment, xsum)
}

// ChecksumValid verifies the checksum field of a received segment.
func ChecksumValid(src, dst core.Addr, segment []byte) bool {
	xsum := PseudoHeaderChecksum(src, dst, uint16(len(segment)))
	return Checksum(segment, xsum) == 0xffff
}
