package mp4

import "encoding/binary"

// Box construction helpers. Every box this package emits is small enough to
// assemble in RAM (sample data never passes through here; it stays in the
// sample files and is spliced in as file slices), so boxes are built
// innermost-first as byte slices and wrapped.

type bbuf struct {
	b []byte
}

func (b *bbuf) u8(v uint8)   { b.b = append(b.b, v) }
func (b *bbuf) u16(v uint16) { b.b = binary.BigEndian.AppendUint16(b.b, v) }
func (b *bbuf) u32(v uint32) { b.b = binary.BigEndian.AppendUint32(b.b, v) }
func (b *bbuf) u64(v uint64) { b.b = binary.BigEndian.AppendUint64(b.b, v) }
func (b *bbuf) i16(v int16)  { b.u16(uint16(v)) }
func (b *bbuf) i32(v int32)  { b.u32(uint32(v)) }
func (b *bbuf) i64(v int64)  { b.u64(uint64(v)) }
func (b *bbuf) raw(p []byte) { b.b = append(b.b, p...) }
func (b *bbuf) str(s string) { b.b = append(b.b, s...) }

func (b *bbuf) zeros(n int) {
	b.b = append(b.b, make([]byte, n)...)
}

// fullHeader writes the version/flags word every "full box" starts with.
func (b *bbuf) fullHeader(version uint8, flags uint32) {
	b.u32(uint32(version)<<24 | flags&0xffffff)
}

// wrap prefixes payloads with a 32-bit size + type header.
func wrap(typ string, payloads ...[]byte) []byte {
	size := 8
	for _, p := range payloads {
		size += len(p)
	}
	out := make([]byte, 0, size)
	out = binary.BigEndian.AppendUint32(out, uint32(size))
	out = append(out, typ...)
	for _, p := range payloads {
		out = append(out, p...)
	}
	return out
}

// mdatHeader returns the header of an mdat of contentLen bytes, using the
// 64-bit largesize form unconditionally so the header length doesn't depend
// on the content length.
func mdatHeader(contentLen int64) []byte {
	var b bbuf
	b.u32(1) // size==1: largesize follows the type
	b.str("mdat")
	b.u64(uint64(contentLen) + 16)
	return b.b
}

// mp4Epoch converts a Unix-epoch seconds value to the 1904-epoch seconds
// ISO 14496-12 timestamps use.
func mp4Epoch(unixSec int64) uint32 {
	const epochDelta = 2082844800 // seconds from 1904-01-01 to 1970-01-01
	v := unixSec + epochDelta
	if v < 0 {
		return 0
	}
	return uint32(v)
}
