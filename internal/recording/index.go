// Package recording holds the sample index codec and the value types shared
// by internal/metadb and internal/writer: the wire format a Writer appends to
// as it ingests samples, and the decoder internal/mp4 walks to build box
// tables without touching the sample bytes themselves.
package recording

import "encoding/binary"

// SampleIndexEncoder builds the per-recording sample index: a sequence of
// (duration, size, is_key) triples, each delta-coded against the previous
// sample and zigzag/varint packed. is_key is folded into the low bit of the
// duration delta rather than given its own byte, since runs of same-duration
// non-key frames are the overwhelmingly common case and the delta is then a
// single zero byte.
type SampleIndexEncoder struct {
	buf          []byte
	prevDuration int32
	prevBytes    int32
	sampleCount  int
}

// NewSampleIndexEncoder returns an encoder ready to receive the first sample
// of a recording.
func NewSampleIndexEncoder() *SampleIndexEncoder {
	return &SampleIndexEncoder{}
}

// AddSample appends one sample to the index. durationTicks is the sample's
// duration in 90kHz ticks (must fit in an int32; callers are expected to
// close and rotate the recording well before that becomes a concern).
func (e *SampleIndexEncoder) AddSample(durationTicks int32, bytes int32, isKey bool) {
	deltaDuration := int64(durationTicks) - int64(e.prevDuration)
	combined := deltaDuration << 1
	if isKey {
		combined |= 1
	}
	e.buf = appendVarint(e.buf, zigzagEncode(combined))

	deltaBytes := int64(bytes) - int64(e.prevBytes)
	e.buf = appendVarint(e.buf, zigzagEncode(deltaBytes))

	e.prevDuration = durationTicks
	e.prevBytes = bytes
	e.sampleCount++
}

// Bytes returns the encoded index built so far. The returned slice is a copy;
// the encoder may continue to be used afterward.
func (e *SampleIndexEncoder) Bytes() []byte {
	out := make([]byte, len(e.buf))
	copy(out, e.buf)
	return out
}

// Len reports the number of samples encoded so far.
func (e *SampleIndexEncoder) Len() int {
	return e.sampleCount
}

// Sample is one decoded entry of a sample index, with cumulative offsets
// filled in by SampleIndexIterator as it walks the index.
type Sample struct {
	DurationTicks int32
	Bytes         int32
	IsKey         bool

	// StartTicks is this sample's presentation time relative to the
	// recording's start (the sum of every prior sample's duration).
	StartTicks int64
	// FileOffset is this sample's byte offset within the recording's
	// sample file (the sum of every prior sample's size).
	FileOffset int64
}

// SampleIndexIterator decodes a sample index produced by SampleIndexEncoder,
// in order, computing running start-time and file-offset for each sample.
type SampleIndexIterator struct {
	data         []byte
	pos          int
	prevDuration int32
	prevBytes    int32
	cumTicks     int64
	cumBytes     int64
}

// NewSampleIndexIterator returns an iterator over data, a byte slice
// previously produced by SampleIndexEncoder.Bytes.
func NewSampleIndexIterator(data []byte) *SampleIndexIterator {
	return &SampleIndexIterator{data: data}
}

// Next decodes the next sample. It returns ok=false once the index is
// exhausted, and a non-nil error if data is truncated or malformed.
func (it *SampleIndexIterator) Next() (s Sample, ok bool, err error) {
	if it.pos >= len(it.data) {
		return Sample{}, false, nil
	}

	zz1, n1, err := readVarint(it.data[it.pos:])
	if err != nil {
		return Sample{}, false, err
	}
	it.pos += n1
	combined := zigzagDecode(zz1)
	isKey := combined&1 != 0
	deltaDuration := combined >> 1
	duration := int32(int64(it.prevDuration) + deltaDuration)

	if it.pos >= len(it.data) {
		return Sample{}, false, errTruncated
	}
	zz2, n2, err := readVarint(it.data[it.pos:])
	if err != nil {
		return Sample{}, false, err
	}
	it.pos += n2
	deltaBytes := zigzagDecode(zz2)
	size := int32(int64(it.prevBytes) + deltaBytes)

	s = Sample{
		DurationTicks: duration,
		Bytes:         size,
		IsKey:         isKey,
		StartTicks:    it.cumTicks,
		FileOffset:    it.cumBytes,
	}

	it.cumTicks += int64(duration)
	it.cumBytes += int64(size)
	it.prevDuration = duration
	it.prevBytes = size

	return s, true, nil
}

func zigzagEncode(n int64) uint64 {
	return uint64((n << 1) ^ (n >> 63))
}

func zigzagDecode(u uint64) int64 {
	return int64(u>>1) ^ -int64(u&1)
}

func appendVarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

func readVarint(data []byte) (uint64, int, error) {
	v, n := binary.Uvarint(data)
	if n <= 0 {
		return 0, 0, errTruncated
	}
	return v, n, nil
}
