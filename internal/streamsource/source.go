// Package streamsource is the boundary to the RTSP demuxing collaborator
// : a Source yields typed video frames and the codec parameters
// in effect, and the rest of the module never touches RTP or RTSP. The
// concrete RTSPSource adapter lives in rtsp.go.
package streamsource

import (
	"encoding/binary"
	"fmt"

	"lukechampine.com/blake3"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"

	"github.com/moonfire-go/nvrcore/internal/merr"
	"github.com/moonfire-go/nvrcore/internal/moontime"
	"github.com/moonfire-go/nvrcore/internal/recording"
)

// VideoFrame is one H.264 access unit in AVCC form (length-prefixed NALUs),
// stamped with the local wall time it arrived and the camera's 90kHz pts.
type VideoFrame struct {
	Data      []byte
	LocalTime moontime.Time
	PTS90k    int64
	IsKey     bool
}

// Source yields a stream's frames in arrival order. Next blocks until a
// frame is available or the source fails; a failed source never recovers
// (callers dial a new one).
type Source interface {
	Next() (VideoFrame, error)
	VideoSampleEntry() recording.VideoSampleEntry
	Close() error
}

// MarshalAccessUnit converts an access unit (a slice of raw NALUs) to the
// AVCC form stored in sample files: each NALU prefixed with its 32-bit
// length. It also reports whether the unit contains an IDR slice, which is
// what marks a sample as a key frame. Parameter-set NALUs (SPS/PPS) are
// dropped; they live in the video sample entry, not the sample data.
func MarshalAccessUnit(au [][]byte) (data []byte, isKey bool) {
	size := 0
	for _, nalu := range au {
		if len(nalu) == 0 || skipNALU(nalu) {
			continue
		}
		size += 4 + len(nalu)
	}
	if size == 0 {
		return nil, false
	}
	data = make([]byte, 0, size)
	for _, nalu := range au {
		if len(nalu) == 0 || skipNALU(nalu) {
			continue
		}
		data = binary.BigEndian.AppendUint32(data, uint32(len(nalu)))
		data = append(data, nalu...)
		if h264.NALUType(nalu[0]&0x1f) == h264.NALUTypeIDR {
			isKey = true
		}
	}
	return data, isKey
}

func skipNALU(nalu []byte) bool {
	switch h264.NALUType(nalu[0] & 0x1f) {
	case h264.NALUTypeSPS, h264.NALUTypePPS, h264.NALUTypeAccessUnitDelimiter:
		return true
	}
	return false
}

// NewVideoSampleEntry builds the deduplicatable codec-parameters record for
// an H.264 stream: the complete avc1 VisualSampleEntry (including the avcC
// configuration record) as it will be spliced into an mp4 stsd box, its
// BLAKE3 dedup key, and the RFC 6381 codec string derived from the SPS.
func NewVideoSampleEntry(sps, pps []byte, width, height int) (recording.VideoSampleEntry, error) {
	if len(sps) < 4 || len(pps) < 1 {
		return recording.VideoSampleEntry{}, merr.New(merr.InvalidArgument,
			"sps/pps too short (%d/%d bytes)", len(sps), len(pps))
	}
	if width <= 0 || width > 0xffff || height <= 0 || height > 0xffff {
		return recording.VideoSampleEntry{}, merr.New(merr.InvalidArgument,
			"dimensions %dx%d out of range", width, height)
	}

	var avcc []byte
	avcc = append(avcc, 1, sps[1], sps[2], sps[3])
	avcc = append(avcc, 0xff)   // 4-byte NALU lengths
	avcc = append(avcc, 0xe0|1) // one SPS
	avcc = binary.BigEndian.AppendUint16(avcc, uint16(len(sps)))
	avcc = append(avcc, sps...)
	avcc = append(avcc, 1) // one PPS
	avcc = binary.BigEndian.AppendUint16(avcc, uint16(len(pps)))
	avcc = append(avcc, pps...)

	var body []byte
	body = append(body, make([]byte, 6)...)                   // reserved
	body = binary.BigEndian.AppendUint16(body, 1)             // data_reference_index
	body = append(body, make([]byte, 16)...)                  // pre_defined/reserved
	body = binary.BigEndian.AppendUint16(body, uint16(width)) //nolint // checked above
	body = binary.BigEndian.AppendUint16(body, uint16(height))
	body = binary.BigEndian.AppendUint32(body, 0x00480000) // 72 dpi
	body = binary.BigEndian.AppendUint32(body, 0x00480000)
	body = binary.BigEndian.AppendUint32(body, 0)
	body = binary.BigEndian.AppendUint16(body, 1)      // frame_count
	body = append(body, make([]byte, 32)...)           // compressorname
	body = binary.BigEndian.AppendUint16(body, 0x0018) // depth
	body = binary.BigEndian.AppendUint16(body, 0xffff) // pre_defined

	avcCBox := wrapBox("avcC", avcc)
	data := wrapBox("avc1", append(body, avcCBox...))

	e := recording.VideoSampleEntry{
		Width:        uint16(width),
		Height:       uint16(height),
		RFC6381Codec: fmt.Sprintf("avc1.%02x%02x%02x", sps[1], sps[2], sps[3]),
		Data:         data,
	}
	h := blake3.New(32, nil)
	h.Write(data)
	copy(e.Blake3[:], h.Sum(nil))
	return e, nil
}

func wrapBox(typ string, payload []byte) []byte {
	out := make([]byte, 0, 8+len(payload))
	out = binary.BigEndian.AppendUint32(out, uint32(8+len(payload)))
	out = append(out, typ...)
	return append(out, payload...)
}
