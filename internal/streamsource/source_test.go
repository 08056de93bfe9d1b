package streamsource

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/moonfire-go/nvrcore/internal/merr"
)

func TestMarshalAccessUnit(t *testing.T) {
	sps := []byte{0x67, 0x4d, 0x00, 0x29}
	pps := []byte{0x68, 0xee}
	idr := []byte{0x65, 0x88, 0x80, 0x10}
	nonIDR := []byte{0x41, 0x9a, 0x02}

	data, isKey := MarshalAccessUnit([][]byte{sps, pps, idr})
	if !isKey {
		t.Error("expected IDR access unit to be marked key")
	}
	// SPS/PPS are stripped; only the IDR slice remains, length-prefixed.
	want := append(binary.BigEndian.AppendUint32(nil, uint32(len(idr))), idr...)
	if !bytes.Equal(data, want) {
		t.Errorf("got % x, want % x", data, want)
	}

	data, isKey = MarshalAccessUnit([][]byte{nonIDR})
	if isKey {
		t.Error("non-IDR unit must not be key")
	}
	if got := binary.BigEndian.Uint32(data); got != uint32(len(nonIDR)) {
		t.Errorf("length prefix %d, want %d", got, len(nonIDR))
	}

	if data, _ := MarshalAccessUnit([][]byte{sps, pps}); data != nil {
		t.Errorf("parameter-set-only unit should yield no sample data, got % x", data)
	}
}

func TestNewVideoSampleEntry(t *testing.T) {
	sps := []byte{0x67, 0x4d, 0x00, 0x29, 0xaa, 0xbb}
	pps := []byte{0x68, 0xee, 0x3c, 0x80}

	e, err := NewVideoSampleEntry(sps, pps, 1920, 1080)
	if err != nil {
		t.Fatalf("NewVideoSampleEntry: %v", err)
	}
	if e.RFC6381Codec != "avc1.4d0029" {
		t.Errorf("codec %q, want avc1.4d0029", e.RFC6381Codec)
	}
	if e.Width != 1920 || e.Height != 1080 {
		t.Errorf("dimensions %dx%d", e.Width, e.Height)
	}

	// The entry data is a complete avc1 box.
	if got := binary.BigEndian.Uint32(e.Data); int(got) != len(e.Data) {
		t.Errorf("box size %d, want %d", got, len(e.Data))
	}
	if string(e.Data[4:8]) != "avc1" {
		t.Errorf("box type %q, want avc1", e.Data[4:8])
	}
	// Width/height at their fixed offsets within the VisualSampleEntry.
	if got := binary.BigEndian.Uint16(e.Data[8+24:]); got != 1920 {
		t.Errorf("encoded width %d", got)
	}
	if got := binary.BigEndian.Uint16(e.Data[8+26:]); got != 1080 {
		t.Errorf("encoded height %d", got)
	}
	// It embeds the avcC record with the SPS and PPS verbatim.
	if !bytes.Contains(e.Data, sps) || !bytes.Contains(e.Data, pps) {
		t.Error("avcC does not embed SPS/PPS")
	}
	if !bytes.Contains(e.Data, []byte("avcC")) {
		t.Error("missing avcC box")
	}
	if e.Blake3 == [32]byte{} {
		t.Error("dedup digest not set")
	}

	// Identical parameters must produce an identical dedup key.
	e2, err := NewVideoSampleEntry(sps, pps, 1920, 1080)
	if err != nil {
		t.Fatalf("NewVideoSampleEntry: %v", err)
	}
	if e.Blake3 != e2.Blake3 {
		t.Error("dedup digest not deterministic")
	}

	if _, err := NewVideoSampleEntry([]byte{0x67}, pps, 1920, 1080); !merr.Is(err, merr.InvalidArgument) {
		t.Errorf("expected InvalidArgument for short SPS, got %v", err)
	}
	if _, err := NewVideoSampleEntry(sps, pps, 0, 1080); !merr.Is(err, merr.InvalidArgument) {
		t.Errorf("expected InvalidArgument for zero width, got %v", err)
	}
}
