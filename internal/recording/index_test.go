package recording

import "testing"

func TestSampleIndexRoundTrip(t *testing.T) {
	type sample struct {
		duration int32
		bytes    int32
		isKey    bool
	}
	samples := []sample{
		{duration: 3000, bytes: 12000, isKey: true},
		{duration: 3000, bytes: 500, isKey: false},
		{duration: 3000, bytes: 480, isKey: false},
		{duration: 2999, bytes: 530, isKey: false},
		{duration: 3000, bytes: 11000, isKey: true},
		{duration: 0, bytes: 10, isKey: false},
	}

	enc := NewSampleIndexEncoder()
	for _, s := range samples {
		enc.AddSample(s.duration, s.bytes, s.isKey)
	}
	if got := enc.Len(); got != len(samples) {
		t.Fatalf("Len() = %d, want %d", got, len(samples))
	}

	it := NewSampleIndexIterator(enc.Bytes())
	var wantStart, wantOffset int64
	for i, s := range samples {
		got, ok, err := it.Next()
		if err != nil {
			t.Fatalf("sample %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("sample %d: iterator ended early", i)
		}
		if got.DurationTicks != s.duration || got.Bytes != s.bytes || got.IsKey != s.isKey {
			t.Errorf("sample %d = %+v, want duration=%d bytes=%d isKey=%v", i, got, s.duration, s.bytes, s.isKey)
		}
		if got.StartTicks != wantStart {
			t.Errorf("sample %d StartTicks = %d, want %d", i, got.StartTicks, wantStart)
		}
		if got.FileOffset != wantOffset {
			t.Errorf("sample %d FileOffset = %d, want %d", i, got.FileOffset, wantOffset)
		}
		wantStart += int64(s.duration)
		wantOffset += int64(s.bytes)
	}

	if _, ok, err := it.Next(); ok || err != nil {
		t.Errorf("expected iterator exhausted, got ok=%v err=%v", ok, err)
	}
}

func TestSampleIndexEmptyIsEmpty(t *testing.T) {
	enc := NewSampleIndexEncoder()
	if got := len(enc.Bytes()); got != 0 {
		t.Fatalf("Bytes() len = %d, want 0", got)
	}
	it := NewSampleIndexIterator(enc.Bytes())
	if _, ok, err := it.Next(); ok || err != nil {
		t.Errorf("Next() on empty index = ok=%v err=%v, want false, nil", ok, err)
	}
}

func TestSampleIndexTruncatedIsError(t *testing.T) {
	enc := NewSampleIndexEncoder()
	enc.AddSample(3000, 12000, true)
	enc.AddSample(3000, 500, false)
	full := enc.Bytes()

	it := NewSampleIndexIterator(full[:len(full)-1])
	if _, ok, err := it.Next(); !ok || err != nil {
		t.Fatalf("first sample: ok=%v err=%v, want true, nil", ok, err)
	}
	if _, ok, err := it.Next(); ok || err == nil {
		t.Errorf("truncated second sample: ok=%v err=%v, want false, non-nil", ok, err)
	}
}

func TestZigzagRoundTrip(t *testing.T) {
	for _, n := range []int64{0, 1, -1, 2, -2, 1 << 30, -(1 << 30), 1 << 40, -(1 << 40)} {
		if got := zigzagDecode(zigzagEncode(n)); got != n {
			t.Errorf("zigzagDecode(zigzagEncode(%d)) = %d", n, got)
		}
	}
}
