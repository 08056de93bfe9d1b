package moontime

import "testing"

func TestCompositeIdRoundTrip(t *testing.T) {
	cases := []struct {
		stream, recording int32
	}{
		{0, 0},
		{1, 0},
		{1, 239},
		{0x7fffffff, 0x7fffffff},
	}
	for _, c := range cases {
		id := NewCompositeId(c.stream, c.recording)
		if got := id.StreamID(); got != c.stream {
			t.Errorf("StreamID() = %d, want %d", got, c.stream)
		}
		if got := id.RecordingID(); got != c.recording {
			t.Errorf("RecordingID() = %d, want %d", got, c.recording)
		}
		s := id.String()
		if len(s) != 16 {
			t.Fatalf("String() = %q, want 16 hex digits", s)
		}
		parsed, ok := ParseCompositeId(s)
		if !ok || parsed != id {
			t.Errorf("ParseCompositeId(%q) = %v, %v, want %v, true", s, parsed, ok, id)
		}
	}
}

func TestParseCompositeIdRejectsBadInput(t *testing.T) {
	for _, s := range []string{"", "short", "0123456789abcdeZ", "0123456789abcde"} {
		if _, ok := ParseCompositeId(s); ok {
			t.Errorf("ParseCompositeId(%q) unexpectedly succeeded", s)
		}
	}
}

func TestDurationSeconds(t *testing.T) {
	d := Duration(TicksPerSecond * 90)
	if got := d.Seconds(); got != 90 {
		t.Errorf("Seconds() = %v, want 90", got)
	}
}
