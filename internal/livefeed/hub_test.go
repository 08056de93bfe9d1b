package livefeed

import (
	"testing"

	"github.com/moonfire-go/nvrcore/internal/moontime"
)

func TestPublishReachesSubscribers(t *testing.T) {
	h := NewHub()
	ch1, cancel1 := h.Subscribe(1)
	defer cancel1()
	ch2, cancel2 := h.Subscribe(1)
	defer cancel2()
	chOther, cancelOther := h.Subscribe(2)
	defer cancelOther()

	seg := LiveSegment{
		StreamID:    1,
		Recording:   moontime.NewCompositeId(1, 0),
		MediaOffEnd: 90000,
	}
	h.Publish(seg)

	for _, ch := range []<-chan LiveSegment{ch1, ch2} {
		select {
		case got := <-ch:
			if got != seg {
				t.Errorf("got %+v, want %+v", got, seg)
			}
		default:
			t.Error("subscriber did not receive segment")
		}
	}
	select {
	case got := <-chOther:
		t.Errorf("stream 2 subscriber received stream 1 segment %+v", got)
	default:
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe(1)
	defer cancel()

	// Publish more than the buffer holds; extras must be dropped, not
	// deadlock the publisher.
	for i := 0; i < bufferedSegments*2; i++ {
		h.Publish(LiveSegment{StreamID: 1, Recording: moontime.NewCompositeId(1, int32(i))})
	}
	if got := len(ch); got != bufferedSegments {
		t.Errorf("expected exactly %d buffered segments, got %d", bufferedSegments, got)
	}
}

func TestCancelUnregisters(t *testing.T) {
	h := NewHub()
	_, cancel := h.Subscribe(7)
	if got := h.SubscriberCount(7); got != 1 {
		t.Fatalf("expected 1 subscriber, got %d", got)
	}
	cancel()
	if got := h.SubscriberCount(7); got != 0 {
		t.Errorf("expected 0 subscribers after cancel, got %d", got)
	}
}
