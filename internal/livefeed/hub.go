// Package livefeed fans out newly durable recording segments to live
// viewers. The (out-of-scope) HTTP layer subscribes per stream, receives a
// LiveSegment each time the syncer has fsynced a finished recording and
// marked it synced (before the database flush commits it), builds a MediaSegment
// mp4 from it (internal/mp4), and pushes that over a WebSocket. This core
// only does the fan-out.
package livefeed

import (
	"sync"

	"github.com/moonfire-go/nvrcore/internal/moontime"
)

// LiveSegment announces newly durable media on one stream: the recording it
// lives in and the media-time range within that recording that is now safe
// to serve.
type LiveSegment struct {
	StreamID      int32
	Recording     moontime.CompositeId
	MediaOffStart moontime.Duration
	MediaOffEnd   moontime.Duration
}

// Hub is a per-process registry of live-segment subscribers, keyed by
// stream. Publishing never blocks: a subscriber that can't keep up has
// segments dropped rather than stalling the syncer that publishes them.
type Hub struct {
	mu   sync.Mutex
	subs map[int32]map[chan LiveSegment]struct{}
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int32]map[chan LiveSegment]struct{})}
}

// Subscribe registers for streamID's live segments. The returned channel is
// buffered; if the subscriber falls more than bufferedSegments behind,
// newer segments are dropped for it. Call the returned cancel function to
// unregister (e.g. when the WebSocket peer disconnects).
func (h *Hub) Subscribe(streamID int32) (<-chan LiveSegment, func()) {
	ch := make(chan LiveSegment, bufferedSegments)
	h.mu.Lock()
	m := h.subs[streamID]
	if m == nil {
		m = make(map[chan LiveSegment]struct{})
		h.subs[streamID] = m
	}
	m[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if m, ok := h.subs[streamID]; ok {
			delete(m, ch)
			if len(m) == 0 {
				delete(h.subs, streamID)
			}
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// bufferedSegments is how far behind a subscriber may fall before segments
// are dropped for it. Live view only cares about recency, so a small buffer
// is enough.
const bufferedSegments = 8

// Publish delivers seg to every current subscriber of seg.StreamID,
// skipping any whose buffer is full.
func (h *Hub) Publish(seg LiveSegment) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[seg.StreamID] {
		select {
		case ch <- seg:
		default:
		}
	}
}

// SubscriberCount reports how many subscribers streamID currently has, for
// a status endpoint.
func (h *Hub) SubscriberCount(streamID int32) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[streamID])
}
