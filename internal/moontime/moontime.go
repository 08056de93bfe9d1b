// Package moontime implements the 90kHz fixed-rate time representation and
// composite stream/recording identifiers shared by every other package in
// this module.
package moontime

import (
	"fmt"
	"time"
)

// TicksPerSecond is the fixed sample-clock rate used for every timestamp in
// this module: 90,000 ticks/sec, the same rate H.264/RTP commonly use for
// video, which lets camera PTS values be stored without rescaling.
const TicksPerSecond = 90000

// Time is a moment in time, in 90kHz ticks since the Unix epoch. It is used
// both for wall-clock ("real") time and for a stream's media time; the two
// are distinct clocks that happen to share a unit.
type Time int64

// Duration is a signed span of time in 90kHz ticks.
type Duration int64

// FromGoTime converts a time.Time to a Time, truncating to the tick.
func FromGoTime(t time.Time) Time {
	return Time(t.Unix()*TicksPerSecond + int64(t.Nanosecond())*TicksPerSecond/int64(time.Second))
}

// ToGoTime converts back to a time.Time (with reduced precision: 90kHz ticks
// only, not full nanoseconds).
func (t Time) ToGoTime() time.Time {
	sec := int64(t) / TicksPerSecond
	rem := int64(t) % TicksPerSecond
	return time.Unix(sec, rem*int64(time.Second)/TicksPerSecond).UTC()
}

func (t Time) Add(d Duration) Time { return t + Time(d) }
func (t Time) Sub(o Time) Duration { return Duration(t - o) }

func (d Duration) Seconds() float64 { return float64(d) / TicksPerSecond }

// ToGoDuration converts a Duration to a time.Duration, used where a ticks
// value needs to feed a stdlib timer (e.g. internal/syncer's flush
// deadline).
func (d Duration) ToGoDuration() time.Duration {
	return time.Duration(d) * time.Second / TicksPerSecond
}

func (t Time) String() string {
	return fmt.Sprintf("%d/%d", int64(t), TicksPerSecond)
}

// Clocks abstracts over the wall clock and the monotonic clock so tests can
// supply a simulated implementation. The wall clock may jump (NTP step); the
// monotonic clock never does.
type Clocks interface {
	// Now returns the current wall-clock time.
	Now() Time
	// Monotonic returns a monotonic instant, used only for measuring
	// elapsed durations (e.g. retry backoff), never persisted.
	Monotonic() time.Time
	// Sleep blocks for d, or returns early if shutdown is signaled.
	Sleep(d time.Duration, shutdown <-chan struct{})
}

// RealClocks is the production Clocks implementation.
type RealClocks struct{}

func (RealClocks) Now() Time            { return FromGoTime(time.Now()) }
func (RealClocks) Monotonic() time.Time { return time.Now() }
func (RealClocks) Sleep(d time.Duration, shutdown <-chan struct{}) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-shutdown:
	}
}

// CompositeId is (stream_id << 32) | recording_id.
type CompositeId uint64

// NewCompositeId packs a stream id and recording id into a CompositeId.
func NewCompositeId(streamID int32, recordingID int32) CompositeId {
	return CompositeId(uint64(uint32(streamID))<<32 | uint64(uint32(recordingID)))
}

// StreamID returns the high 32 bits.
func (c CompositeId) StreamID() int32 { return int32(uint32(c >> 32)) }

// RecordingID returns the low 32 bits.
func (c CompositeId) RecordingID() int32 { return int32(uint32(c)) }

// String renders the 16-lowercase-hex-digit filename form used by
// internal/sampledir.
func (c CompositeId) String() string {
	return fmt.Sprintf("%016x", uint64(c))
}

// ParseCompositeId parses the 16-hex-digit filename form back into a
// CompositeId. Returns false if s isn't exactly 16 lowercase hex digits.
func ParseCompositeId(s string) (CompositeId, bool) {
	if len(s) != 16 {
		return 0, false
	}
	var v uint64
	for _, c := range s {
		v <<= 4
		switch {
		case c >= '0' && c <= '9':
			v |= uint64(c - '0')
		case c >= 'a' && c <= 'f':
			v |= uint64(c-'a') + 10
		default:
			return 0, false
		}
	}
	return CompositeId(v), true
}
