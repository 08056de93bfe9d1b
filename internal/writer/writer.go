// Package writer implements the per-stream recording writer: the only
// component that mutates a growing recording. One Writer is created per
// active stream, receives frames from an internal/streamsource
// collaborator, and hands each finished recording off to an
// internal/syncer for durable persistence.
package writer

import (
	"fmt"
	"os"
	"sync"

	"lukechampine.com/blake3"

	"github.com/moonfire-go/nvrcore/internal/logger"
	"github.com/moonfire-go/nvrcore/internal/merr"
	"github.com/moonfire-go/nvrcore/internal/metadb"
	"github.com/moonfire-go/nvrcore/internal/moontime"
	"github.com/moonfire-go/nvrcore/internal/recording"
	"github.com/moonfire-go/nvrcore/internal/sampledir"
	"github.com/moonfire-go/nvrcore/internal/syncer"
)

// pendingSample is the one frame a Writer always holds back: its duration
// isn't known until the next frame's pts arrives.
type pendingSample struct {
	bytes []byte
	pts   int64
	isKey bool
}

// Writer owns one stream's in-progress recording. It is not safe for
// concurrent use by more than one caller at a time pushing frames, but
// Close may race a concurrent Write as part of shutdown, so both paths
// take the same mutex: close races against shutdown.
type Writer struct {
	db       *metadb.DB
	dir      *sampledir.Dir
	syncer   *syncer.Syncer
	clock    moontime.Clocks
	log      *logger.Logger
	streamID int32
	openID   int64
	shutdown <-chan struct{}

	mu sync.Mutex

	// Per-recording state, valid only while a recording is open (file !=
	// nil).
	file               *os.File
	id                 moontime.CompositeId
	handle             *metadb.RecordingHandle
	encoder            *recording.SampleIndexEncoder
	hasher             hasher
	videoSamples       int32
	videoSyncSamples   int32
	sampleFileBytes    int32
	accumulatedMedia   moontime.Duration
	trailingZero       bool
	videoSampleEntryID int64
	adjuster           *ClockAdjuster

	// Run/anchor state, valid across recordings within a run.
	runOffset                 int32
	start                     moontime.Time
	localStart                moontime.Time
	prevMediaDuration         moontime.Duration
	prevRuns                  int32
	lastDelta                 moontime.Duration
	prevRecordingWallDuration moontime.Duration

	unflushed *pendingSample
	poisoned  bool
}

// hasher is the subset of hash.Hash this package needs; narrowed so tests
// can swap in a trivial fake without pulling in blake3.
type hasher interface {
	Write(p []byte) (int, error)
	Sum(b []byte) []byte
}

// New constructs a Writer for one stream. The first call to Write opens
// the first recording of a new run. shutdown is sampled by retry-forever
// loops on sample writes so a stuck camera doesn't block process shutdown
// indefinitely.
func New(db *metadb.DB, dir *sampledir.Dir, sync *syncer.Syncer, clock moontime.Clocks, log *logger.Logger, streamID int32, openID int64, shutdown <-chan struct{}) *Writer {
	return &Writer{
		db:       db,
		dir:      dir,
		syncer:   sync,
		clock:    clock,
		log:      log,
		streamID: streamID,
		openID:   openID,
		shutdown: shutdown,
	}
}

// Frame is one decoded sample handed to Write by a streamsource.Source.
// Declared locally (rather than imported from internal/streamsource) so
// this package has no dependency on the RTSP adapter; internal/streamsource
// builds values shaped exactly like this one.
type Frame struct {
	Bytes     []byte
	LocalTime moontime.Time
	PTS90k    int64
	IsKey     bool
}

// Write ingests one frame. entry identifies the codec
// parameters in effect for this frame; a change from the previous frame's
// entry forces rotation, as does rotateNow (set by the caller when it has
// independently decided this frame should start a new recording, e.g. a
// duration cap it tracks itself).
func (w *Writer) Write(frame Frame, entry recording.VideoSampleEntry, rotateNow bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.poisoned {
		return merr.New(merr.FailedPrecondition, "writer for stream %d is poisoned; close and reopen", w.streamID)
	}

	if w.file == nil {
		if err := w.startRecordingLocked(entry); err != nil {
			return err
		}
	}

	if w.unflushed != nil {
		duration := frame.PTS90k - w.unflushed.pts
		if duration <= 0 {
			// The previous frame's duration can never be known now; store
			// it with zero duration and end the run here.
			w.appendSampleLocked(w.unflushed.bytes, 0, w.unflushed.isKey, true)
			w.finishRecordingLocked(recording.EndReasonDrop)
			w.poisoned = true
			return merr.New(merr.InvalidArgument,
				"pts not monotonically increasing for stream %d (prev=%d new=%d)", w.streamID, w.unflushed.pts, frame.PTS90k)
		}

		if w.accumulatedMedia+moontime.Duration(duration) > recording.MaxWallDuration {
			return merr.New(merr.OutOfRange,
				"stream %d: recording would exceed %.0fs cap; caller must rotate before this write", w.streamID, recording.MaxWallDuration.Seconds())
		}

		adjusted := w.adjuster.Adjust(int32(duration))
		w.appendSampleLocked(w.unflushed.bytes, adjusted, w.unflushed.isKey, false)

		entryChanged := w.videoSampleEntryID != 0 && entry.ID != w.videoSampleEntryID
		if rotateNow || entryChanged {
			w.finishRecordingLocked(recording.EndReasonRotation)
			if err := w.startRecordingLocked(entry); err != nil {
				return err
			}
		}
	}

	w.unflushed = &pendingSample{bytes: frame.Bytes, pts: frame.PTS90k, isKey: frame.IsKey}
	w.recordAnchorCandidateLocked(frame.LocalTime)
	return nil
}

// recordAnchorCandidateLocked tracks local_start: the minimum observed
// "frame local time minus accumulated media duration" across the
// recording's lifetime.
func (w *Writer) recordAnchorCandidateLocked(localTime moontime.Time) {
	candidate := localTime.Add(-w.accumulatedMedia)
	if w.runOffset == 0 && w.videoSamples == 0 {
		w.localStart = candidate
		w.start = w.localStart
		return
	}
	if candidate < w.localStart {
		w.localStart = candidate
	}
}

// Close finalizes any in-progress recording with reason and hands it to
// the syncer. There is no implicit close: a Writer that is discarded
// without Close leaves its current recording unfinished, and that recording
// is never handed to the syncer.
func (w *Writer) Close(reason recording.EndReason) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.poisoned || w.file == nil {
		return nil
	}
	if w.unflushed != nil {
		w.appendSampleLocked(w.unflushed.bytes, 0, w.unflushed.isKey, true)
		w.unflushed = nil
	}
	w.finishRecordingLocked(reason)
	return nil
}

func (w *Writer) startRecordingLocked(entry recording.VideoSampleEntry) error {
	id, handle, err := w.db.AddRecording(w.streamID)
	if err != nil {
		return fmt.Errorf("writer: add recording for stream %d: %w", w.streamID, err)
	}
	f, err := w.dir.CreateFile(id)
	if err != nil {
		return fmt.Errorf("writer: create sample file for %s: %w", id, err)
	}

	w.file = f
	w.id = id
	w.handle = handle
	w.encoder = recording.NewSampleIndexEncoder()
	w.hasher = blake3.New(32, nil)
	w.videoSamples = 0
	w.videoSyncSamples = 0
	w.sampleFileBytes = 0
	w.accumulatedMedia = 0
	w.trailingZero = false
	w.videoSampleEntryID = entry.ID
	w.adjuster = NewClockAdjuster(w.lastDelta)

	if w.runOffset > 0 {
		// Continuing a run: anchor to the previous recording's end so each
		// recording starts exactly where its predecessor stopped.
		w.start = w.start.Add(w.prevRecordingWallDuration)
		w.localStart = w.start
	}
	return nil
}

func (w *Writer) appendSampleLocked(sampleBytes []byte, durationTicks int32, isKey bool, trailingZero bool) {
	sampledir.RetryForever(w.clock, w.log, w.shutdown, "write sample", func() error {
		_, err := w.file.Write(sampleBytes)
		return err
	})
	w.hasher.Write(sampleBytes)
	w.encoder.AddSample(durationTicks, int32(len(sampleBytes)), isKey)
	w.videoSamples++
	if isKey {
		w.videoSyncSamples++
	}
	w.sampleFileBytes += int32(len(sampleBytes))
	w.accumulatedMedia += moontime.Duration(durationTicks)
	if trailingZero {
		w.trailingZero = true
	}
}

func (w *Writer) finishRecordingLocked(reason recording.EndReason) {
	mediaDuration := w.accumulatedMedia
	delta := w.localStart.Sub(w.start)
	limit := moontime.Duration(int64(mediaDuration) / 2000)
	if limit < 1 {
		limit = 1
	}
	if delta > limit {
		delta = limit
	} else if delta < -limit {
		delta = -limit
	}
	wallDuration := mediaDuration + delta
	if wallDuration > recording.MaxWallDuration {
		wallDuration = recording.MaxWallDuration
	}
	if wallDuration < 0 {
		wallDuration = 0
	}

	flags := int32(0)
	if w.trailingZero {
		flags |= recording.FlagTrailingZero
	}

	var digest [32]byte
	copy(digest[:], w.hasher.Sum(nil))

	insert := recording.RecordingToInsert{
		OpenID:             w.openID,
		RunOffset:          w.runOffset,
		Flags:              flags,
		Start:              w.start,
		WallDuration:       wallDuration,
		MediaDuration:      mediaDuration,
		VideoSamples:       w.videoSamples,
		VideoSyncSamples:   w.videoSyncSamples,
		SampleFileBytes:    w.sampleFileBytes,
		VideoSampleEntryID: w.videoSampleEntryID,
		PrevMediaDuration:  w.prevMediaDuration,
		PrevRuns:           w.prevRuns,
		EndReason:          reason,
		SampleFileBlake3:   digest,
		SampleIndex:        w.encoder.Bytes(),
	}

	w.prevRecordingWallDuration = wallDuration
	w.prevMediaDuration += mediaDuration
	w.prevRuns++
	w.lastDelta = delta

	// The recording's final row goes to the metadata store through the
	// handle; the syncer then makes the sample file durable and advances
	// the flush watermark past it.
	w.handle.Close(insert)
	w.syncer.AsyncSaveRecording(w.streamID, w.id, w.file, mediaDuration)

	if reason == recording.EndReasonRotation {
		w.runOffset++
	} else {
		// The run ends here; the next Write starts a fresh run anchored
		// to its own first frame.
		w.runOffset = 0
		w.start = 0
		w.localStart = 0
	}

	w.file = nil
	w.id = 0
	w.handle = nil
	w.encoder = nil
	w.hasher = nil
}
