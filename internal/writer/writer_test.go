package writer

import (
	"path/filepath"
	"testing"
	"time"

	"lukechampine.com/blake3"

	"github.com/moonfire-go/nvrcore/internal/logger"
	"github.com/moonfire-go/nvrcore/internal/merr"
	"github.com/moonfire-go/nvrcore/internal/metadb"
	"github.com/moonfire-go/nvrcore/internal/moontime"
	"github.com/moonfire-go/nvrcore/internal/recording"
	"github.com/moonfire-go/nvrcore/internal/sampledir"
	"github.com/moonfire-go/nvrcore/internal/syncer"
)

type harness struct {
	db       *metadb.DB
	dir      *sampledir.Dir
	sy       *syncer.Syncer
	streamID int32
	openID   int64
	shutdown chan struct{}
	entry    recording.VideoSampleEntry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	clock := moontime.NewSimulated(moontime.Time(1430006400 * moontime.TicksPerSecond))
	log := logger.NewLogger()

	db, err := metadb.Open(filepath.Join(root, "nvr.db"), clock)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	camID, err := db.AddCamera("cam", "")
	if err != nil {
		t.Fatalf("add camera: %v", err)
	}
	streamID, err := db.AddStream(camID, "main", true, 1<<40)
	if err != nil {
		t.Fatalf("add stream: %v", err)
	}

	sdPath := filepath.Join(root, "samples")
	sd, err := sampledir.Create(sdPath, db.UUID())
	if err != nil {
		t.Fatalf("create sampledir: %v", err)
	}
	dirID, err := db.AddSampleFileDir(sdPath, sd.DirUUID())
	if err != nil {
		t.Fatalf("add sample_file_dir: %v", err)
	}
	if err := db.SetStreamSampleFileDir(streamID, dirID); err != nil {
		t.Fatalf("set stream dir: %v", err)
	}

	open, err := db.StartOpen()
	if err != nil {
		t.Fatalf("start open: %v", err)
	}

	data := []byte{0x01, 0x02, 0x03, 0x04}
	h := blake3.New(32, nil)
	h.Write(data)
	var digest [32]byte
	copy(digest[:], h.Sum(nil))
	entry := recording.VideoSampleEntry{Width: 1920, Height: 1080, RFC6381Codec: "avc1.4d0029", Data: data, Blake3: digest}
	entryID, err := db.AddVideoSampleEntry(entry)
	if err != nil {
		t.Fatalf("add video sample entry: %v", err)
	}
	entry.ID = entryID

	shutdown := make(chan struct{})
	sy := syncer.New(sd, dirID, db, clock, log, func(int32) time.Duration { return 60 * time.Second }, shutdown)
	go sy.Run()
	t.Cleanup(func() { close(shutdown) })

	return &harness{db: db, dir: sd, sy: sy, streamID: streamID, openID: open.ID, shutdown: shutdown, entry: entry}
}

// TestWriterBasicLifecycle: write one recording,
// close it, and confirm it's visible once synced.
func TestWriterBasicLifecycle(t *testing.T) {
	h := newHarness(t)
	w := New(h.db, h.dir, h.sy, moontime.NewSimulated(0), logger.NewLogger(), h.streamID, h.openID, h.shutdown)

	start := moontime.Time(1430006400 * moontime.TicksPerSecond)
	if err := w.Write(Frame{Bytes: []byte{1, 2, 3}, LocalTime: start, PTS90k: 0, IsKey: true}, h.entry, false); err != nil {
		t.Fatalf("write 1: %v", err)
	}
	if err := w.Write(Frame{Bytes: []byte{4, 5}, LocalTime: start.Add(3000), PTS90k: 3000, IsKey: false}, h.entry, false); err != nil {
		t.Fatalf("write 2: %v", err)
	}
	if err := w.Close(recording.EndReasonStop); err != nil {
		t.Fatalf("close: %v", err)
	}

	h.sy.Flush("test barrier")

	recs, err := h.db.ListRecordingsByTime(h.streamID, 0, moontime.Time(1<<62))
	if err != nil {
		t.Fatalf("list recordings: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 recording, got %d", len(recs))
	}
	r := recs[0]
	if r.VideoSamples != 2 {
		t.Errorf("expected 2 video samples, got %d", r.VideoSamples)
	}
	if r.SampleFileBytes != 5 {
		t.Errorf("expected 5 sample file bytes, got %d", r.SampleFileBytes)
	}
	if r.Flags&recording.FlagUncommitted != 0 {
		t.Errorf("expected recording to be committed after the flush barrier")
	}
}

// TestWriterNonMonotonicPTS: a non-increasing pts
// poisons the writer but still persists the prior frame with zero
// duration.
func TestWriterNonMonotonicPTS(t *testing.T) {
	h := newHarness(t)
	w := New(h.db, h.dir, h.sy, moontime.NewSimulated(0), logger.NewLogger(), h.streamID, h.openID, h.shutdown)

	start := moontime.Time(1430006400 * moontime.TicksPerSecond)
	if err := w.Write(Frame{Bytes: []byte{1}, LocalTime: start, PTS90k: 1000, IsKey: true}, h.entry, false); err != nil {
		t.Fatalf("write 1: %v", err)
	}
	err := w.Write(Frame{Bytes: []byte{2}, LocalTime: start, PTS90k: 1000, IsKey: false}, h.entry, false)
	if err == nil {
		t.Fatal("expected error for non-monotonic pts")
	}
	if !merr.Is(err, merr.InvalidArgument) {
		t.Errorf("expected InvalidArgument, got %v", err)
	}

	// The writer is poisoned; further writes must fail without touching
	// state.
	err = w.Write(Frame{Bytes: []byte{3}, LocalTime: start, PTS90k: 2000, IsKey: true}, h.entry, false)
	if !merr.Is(err, merr.FailedPrecondition) {
		t.Errorf("expected FailedPrecondition after poisoning, got %v", err)
	}

	h.sy.Flush("test barrier")

	recs, err := h.db.ListRecordingsByTime(h.streamID, 0, moontime.Time(1<<62))
	if err != nil {
		t.Fatalf("list recordings: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 recording persisted with the trailing-zero frame, got %d", len(recs))
	}
	if recs[0].VideoSamples != 1 {
		t.Errorf("expected 1 video sample, got %d", recs[0].VideoSamples)
	}
	if recs[0].EndReason != recording.EndReasonDrop {
		t.Errorf("expected EndReasonDrop, got %v", recs[0].EndReason)
	}
}

// TestWriterRotationChain: several rotated
// recordings of one run stay contiguous — run_offset counts up, each
// recording starts exactly where the previous one ended, and the total wall
// duration equals (frames-1) frame durations plus the trailing zero.
func TestWriterRotationChain(t *testing.T) {
	h := newHarness(t)
	w := New(h.db, h.dir, h.sy, moontime.NewSimulated(0), logger.NewLogger(), h.streamID, h.openID, h.shutdown)

	const (
		frameDur     = 3000 // 30 fps
		framesPerRec = 100
		recordings   = 5
		totalFrames  = framesPerRec * recordings
	)
	start := moontime.Time(1430006400 * moontime.TicksPerSecond)
	for i := 0; i < totalFrames; i++ {
		pts := int64(i) * frameDur
		// Rotate at each recording boundary (the caller-driven policy the
		// write contract expects), on what would be a key frame.
		rotate := i > 0 && i%framesPerRec == 0
		frame := Frame{
			Bytes:     []byte{byte(i)},
			LocalTime: start.Add(moontime.Duration(pts + frameDur)),
			PTS90k:    pts,
			IsKey:     i%framesPerRec == 0,
		}
		if err := w.Write(frame, h.entry, rotate); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if err := w.Close(recording.EndReasonStop); err != nil {
		t.Fatalf("close: %v", err)
	}
	h.sy.Flush("test barrier")

	recs, err := h.db.ListRecordingsByID(h.streamID, 0, 1<<30)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != recordings {
		t.Fatalf("expected %d recordings, got %d", recordings, len(recs))
	}

	var totalWall moontime.Duration
	for i, r := range recs {
		totalWall += r.WallDuration
		if r.RunOffset != int32(i) {
			t.Errorf("recording %d: run_offset %d, want %d", i, r.RunOffset, i)
		}
		if r.VideoSamples != framesPerRec {
			t.Errorf("recording %d: %d samples, want %d", i, r.VideoSamples, framesPerRec)
		}
		if i > 0 {
			wantStart := recs[i-1].Start.Add(recs[i-1].WallDuration)
			if r.Start != wantStart {
				t.Errorf("recording %d: start %d, want %d (previous end)", i, r.Start, wantStart)
			}
		}
	}
	want := moontime.Duration((totalFrames - 1) * frameDur)
	if totalWall != want {
		t.Errorf("total wall duration %d, want %d", totalWall, want)
	}
}
