package metadb

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/moonfire-go/nvrcore/internal/moontime"
	"github.com/moonfire-go/nvrcore/internal/recording"
)

const testStart = moontime.Time(1430006400 * moontime.TicksPerSecond)

type harness struct {
	t        *testing.T
	path     string
	clock    moontime.Clocks
	db       *DB
	streamID int32
	entryID  int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		path:  filepath.Join(t.TempDir(), "nvr.db"),
		clock: moontime.NewSimulated(testStart),
	}
	db, err := Open(h.path, h.clock)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	h.db = db

	camID, err := db.AddCamera("cam", "test camera")
	require.NoError(t, err)
	h.streamID, err = db.AddStream(camID, "main", true, 42)
	require.NoError(t, err)

	dirID, err := db.AddSampleFileDir(filepath.Join(filepath.Dir(h.path), "samples"), [16]byte{9})
	require.NoError(t, err)
	require.NoError(t, db.SetStreamSampleFileDir(h.streamID, dirID))

	h.entryID, err = db.AddVideoSampleEntry(recording.VideoSampleEntry{
		Width: 1920, Height: 1080, RFC6381Codec: "avc1.4d0029",
		Data: []byte("sample entry"), Blake3: [32]byte{1},
	})
	require.NoError(t, err)
	return h
}

// addRecording walks one recording through the full lifecycle: reserve the
// id, close the row through the handle, advance the watermark, and flush
// so it's committed.
func (h *harness) addRecording(start moontime.Time, dur moontime.Duration, bytes int32, endReason recording.EndReason, runOffset int32) moontime.CompositeId {
	h.t.Helper()
	id, handle, err := h.db.AddRecording(h.streamID)
	require.NoError(h.t, err)
	handle.Close(recording.RecordingToInsert{
		OpenID: 1, RunOffset: runOffset, Start: start, WallDuration: dur, MediaDuration: dur,
		VideoSamples: 1, VideoSyncSamples: 1, SampleFileBytes: bytes,
		VideoSampleEntryID: h.entryID, EndReason: endReason,
		SampleFileBlake3: [32]byte{2}, SampleIndex: []byte{0x02, 0x54},
	})
	require.NoError(h.t, h.db.MarkSynced(id))
	require.NoError(h.t, h.db.Flush("test add"))
	return id
}

// TestBasicLifecycleRoundTrip: one recording's fields
// survive a flush, a process restart, and deletion moves it to garbage.
func TestBasicLifecycleRoundTrip(t *testing.T) {
	h := newHarness(t)
	id := h.addRecording(testStart, 90000, 42, recording.EndReasonStop, 0)

	check := func(db *DB) {
		recs, err := db.ListRecordingsByTime(h.streamID, 0, moontime.Time(1<<62))
		require.NoError(t, err)
		require.Len(t, recs, 1)
		r := recs[0]
		require.Equal(t, id, r.ID)
		require.Equal(t, testStart, r.Start)
		require.Equal(t, moontime.Duration(90000), r.WallDuration)
		require.Equal(t, int32(42), r.SampleFileBytes)
		require.Zero(t, r.Flags&recording.FlagUncommitted)

		e, err := db.VideoSampleEntryByID(r.VideoSampleEntryID)
		require.NoError(t, err)
		require.Equal(t, "avc1.4d0029", e.RFC6381Codec)
		require.Equal(t, uint16(1920), e.Width)

		require.NoError(t, db.WithRecordingPlayback(id, func(index []byte) error {
			require.Equal(t, []byte{0x02, 0x54}, index)
			return nil
		}))
	}
	check(h.db)

	// A fresh process sees the same state.
	db2, err := Open(h.path, h.clock)
	require.NoError(t, err)
	defer db2.Close()
	check(db2)

	// Deletion queues the blob; the row survives until the next flush
	// atomically removes it and inserts the garbage row.
	ids, err := h.db.DeleteOldestRecordings(h.streamID, 1)
	require.NoError(t, err)
	require.Equal(t, []moontime.CompositeId{id}, ids)

	stillThere, err := h.db.ListRecordingsByTime(h.streamID, 0, moontime.Time(1<<62))
	require.NoError(t, err)
	require.Len(t, stillThere, 1)

	require.NoError(t, h.db.Flush("test delete"))
	remaining, err := h.db.ListRecordingsByTime(h.streamID, 0, moontime.Time(1<<62))
	require.NoError(t, err)
	require.Empty(t, remaining)
}

// TestAggregationForcedSplit: five consecutive 30 s
// recordings of one run, forced split 90 s, yield a 3-recording aggregate
// and a 2-recording aggregate.
func TestAggregationForcedSplit(t *testing.T) {
	h := newHarness(t)
	const thirtySec = moontime.Duration(30 * moontime.TicksPerSecond)
	start := testStart
	for i := 0; i < 5; i++ {
		reason := recording.EndReasonRotation
		if i == 4 {
			reason = recording.EndReasonStop
		}
		h.addRecording(start, thirtySec, 100, reason, int32(i))
		start = start.Add(thirtySec)
	}

	runs, err := h.db.ListAggregatedRecordings(h.streamID, 0, moontime.Time(1<<62), 90*moontime.TicksPerSecond)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, 3, runs[0].Recordings)
	require.Equal(t, 3*thirtySec, runs[0].WallDuration)
	require.Equal(t, 2, runs[1].Recordings)
	require.Equal(t, 2*thirtySec, runs[1].WallDuration)
	require.Equal(t, runs[0].Start.Add(3*thirtySec), runs[1].Start)

	// Without a forced split the whole run is one row.
	runs, err = h.db.ListAggregatedRecordings(h.streamID, 0, moontime.Time(1<<62), 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, 5, runs[0].Recordings)
}

// TestDeletionsAreAPrefix: whatever sequence
// of byte targets retention asks for, the surviving recordings form a
// contiguous id range ending at the newest.
func TestDeletionsAreAPrefix(t *testing.T) {
	h := newHarness(t)
	start := testStart
	var all []moontime.CompositeId
	for i := 0; i < 6; i++ {
		all = append(all, h.addRecording(start, 90000, 100, recording.EndReasonRotation, int32(i)))
		start = start.Add(90000)
	}

	for _, target := range []int64{150, 1, 250} {
		_, err := h.db.DeleteOldestRecordings(h.streamID, target)
		require.NoError(t, err)
		require.NoError(t, h.db.Flush("test delete"))

		recs, err := h.db.ListRecordingsByID(h.streamID, 0, 1<<30)
		require.NoError(t, err)
		for i := 1; i < len(recs); i++ {
			require.Equal(t, recs[i-1].ID.RecordingID()+1, recs[i].ID.RecordingID(),
				"hole in surviving recordings after target %d", target)
		}
		if len(recs) > 0 {
			require.Equal(t, all[len(all)-1], recs[len(recs)-1].ID, "newest recording deleted first")
		}
	}
}

// TestListRecordingsByTimeOverlap checks interval overlap semantics: a
// query range touching any part of a recording returns it.
func TestListRecordingsByTimeOverlap(t *testing.T) {
	h := newHarness(t)
	h.addRecording(testStart, 90000, 10, recording.EndReasonStop, 0)

	for _, tc := range []struct {
		name       string
		start, end moontime.Time
		want       int
	}{
		{"exact", testStart, testStart.Add(90000), 1},
		{"overlap head", testStart.Add(-100), testStart.Add(1), 1},
		{"overlap tail", testStart.Add(89999), testStart.Add(1 << 40), 1},
		{"before", 0, testStart, 0},
		{"after", testStart.Add(90000), testStart.Add(1 << 40), 0},
	} {
		recs, err := h.db.ListRecordingsByTime(h.streamID, tc.start, tc.end)
		require.NoError(t, err)
		require.Len(t, recs, tc.want, tc.name)
	}
}

// TestVideoSampleEntryDedup: the same parameter bytes registered twice get
// one row.
func TestVideoSampleEntryDedup(t *testing.T) {
	h := newHarness(t)
	again, err := h.db.AddVideoSampleEntry(recording.VideoSampleEntry{
		Width: 1920, Height: 1080, RFC6381Codec: "avc1.4d0029",
		Data: []byte("sample entry"), Blake3: [32]byte{1},
	})
	require.NoError(t, err)
	require.Equal(t, h.entryID, again)

	other, err := h.db.AddVideoSampleEntry(recording.VideoSampleEntry{
		Width: 640, Height: 480, RFC6381Codec: "avc1.42001e",
		Data: []byte("other entry"), Blake3: [32]byte{7},
	})
	require.NoError(t, err)
	require.NotEqual(t, h.entryID, other)
}

// TestFlushNotifiesWaiters: a blocked WaitForFlush wakes on the next Flush
// and sees its reason.
func TestFlushNotifiesWaiters(t *testing.T) {
	h := newHarness(t)
	done := make(chan string, 1)
	go func() { done <- h.db.WaitForFlush() }()

	// Give the waiter a moment to block, then flush; each retry wakes any
	// generation the waiter may have captured.
	for i := 0; i < 100; i++ {
		require.NoError(t, h.db.Flush("wake"))
		select {
		case reason := <-done:
			require.Equal(t, "wake", reason)
			return
		case <-time.After(time.Millisecond):
		}
	}
	t.Fatal("WaitForFlush never woke")
}

// addUncommitted reserves and closes a recording without syncing or
// flushing it.
func (h *harness) addUncommitted(start moontime.Time, bytes int32) (moontime.CompositeId, *RecordingHandle) {
	h.t.Helper()
	id, handle, err := h.db.AddRecording(h.streamID)
	require.NoError(h.t, err)
	handle.Close(recording.RecordingToInsert{
		OpenID: 1, Start: start, WallDuration: 90000, MediaDuration: 90000,
		VideoSamples: 1, VideoSyncSamples: 1, SampleFileBytes: bytes,
		VideoSampleEntryID: h.entryID, EndReason: recording.EndReasonStop,
		SampleIndex: []byte{0x02, 0x54},
	})
	return id, handle
}

// TestMarkSyncedGatesFlush: only recordings below the flush_ready
// watermark are persisted; the rest stay in RAM, visible as uncommitted,
// until their own MarkSynced and a later flush.
func TestMarkSyncedGatesFlush(t *testing.T) {
	h := newHarness(t)
	id1, _ := h.addUncommitted(testStart, 10)
	id2, _ := h.addUncommitted(testStart.Add(90000), 20)

	require.NoError(t, h.db.MarkSynced(id1))
	require.NoError(t, h.db.Flush("first"))

	recs, err := h.db.ListRecordingsByID(h.streamID, 0, 1<<30)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, id1, recs[0].ID)
	require.Zero(t, recs[0].Flags&recording.FlagUncommitted)
	require.Equal(t, id2, recs[1].ID)
	require.NotZero(t, recs[1].Flags&recording.FlagUncommitted)

	// A second flush without advancing the watermark changes nothing.
	require.NoError(t, h.db.Flush("no-op"))
	recs, err = h.db.ListRecordingsByID(h.streamID, 0, 1<<30)
	require.NoError(t, err)
	require.NotZero(t, recs[1].Flags&recording.FlagUncommitted)

	require.NoError(t, h.db.MarkSynced(id2))
	require.NoError(t, h.db.Flush("second"))
	recs, err = h.db.ListRecordingsByID(h.streamID, 0, 1<<30)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Zero(t, recs[1].Flags&recording.FlagUncommitted)
}

// TestMarkSyncedRejectsGrowing: the watermark can't pass a recording whose
// writer hasn't closed it.
func TestMarkSyncedRejectsGrowing(t *testing.T) {
	h := newHarness(t)
	id, handle, err := h.db.AddRecording(h.streamID)
	require.NoError(t, err)
	require.Error(t, h.db.MarkSynced(id))

	handle.Close(recording.RecordingToInsert{
		OpenID: 1, Start: testStart, WallDuration: 90000, MediaDuration: 90000,
		VideoSamples: 1, VideoSyncSamples: 1, SampleFileBytes: 1,
		VideoSampleEntryID: h.entryID, EndReason: recording.EndReasonStop,
		SampleIndex: []byte{0},
	})
	require.NoError(t, h.db.MarkSynced(id))
}

// TestFlushIsAtomicAcrossAddAndDelete: one flush carries both a pending
// addition and a queued deletion; neither is observable alone beforehand,
// both are observable together afterward.
func TestFlushIsAtomicAcrossAddAndDelete(t *testing.T) {
	h := newHarness(t)
	first := h.addRecording(testStart, 90000, 100, recording.EndReasonRotation, 0)
	h.addRecording(testStart.Add(90000), 90000, 100, recording.EndReasonRotation, 1)

	third, _ := h.addUncommitted(testStart.Add(180000), 100)
	require.NoError(t, h.db.MarkSynced(third))
	ids, err := h.db.DeleteOldestRecordings(h.streamID, 1)
	require.NoError(t, err)
	require.Equal(t, []moontime.CompositeId{first}, ids)

	// Before the flush: the deletion hasn't applied and the addition is
	// still uncommitted.
	recs, err := h.db.ListRecordingsByID(h.streamID, 0, 1<<30)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	require.Equal(t, first, recs[0].ID)
	require.NotZero(t, recs[2].Flags&recording.FlagUncommitted)

	require.NoError(t, h.db.Flush("atomic"))

	recs, err = h.db.ListRecordingsByID(h.streamID, 0, 1<<30)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.NotEqual(t, first, recs[0].ID)
	require.Equal(t, third, recs[1].ID)
	require.Zero(t, recs[1].Flags&recording.FlagUncommitted)
}

// TestUsageRoundsPerRecording: many small recordings each consume a whole
// filesystem block in the disk accounting; rounding an aggregate would
// miss that by orders of magnitude.
func TestUsageRoundsPerRecording(t *testing.T) {
	h := newHarness(t)
	const n = 10
	start := testStart
	for i := 0; i < n; i++ {
		h.addRecording(start, 90000, 100, recording.EndReasonRotation, int32(i))
		start = start.Add(90000)
	}

	u, err := h.db.Usage(h.streamID)
	require.NoError(t, err)
	require.Equal(t, int64(n*100), u.SampleFileBytes)
	require.Equal(t, int64(n*AssumedBlockSizeBytes), u.FSBytes)

	// A reopened database recomputes the same totals from SQLite.
	db2, err := Open(h.path, h.clock)
	require.NoError(t, err)
	defer db2.Close()
	u2, err := db2.Usage(h.streamID)
	require.NoError(t, err)
	require.Equal(t, u.FSBytes, u2.FSBytes)
}
