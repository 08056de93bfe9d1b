package metadb

import (
	"database/sql"
	"fmt"

	"github.com/moonfire-go/nvrcore/internal/merr"
	"github.com/moonfire-go/nvrcore/internal/moontime"
	"github.com/moonfire-go/nvrcore/internal/recording"
)

// AddVideoSampleEntry returns the id of the video sample entry matching
// entry.Blake3, inserting it first if this is the first recording to use
// it. Streams with unchanging camera parameters reuse the same entry across
// every recording in their history. Entries are tiny, immutable, and
// deduplicated, so they are written eagerly rather than batched into the
// flush: an entry row with no recordings referencing it yet is harmless.
func (db *DB) AddVideoSampleEntry(entry recording.VideoSampleEntry) (int64, error) {
	var id int64
	err := db.sqldb.QueryRow(`SELECT id FROM video_sample_entry WHERE blake3 = ?`, entry.Blake3[:]).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("metadb: lookup video_sample_entry: %w", err)
	}

	res, err := db.sqldb.Exec(
		`INSERT INTO video_sample_entry (width, height, rfc6381_codec, data, blake3) VALUES (?, ?, ?, ?, ?)`,
		entry.Width, entry.Height, entry.RFC6381Codec, entry.Data, entry.Blake3[:])
	if err != nil {
		return 0, fmt.Errorf("metadb: insert video_sample_entry: %w", err)
	}
	return res.LastInsertId()
}

// RecordingHandle is a writer's exclusive reference to one growing
// recording. The recording exists only in RAM until a flush commits it;
// Close fills in its final row and clears the growing state.
type RecordingHandle struct {
	db  *DB
	st  *streamState
	rec *recordingState
}

// ID returns the recording's composite id.
func (h *RecordingHandle) ID() moontime.CompositeId { return h.rec.id }

// Close records the recording's final row. After Close the writer must not
// touch the handle again; MarkSynced and the next flush take over.
func (h *RecordingHandle) Close(row recording.RecordingToInsert) {
	h.db.mu.Lock()
	defer h.db.mu.Unlock()
	h.rec.row = row
	h.rec.closed = true
}

// AddRecording reserves the next recording id for streamID and returns a
// handle to the new GROWING|UNCOMMITTED in-RAM recording. Nothing touches
// SQLite here: the row is written by the flush transaction that commits it,
// and a crash before then simply leaves an abandoned sample file for the
// startup scan to unlink.
func (db *DB) AddRecording(streamID int32) (moontime.CompositeId, *RecordingHandle, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	s, ok := db.streams[streamID]
	if !ok {
		return 0, nil, merr.New(merr.NotFound, "stream %d", streamID)
	}
	id := moontime.NewCompositeId(streamID, s.nextRecordingID())
	rec := &recordingState{id: id}
	s.recent = append(s.recent, rec)
	return id, &RecordingHandle{db: db, st: s, rec: rec}, nil
}

// MarkSynced advances the stream's flush_ready watermark past id: its
// sample file is durably on disk, so the next flush may persist it. Only
// recordings below the watermark are eligible; recordings above it (still
// growing, or closed but not yet fsynced) stay in RAM.
func (db *DB) MarkSynced(id moontime.CompositeId) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	s, ok := db.streams[id.StreamID()]
	if !ok {
		return merr.New(merr.NotFound, "stream %d", id.StreamID())
	}
	recID := id.RecordingID()
	if recID < s.cumRecordings || recID >= s.nextRecordingID() {
		return merr.New(merr.NotFound, "recording %s is not pending", id)
	}
	rec := s.recent[recID-s.cumRecordings]
	if !rec.closed {
		return merr.New(merr.FailedPrecondition, "recording %s is still growing", id)
	}
	if watermark := recID + 1; watermark > s.flushReady {
		s.flushReady = watermark
	}
	return nil
}

// RecordingSummary is a recording row without its sample index.
type RecordingSummary struct {
	ID                 moontime.CompositeId
	StreamID           int32
	OpenID             int64
	RunOffset          int32
	Flags              int32
	Start              moontime.Time
	WallDuration       moontime.Duration
	MediaDuration      moontime.Duration
	VideoSamples       int32
	VideoSyncSamples   int32
	SampleFileBytes    int32
	VideoSampleEntryID int64
	EndReason          recording.EndReason
}

const recordingSelectColumns = `composite_id, stream_id, open_id, run_offset, flags, start_time_90k,
	wall_duration_90k, media_duration_90k, video_samples, video_sync_samples,
	sample_file_bytes, video_sample_entry_id, end_reason`

func scanRecordingSummary(row interface {
	Scan(dest ...interface{}) error
}) (RecordingSummary, error) {
	var s RecordingSummary
	var compositeID int64
	var start, wall, media int64
	var endReason int
	err := row.Scan(&compositeID, &s.StreamID, &s.OpenID, &s.RunOffset, &s.Flags, &start,
		&wall, &media, &s.VideoSamples, &s.VideoSyncSamples,
		&s.SampleFileBytes, &s.VideoSampleEntryID, &endReason)
	if err != nil {
		return RecordingSummary{}, err
	}
	s.ID = moontime.CompositeId(compositeID)
	s.Start = moontime.Time(start)
	s.WallDuration = moontime.Duration(wall)
	s.MediaDuration = moontime.Duration(media)
	s.EndReason = recording.EndReason(endReason)
	return s, nil
}

// uncommittedSummaries returns summaries for streamID's closed in-RAM
// recordings with recording id in [startID, endID), in id order. Growing
// recordings are skipped: their rows are still mutating under the writer.
func (db *DB) uncommittedSummaries(streamID int32, startID, endID int32) []RecordingSummary {
	db.mu.Lock()
	defer db.mu.Unlock()
	s, ok := db.streams[streamID]
	if !ok {
		return nil
	}
	var out []RecordingSummary
	for _, rec := range s.recent {
		if !rec.closed {
			continue
		}
		recID := rec.id.RecordingID()
		if recID < startID || recID >= endID {
			continue
		}
		r := rec.row
		out = append(out, RecordingSummary{
			ID:                 rec.id,
			StreamID:           streamID,
			OpenID:             r.OpenID,
			RunOffset:          r.RunOffset,
			Flags:              r.Flags | recording.FlagUncommitted,
			Start:              r.Start,
			WallDuration:       r.WallDuration,
			MediaDuration:      r.MediaDuration,
			VideoSamples:       r.VideoSamples,
			VideoSyncSamples:   r.VideoSyncSamples,
			SampleFileBytes:    r.SampleFileBytes,
			VideoSampleEntryID: r.VideoSampleEntryID,
			EndReason:          r.EndReason,
		})
	}
	return out
}

// ListRecordingsByTime returns every recording of streamID whose interval
// overlaps [start, end): committed recordings first in ascending id order,
// then closed uncommitted ones.
func (db *DB) ListRecordingsByTime(streamID int32, start, end moontime.Time) ([]RecordingSummary, error) {
	rows, err := db.sqldb.Query(
		`SELECT `+recordingSelectColumns+` FROM recording
		 WHERE stream_id = ? AND start_time_90k < ? AND start_time_90k + wall_duration_90k > ?
		 ORDER BY composite_id`,
		streamID, int64(end), int64(start))
	if err != nil {
		return nil, fmt.Errorf("metadb: list recordings by time: %w", err)
	}
	defer rows.Close()
	out, err := scanRecordingSummaries(rows)
	if err != nil {
		return nil, err
	}
	for _, r := range db.uncommittedSummaries(streamID, 0, 1<<30) {
		if r.Start < end && r.Start.Add(r.WallDuration) > start {
			out = append(out, r)
		}
	}
	return out, nil
}

// ListRecordingsByID returns every recording of streamID with recording id
// in [startID, endID), committed then closed uncommitted, in id order.
func (db *DB) ListRecordingsByID(streamID int32, startID, endID int32) ([]RecordingSummary, error) {
	lo := int64(moontime.NewCompositeId(streamID, startID))
	hi := int64(moontime.NewCompositeId(streamID, endID))
	rows, err := db.sqldb.Query(
		`SELECT `+recordingSelectColumns+` FROM recording
		 WHERE stream_id = ? AND composite_id >= ? AND composite_id < ?
		 ORDER BY composite_id`,
		streamID, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("metadb: list recordings by id: %w", err)
	}
	defer rows.Close()
	out, err := scanRecordingSummaries(rows)
	if err != nil {
		return nil, err
	}
	return append(out, db.uncommittedSummaries(streamID, startID, endID)...), nil
}

func scanRecordingSummaries(rows *sql.Rows) ([]RecordingSummary, error) {
	var out []RecordingSummary
	for rows.Next() {
		s, err := scanRecordingSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("metadb: scan recording: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Run is a sequence of recordings with consecutive recording ids, each
// after the first following one that ended with EndReasonRotation,
// summarized for a UI timeline without listing every individual recording.
// open_id and run_offset are not compared.
type Run struct {
	StreamID      int32
	FirstID       moontime.CompositeId
	LastID        moontime.CompositeId
	Start         moontime.Time
	WallDuration  moontime.Duration
	MediaDuration moontime.Duration
	Recordings    int
}

// ListAggregatedRecordings coalesces adjacent recordings from the same run
// (EndReasonRotation chaining into the next run_offset) into Runs, so a
// caller asking "what footage exists" doesn't need to reason about
// individual rotation boundaries. A non-zero forcedSplit bounds each
// aggregate's wall duration: a recording that would push an aggregate past
// it starts a new Run instead, which keeps rows small enough for paginated
// UIs even on streams that record in one unbroken run for days.
func (db *DB) ListAggregatedRecordings(streamID int32, start, end moontime.Time, forcedSplit moontime.Duration) ([]Run, error) {
	recs, err := db.ListRecordingsByTime(streamID, start, end)
	if err != nil {
		return nil, err
	}
	var runs []Run
	var lastEndReason recording.EndReason
	for _, r := range recs {
		if len(runs) > 0 {
			last := &runs[len(runs)-1]
			fits := forcedSplit <= 0 || last.WallDuration+r.WallDuration <= forcedSplit
			if last.LastID.RecordingID()+1 == r.ID.RecordingID() && lastEndReason == recording.EndReasonRotation && fits {
				last.LastID = r.ID
				last.WallDuration += r.WallDuration
				last.MediaDuration += r.MediaDuration
				last.Recordings++
				lastEndReason = r.EndReason
				continue
			}
		}
		runs = append(runs, Run{
			StreamID: streamID, FirstID: r.ID, LastID: r.ID, Start: r.Start,
			WallDuration: r.WallDuration, MediaDuration: r.MediaDuration, Recordings: 1,
		})
		lastEndReason = r.EndReason
	}
	return runs, nil
}

// WithRecordingPlayback calls fn with the sample index bytes for id,
// consulting the in-RAM recordings and LRU cache before falling back to
// SQLite.
func (db *DB) WithRecordingPlayback(id moontime.CompositeId, fn func([]byte) error) error {
	db.mu.Lock()
	if s, ok := db.streams[id.StreamID()]; ok {
		recID := id.RecordingID()
		if recID >= s.cumRecordings && recID < s.nextRecordingID() {
			rec := s.recent[recID-s.cumRecordings]
			if rec.closed {
				index := rec.row.SampleIndex
				db.mu.Unlock()
				return fn(index)
			}
			db.mu.Unlock()
			return merr.New(merr.FailedPrecondition, "recording %s is still growing", id)
		}
	}
	db.mu.Unlock()

	if data, ok := db.videoIndexCache.Get(id); ok {
		return fn(data)
	}
	var data []byte
	err := db.sqldb.QueryRow(`SELECT sample_index FROM recording_playback WHERE composite_id = ?`, int64(id)).Scan(&data)
	if err == sql.ErrNoRows {
		return merr.New(merr.NotFound, "recording %s", id)
	}
	if err != nil {
		return fmt.Errorf("metadb: load playback %s: %w", id, err)
	}
	db.videoIndexCache.Add(id, data)
	return fn(data)
}

// SampleFileBlake3 returns the stored integrity digest for a recording.
func (db *DB) SampleFileBlake3(id moontime.CompositeId) ([32]byte, error) {
	var blob []byte
	err := db.sqldb.QueryRow(`SELECT sample_file_blake3 FROM recording_integrity WHERE composite_id = ?`, int64(id)).Scan(&blob)
	if err == sql.ErrNoRows {
		return [32]byte{}, merr.New(merr.NotFound, "recording %s", id)
	}
	if err != nil {
		return [32]byte{}, fmt.Errorf("metadb: load integrity %s: %w", id, err)
	}
	var out [32]byte
	copy(out[:], blob)
	return out, nil
}

// VideoSampleEntryByID loads a video sample entry by id, for mp4 stsd
// construction.
func (db *DB) VideoSampleEntryByID(id int64) (recording.VideoSampleEntry, error) {
	var e recording.VideoSampleEntry
	var blake3 []byte
	err := db.sqldb.QueryRow(
		`SELECT id, width, height, rfc6381_codec, data, blake3 FROM video_sample_entry WHERE id = ?`, id,
	).Scan(&e.ID, &e.Width, &e.Height, &e.RFC6381Codec, &e.Data, &blake3)
	if err == sql.ErrNoRows {
		return recording.VideoSampleEntry{}, merr.New(merr.NotFound, "video_sample_entry %d", id)
	}
	if err != nil {
		return recording.VideoSampleEntry{}, fmt.Errorf("metadb: load video_sample_entry %d: %w", id, err)
	}
	copy(e.Blake3[:], blake3)
	return e, nil
}
