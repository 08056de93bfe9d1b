package metadb

import (
	"fmt"

	"github.com/moonfire-go/nvrcore/internal/merr"
	"github.com/moonfire-go/nvrcore/internal/moontime"
)

// UpdateRetention sets a stream's byte retention budget;
// internal/retention compares this against the stream's current usage to
// decide how much to delete.
func (db *DB) UpdateRetention(streamID int32, retainBytes int64) error {
	if _, err := db.sqldb.Exec(`UPDATE stream SET retain_bytes = ? WHERE id = ?`, retainBytes, streamID); err != nil {
		return fmt.Errorf("metadb: update retention for stream %d: %w", streamID, err)
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if s, ok := db.streams[streamID]; ok {
		s.retainBytes = retainBytes
	}
	return nil
}

// StreamUsage is the byte accounting internal/retention plans against:
// committed totals, pending additions (synced but not yet flushed), and
// pending deletions, each in both logical and disk-rounded form. Every
// recording's contribution to the FS totals is rounded up to the
// filesystem block individually; rounding an aggregate would drastically
// undercount many small recordings.
type StreamUsage struct {
	SampleFileBytes int64 // committed logical bytes
	FSBytes         int64 // committed, each recording block-rounded
	BytesToAdd      int64
	FSBytesToAdd    int64
	BytesToDelete   int64
	FSBytesToDelete int64
	RetainBytes     int64
}

// Usage reports streamID's current byte accounting from the in-RAM state.
func (db *DB) Usage(streamID int32) (StreamUsage, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	s, ok := db.streams[streamID]
	if !ok {
		return StreamUsage{}, merr.New(merr.NotFound, "stream %d", streamID)
	}
	u := StreamUsage{
		SampleFileBytes: s.sampleFileBytes,
		FSBytes:         s.fsBytes,
		BytesToDelete:   s.bytesToDelete,
		FSBytesToDelete: s.fsBytesToDelete,
		RetainBytes:     s.retainBytes,
	}
	for i := int32(0); i < s.flushReady-s.cumRecordings; i++ {
		b := int64(s.recent[i].row.SampleFileBytes)
		u.BytesToAdd += b
		u.FSBytesToAdd += RoundUpToBlock(b)
	}
	return u, nil
}

// DeleteOldestRecordings queues committed recordings of streamID for
// deletion, oldest first, until at least targetFSBytes of disk-rounded
// bytes have been queued (on top of anything already queued). Nothing is
// removed here: the next Flush range-deletes the queued prefix and moves it
// to garbage in the same transaction that commits pending additions, so a
// reader never observes a deletion without its paired state advance. The
// returned ids are what was newly queued.
func (db *DB) DeleteOldestRecordings(streamID int32, targetFSBytes int64) ([]moontime.CompositeId, error) {
	db.mu.Lock()
	s, ok := db.streams[streamID]
	if !ok {
		db.mu.Unlock()
		return nil, merr.New(merr.NotFound, "stream %d", streamID)
	}
	startID := int32(0)
	if n := len(s.toDelete); n > 0 {
		startID = s.toDelete[n-1].id.RecordingID() + 1
	}
	db.mu.Unlock()

	// Committed rows only live in SQLite; scan them oldest-first starting
	// past what's already queued. This read happens off the database lock.
	rows, err := db.sqldb.Query(
		`SELECT composite_id, sample_file_bytes, stream.sample_file_dir_id
		 FROM recording JOIN stream ON recording.stream_id = stream.id
		 WHERE recording.stream_id = ? AND composite_id >= ?
		 ORDER BY composite_id`,
		streamID, int64(moontime.NewCompositeId(streamID, startID)))
	if err != nil {
		return nil, fmt.Errorf("metadb: delete oldest for stream %d: %w", streamID, err)
	}

	var queued []garbageCandidate
	var freedFS int64
	for rows.Next() && freedFS < targetFSBytes {
		var g garbageCandidate
		var compositeID int64
		var dirID int64
		if err := rows.Scan(&compositeID, &g.bytes, &dirID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("metadb: delete oldest for stream %d: scan: %w", streamID, err)
		}
		g.id = moontime.CompositeId(compositeID)
		g.dirID = int32(dirID)
		g.fsBytes = RoundUpToBlock(g.bytes)
		queued = append(queued, g)
		freedFS += g.fsBytes
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(queued) == 0 {
		return nil, nil
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	ids := make([]moontime.CompositeId, 0, len(queued))
	for _, g := range queued {
		s.toDelete = append(s.toDelete, g)
		s.bytesToDelete += g.bytes
		s.fsBytesToDelete += g.fsBytes
		ids = append(ids, g.id)
	}
	return ids, nil
}

// ListGarbage returns every recording id awaiting sample file deletion in
// dirID.
func (db *DB) ListGarbage(dirID int32) ([]moontime.CompositeId, error) {
	rows, err := db.sqldb.Query(`SELECT composite_id FROM garbage WHERE sample_file_dir_id = ?`, dirID)
	if err != nil {
		return nil, fmt.Errorf("metadb: list garbage for dir %d: %w", dirID, err)
	}
	defer rows.Close()
	var ids []moontime.CompositeId
	for rows.Next() {
		var compositeID int64
		if err := rows.Scan(&compositeID); err != nil {
			return nil, fmt.Errorf("metadb: list garbage for dir %d: %w", dirID, err)
		}
		ids = append(ids, moontime.CompositeId(compositeID))
	}
	return ids, rows.Err()
}

// ForgetGarbage removes a garbage row once its sample file has been
// unlinked and the directory fsynced, completing the
// unlink-then-fsync-then-forget sequence.
func (db *DB) ForgetGarbage(id moontime.CompositeId) error {
	if _, err := db.sqldb.Exec(`DELETE FROM garbage WHERE composite_id = ?`, int64(id)); err != nil {
		return fmt.Errorf("metadb: forget garbage %s: %w", id, err)
	}
	return nil
}
