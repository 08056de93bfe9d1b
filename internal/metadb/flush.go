package metadb

import (
	"fmt"
	"sync"

	"github.com/moonfire-go/nvrcore/internal/merr"
	"github.com/moonfire-go/nvrcore/internal/moontime"
)

// streamFlush is the snapshot of one stream's pending changes taken at the
// start of a flush: the additions (closed recordings below the flush_ready
// watermark) and the deletions queued by retention.
type streamFlush struct {
	s         *streamState
	additions []*recordingState
	deletions []garbageCandidate
}

// Flush materializes every pending change in one SQLite transaction: for
// each stream, the closed recordings with ids in [cum_recordings,
// flush_ready) are inserted, the queued deletions are range-deleted and
// moved to garbage, and the stream's cumulative counters advance. The
// transaction is all-or-nothing: on any error it rolls back and no in-RAM
// state changes; only after a successful commit do the in-RAM views
// advance and WaitForFlush callers wake.
//
// Flush holds the database lock for its whole duration. That is the one
// sanctioned case of I/O under the lock (with the initial load): writers
// never take this lock on their frame path, so frame ingestion is not
// blocked while the transaction runs.
func (db *DB) Flush(reason string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	var pending []streamFlush
	for _, s := range db.streams {
		n := int(s.flushReady - s.cumRecordings)
		if n <= 0 && len(s.toDelete) == 0 {
			continue
		}
		f := streamFlush{s: s}
		if n > 0 {
			f.additions = s.recent[:n]
			for i, rec := range f.additions {
				if !rec.closed {
					return merr.New(merr.Internal,
						"recording %s is below the flush_ready watermark but still growing", rec.id)
				}
				// Dense prefix sanity: ids must be contiguous from
				// cum_recordings.
				if want := moontime.NewCompositeId(s.id, s.cumRecordings+int32(i)); rec.id != want {
					return merr.New(merr.Internal, "recording id %s out of sequence, want %s", rec.id, want)
				}
			}
		}
		f.deletions = append([]garbageCandidate(nil), s.toDelete...)
		pending = append(pending, f)
	}
	if len(pending) == 0 {
		db.notifyFlushLocked(reason)
		return nil
	}

	tx, err := db.sqldb.Begin()
	if err != nil {
		return fmt.Errorf("metadb: flush (%s): begin: %w", reason, err)
	}
	defer tx.Rollback()

	for _, f := range pending {
		for _, rec := range f.additions {
			r := rec.row
			if _, err := tx.Exec(
				`INSERT INTO recording (
					composite_id, stream_id, open_id, run_offset, flags, start_time_90k,
					wall_duration_90k, media_duration_90k, video_samples, video_sync_samples,
					sample_file_bytes, video_sample_entry_id, prev_media_duration_90k, prev_runs,
					end_reason
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				int64(rec.id), f.s.id, r.OpenID, r.RunOffset, r.Flags, int64(r.Start),
				int64(r.WallDuration), int64(r.MediaDuration), r.VideoSamples, r.VideoSyncSamples,
				r.SampleFileBytes, r.VideoSampleEntryID, int64(r.PrevMediaDuration), r.PrevRuns,
				int(r.EndReason)); err != nil {
				return fmt.Errorf("metadb: flush (%s): insert recording %s: %w", reason, rec.id, err)
			}
			if _, err := tx.Exec(`INSERT INTO recording_playback (composite_id, sample_index) VALUES (?, ?)`,
				int64(rec.id), r.SampleIndex); err != nil {
				return fmt.Errorf("metadb: flush (%s): insert playback %s: %w", reason, rec.id, err)
			}
			if _, err := tx.Exec(`INSERT INTO recording_integrity (composite_id, sample_file_blake3) VALUES (?, ?)`,
				int64(rec.id), r.SampleFileBlake3[:]); err != nil {
				return fmt.Errorf("metadb: flush (%s): insert integrity %s: %w", reason, rec.id, err)
			}
		}

		if len(f.deletions) > 0 {
			// Deletions are always an oldest-first prefix, so one range
			// delete covers them; the affected row count must match exactly
			// or the whole flush aborts.
			lo := int64(f.deletions[0].id)
			hi := int64(f.deletions[len(f.deletions)-1].id) + 1
			res, err := tx.Exec(`DELETE FROM recording WHERE composite_id >= ? AND composite_id < ?`, lo, hi)
			if err != nil {
				return fmt.Errorf("metadb: flush (%s): range delete stream %d: %w", reason, f.s.id, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("metadb: flush (%s): range delete stream %d: %w", reason, f.s.id, err)
			}
			if n != int64(len(f.deletions)) {
				return merr.New(merr.Internal,
					"flush (%s): range delete for stream %d affected %d rows, want %d", reason, f.s.id, n, len(f.deletions))
			}
			for _, g := range f.deletions {
				if _, err := tx.Exec(`INSERT INTO garbage (composite_id, sample_file_dir_id) VALUES (?, ?)`,
					int64(g.id), g.dirID); err != nil {
					return fmt.Errorf("metadb: flush (%s): insert garbage %s: %w", reason, g.id, err)
				}
			}
		}

		newCum := f.s.cumRecordings
		newMedia := f.s.cumMediaDuration
		newRuns := f.s.cumRuns
		for _, rec := range f.additions {
			newCum++
			newMedia += rec.row.MediaDuration
			if rec.row.RunOffset == 0 {
				newRuns++
			}
		}
		if _, err := tx.Exec(
			`UPDATE stream SET cum_recordings = ?, cum_media_duration_90k = ?, cum_runs = ? WHERE id = ?`,
			newCum, int64(newMedia), newRuns, f.s.id); err != nil {
			return fmt.Errorf("metadb: flush (%s): update stream %d: %w", reason, f.s.id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("metadb: flush (%s): commit: %w", reason, err)
	}

	// Commit succeeded; now, and only now, advance the in-RAM views.
	for _, f := range pending {
		s := f.s
		for _, rec := range f.additions {
			s.cumRecordings++
			s.cumMediaDuration += rec.row.MediaDuration
			if rec.row.RunOffset == 0 {
				s.cumRuns++
			}
			s.sampleFileBytes += int64(rec.row.SampleFileBytes)
			s.fsBytes += RoundUpToBlock(int64(rec.row.SampleFileBytes))
			db.videoIndexCache.Add(rec.id, rec.row.SampleIndex)
		}
		s.recent = s.recent[len(f.additions):]
		for _, g := range f.deletions {
			s.sampleFileBytes -= g.bytes
			s.fsBytes -= g.fsBytes
			s.bytesToDelete -= g.bytes
			s.fsBytesToDelete -= g.fsBytes
			db.videoIndexCache.Remove(g.id)
		}
		s.toDelete = s.toDelete[len(f.deletions):]
	}

	db.notifyFlushLocked(reason)
	return nil
}

// notifyFlushLocked wakes WaitForFlush callers. Called with db.mu held; the
// notification state has its own small lock so waiters don't contend on the
// database lock.
func (db *DB) notifyFlushLocked(reason string) {
	db.flushCond.L.Lock()
	db.flushGeneration++
	db.lastFlushReason = reason
	db.flushCond.L.Unlock()
	db.flushCond.Broadcast()
}

// WaitForFlush blocks until the next successful flush, then returns the
// reason it was given. Used by a caller (e.g. a live-view websocket) that
// wants to be woken only when new data might be visible, rather than
// polling.
func (db *DB) WaitForFlush() string {
	db.flushCond.L.Lock()
	defer db.flushCond.L.Unlock()
	gen := db.flushGeneration
	for db.flushGeneration == gen {
		db.flushCond.Wait()
	}
	return db.lastFlushReason
}

// flushState holds the flush notification state, embedded into DB and
// initialized in Open.
type flushState struct {
	flushGeneration int64
	flushCond       *sync.Cond
	lastFlushReason string
}
