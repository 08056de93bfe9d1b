package syncer

import (
	"fmt"

	"github.com/moonfire-go/nvrcore/internal/logger"
	"github.com/moonfire-go/nvrcore/internal/metadb"
	"github.com/moonfire-go/nvrcore/internal/moontime"
	"github.com/moonfire-go/nvrcore/internal/sampledir"
)

// ScanAbandoned sweeps a sample file directory at startup, before any
// recording resumes. Any file whose id names a recording the database never
// committed (its recording id is at or past the stream's next id, or its
// stream doesn't record into this directory at all) is an abandoned partial
// write from a crash and is unlinked. Files named in the garbage table are
// left alone: the normal garbage-collection path owns them.
func ScanAbandoned(db *metadb.DB, dir *sampledir.Dir, dirID int32, log *logger.Logger) error {
	ids, err := dir.ListFileIDs()
	if err != nil {
		return fmt.Errorf("syncer: scan %s: %w", dir.Path(), err)
	}
	if len(ids) == 0 {
		return nil
	}

	garbage, err := db.ListGarbage(dirID)
	if err != nil {
		return fmt.Errorf("syncer: scan %s: %w", dir.Path(), err)
	}
	garbageSet := make(map[moontime.CompositeId]struct{}, len(garbage))
	for _, id := range garbage {
		garbageSet[id] = struct{}{}
	}

	streams := make(map[int32]metadb.Stream)
	for _, s := range db.ListStreams() {
		streams[s.ID] = s
	}

	unlinked := 0
	for _, id := range ids {
		if _, ok := garbageSet[id]; ok {
			continue
		}
		s, ok := streams[id.StreamID()]
		abandoned := !ok || s.SampleFileDirID != dirID || id.RecordingID() >= s.NextRecordingID
		if !abandoned {
			continue
		}
		log.Warn("syncer: unlinking abandoned sample file %s in %s", id, dir.Path())
		if err := dir.UnlinkFile(id); err != nil {
			return fmt.Errorf("syncer: unlink abandoned %s: %w", id, err)
		}
		unlinked++
	}
	if unlinked > 0 {
		if err := dir.Sync(); err != nil {
			return fmt.Errorf("syncer: fsync %s after abandoned sweep: %w", dir.Path(), err)
		}
		log.Info("syncer: removed %d abandoned sample file(s) from %s", unlinked, dir.Path())
	}
	return nil
}
