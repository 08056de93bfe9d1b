// Package retention implements the byte-budget retention planner:
// reactive, not periodic, it's invoked whenever the syncer marks
// new bytes synced and whenever the process starts up, and it never
// scans anything but the oldest-first prefix of a stream's recordings so
// that the resulting deletions are always a contiguous prefix.
package retention

import (
	"fmt"

	"github.com/moonfire-go/nvrcore/internal/merr"
	"github.com/moonfire-go/nvrcore/internal/metadb"
	"github.com/moonfire-go/nvrcore/internal/moontime"
)

// AssumedBlockSizeBytes is the filesystem block size retention accounting
// rounds each recording's sample_file_bytes up to, so that the budget is
// expressed against actual disk usage rather than the sum of logical
// sizes. Rounding is per recording, then summed: a thousand 100-byte
// recordings occupy a thousand blocks, not a hundred kilobytes. Getting
// the true block size would require a statfs call per directory; this is
// accepted as a deliberate, documented approximation.
const AssumedBlockSizeBytes = metadb.AssumedBlockSizeBytes

// Enforce computes how far over budget the stream is — committed
// disk-rounded bytes, plus synced-but-unflushed additions, minus already
// queued deletions, plus extraBytes — and, if positive, queues
// oldest-first recordings for deletion until enough disk-rounded bytes are
// covered. The queued recordings are removed (and moved to garbage) by the
// next flush; the returned ids are what was newly queued.
func Enforce(db *metadb.DB, streamID int32, extraBytes int64) ([]moontime.CompositeId, error) {
	u, err := db.Usage(streamID)
	if err != nil {
		return nil, fmt.Errorf("retention: usage for stream %d: %w", streamID, err)
	}

	bytesOver := u.FSBytes + u.FSBytesToAdd - u.FSBytesToDelete +
		metadb.RoundUpToBlock(extraBytes) - u.RetainBytes
	if bytesOver <= 0 {
		return nil, nil
	}

	ids, err := db.DeleteOldestRecordings(streamID, bytesOver)
	if err != nil {
		return nil, fmt.Errorf("retention: delete oldest for stream %d: %w", streamID, err)
	}
	return ids, nil
}

// LowerRetention is the entry point the (out-of-scope) configuration tool
// uses to temporarily shrink a stream's budget and force deletion down to
// the new limit. It updates the limit then runs the same enforcement pass
// as a normal sync-triggered check.
func LowerRetention(db *metadb.DB, streamID int32, newLimitBytes int64) ([]moontime.CompositeId, error) {
	if newLimitBytes < 0 {
		return nil, merr.New(merr.InvalidArgument, "retain_bytes must be >= 0, got %d", newLimitBytes)
	}
	if err := db.UpdateRetention(streamID, newLimitBytes); err != nil {
		return nil, fmt.Errorf("retention: lower retention for stream %d: %w", streamID, err)
	}
	return Enforce(db, streamID, 0)
}
