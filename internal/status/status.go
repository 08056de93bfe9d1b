// Package status is a plain struct bag of counters for a diagnostics
// endpoint: how much is recorded, per stream, and how much pending cleanup
// each sample-file directory carries. A status HTTP handler (out of scope
// here) serves Collect's snapshot as JSON; the daemon also logs one
// periodically.
package status

import (
	"github.com/moonfire-go/nvrcore/internal/metadb"
)

// StreamStatus summarizes one stream's recording state. FSBytes is the
// disk-rounded total the retention budget is enforced against; TotalBytes
// is the logical sum of sample bytes.
type StreamStatus struct {
	StreamID        int32  `json:"stream_id"`
	CameraShortName string `json:"camera_short_name"`
	Type            string `json:"type"`
	Recording       bool   `json:"recording"`
	TotalBytes      int64  `json:"total_bytes"`
	FSBytes         int64  `json:"fs_bytes"`
	RetainBytes     int64  `json:"retain_bytes"`
	BytesToDelete   int64  `json:"bytes_to_delete"`
}

// SampleFileDirStatus summarizes one sample-file directory's pending work.
type SampleFileDirStatus struct {
	DirID        int32 `json:"dir_id"`
	GarbageCount int   `json:"garbage_count"`
}

// FullStatus is the full status snapshot for the process.
type FullStatus struct {
	Cameras        int                   `json:"cameras"`
	Streams        []StreamStatus        `json:"streams"`
	SampleFileDirs []SampleFileDirStatus `json:"sample_file_dirs"`
}

// Collect builds a snapshot from the metadata store. dirIDs names the
// sample-file directories to report on (the caller knows which ones it
// opened).
func Collect(db *metadb.DB, dirIDs []int32) (FullStatus, error) {
	cameras := db.ListCameras()
	namesByID := make(map[int32]string, len(cameras))
	for _, c := range cameras {
		namesByID[c.ID] = c.ShortName
	}

	var out FullStatus
	out.Cameras = len(cameras)
	for _, s := range db.ListStreams() {
		u, err := db.Usage(s.ID)
		if err != nil {
			return FullStatus{}, err
		}
		out.Streams = append(out.Streams, StreamStatus{
			StreamID:        s.ID,
			CameraShortName: namesByID[s.CameraID],
			Type:            s.Type,
			Recording:       s.Record,
			TotalBytes:      u.SampleFileBytes,
			FSBytes:         u.FSBytes,
			RetainBytes:     u.RetainBytes,
			BytesToDelete:   u.BytesToDelete,
		})
	}
	for _, dirID := range dirIDs {
		garbage, err := db.ListGarbage(dirID)
		if err != nil {
			return FullStatus{}, err
		}
		out.SampleFileDirs = append(out.SampleFileDirs, SampleFileDirStatus{
			DirID:        dirID,
			GarbageCount: len(garbage),
		})
	}
	return out, nil
}
