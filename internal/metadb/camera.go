package metadb

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/moonfire-go/nvrcore/internal/merr"
	"github.com/moonfire-go/nvrcore/internal/moontime"
)

// Camera is the public view of a camera row.
type Camera struct {
	ID          int32
	UUID        uuid.UUID
	ShortName   string
	Description string
}

// Stream is the public view of a stream row. NextRecordingID is the next
// unused recording id, counting both the committed prefix and any in-RAM
// uncommitted recordings; on-disk sample files at or past it are abandoned.
type Stream struct {
	ID               int32
	CameraID         int32
	Type             string
	SampleFileDirID  int32
	Record           bool
	RetainBytes      int64
	CumRecordings    int32
	NextRecordingID  int32
	CumMediaDuration moontime.Duration
	CumRuns          int32
}

// AddCamera inserts a new camera and returns its assigned id.
func (db *DB) AddCamera(shortName, description string) (int32, error) {
	id := uuid.New()
	res, err := db.sqldb.Exec(
		`INSERT INTO camera (uuid, short_name, description) VALUES (?, ?, ?)`,
		id[:], shortName, description)
	if err != nil {
		return 0, fmt.Errorf("metadb: add camera %q: %w", shortName, err)
	}
	rowID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("metadb: add camera %q: %w", shortName, err)
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	db.cameras[int32(rowID)] = &cameraRow{id: int32(rowID), uuid: id, shortName: shortName, description: description}
	return int32(rowID), nil
}

// ListCameras returns every known camera, in no particular order.
func (db *DB) ListCameras() []Camera {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]Camera, 0, len(db.cameras))
	for _, c := range db.cameras {
		out = append(out, Camera{ID: c.id, UUID: c.uuid, ShortName: c.shortName, Description: c.description})
	}
	return out
}

// AddStream inserts a new stream for an existing camera.
func (db *DB) AddStream(cameraID int32, streamType string, record bool, retainBytes int64) (int32, error) {
	db.mu.Lock()
	if _, ok := db.cameras[cameraID]; !ok {
		db.mu.Unlock()
		return 0, merr.New(merr.NotFound, "camera %d", cameraID)
	}
	db.mu.Unlock()

	res, err := db.sqldb.Exec(
		`INSERT INTO stream (camera_id, type, record, retain_bytes) VALUES (?, ?, ?, ?)`,
		cameraID, streamType, boolToInt(record), retainBytes)
	if err != nil {
		return 0, fmt.Errorf("metadb: add stream for camera %d: %w", cameraID, err)
	}
	rowID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("metadb: add stream for camera %d: %w", cameraID, err)
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	db.streams[int32(rowID)] = &streamState{
		id: int32(rowID), cameraID: cameraID, streamType: streamType,
		record: record, retainBytes: retainBytes,
	}
	return int32(rowID), nil
}

// SetStreamSampleFileDir assigns (or reassigns) the sample file directory a
// stream records into.
func (db *DB) SetStreamSampleFileDir(streamID, dirID int32) error {
	if _, err := db.sqldb.Exec(`UPDATE stream SET sample_file_dir_id = ? WHERE id = ?`, dirID, streamID); err != nil {
		return fmt.Errorf("metadb: set sample_file_dir for stream %d: %w", streamID, err)
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if s, ok := db.streams[streamID]; ok {
		s.sampleFileDirID = dirID
	}
	return nil
}

// ListStreams returns every known stream.
func (db *DB) ListStreams() []Stream {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]Stream, 0, len(db.streams))
	for _, s := range db.streams {
		out = append(out, Stream{
			ID: s.id, CameraID: s.cameraID, Type: s.streamType,
			SampleFileDirID: s.sampleFileDirID, Record: s.record,
			RetainBytes: s.retainBytes, CumRecordings: s.cumRecordings,
			NextRecordingID:  s.nextRecordingID(),
			CumMediaDuration: s.cumMediaDuration, CumRuns: s.cumRuns,
		})
	}
	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
