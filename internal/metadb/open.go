package metadb

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/moonfire-go/nvrcore/internal/sampledir"
)

// Open row bookkeeping: one row per process run between startup and either a
// clean shutdown or a crash. internal/sampledir's per-directory meta file
// records which open last touched it, so a restart can tell a directory
// that was mid-write from one that's consistent.

// StartOpen inserts a new open row for this process run and returns it.
func (db *DB) StartOpen() (sampledir.OpenRecord, error) {
	id := uuid.New()
	res, err := db.sqldb.Exec(
		`INSERT INTO open (uuid, started_at_90k) VALUES (?, ?)`,
		id[:], int64(db.clock.Now()))
	if err != nil {
		return sampledir.OpenRecord{}, fmt.Errorf("metadb: start open: %w", err)
	}
	rowID, err := res.LastInsertId()
	if err != nil {
		return sampledir.OpenRecord{}, fmt.Errorf("metadb: start open: %w", err)
	}
	return sampledir.OpenRecord{ID: rowID, UUID: id}, nil
}

// EndOpen marks an open row as cleanly closed.
func (db *DB) EndOpen(open sampledir.OpenRecord) error {
	_, err := db.sqldb.Exec(`UPDATE open SET ended_at_90k = ? WHERE id = ?`, int64(db.clock.Now()), open.ID)
	if err != nil {
		return fmt.Errorf("metadb: end open %d: %w", open.ID, err)
	}
	return nil
}

// AddSampleFileDir registers a sample file directory. dirPath is stored for
// diagnostics; dirUUID must match the UUID internal/sampledir.Dir reports.
func (db *DB) AddSampleFileDir(dirPath string, dirUUID uuid.UUID) (int32, error) {
	res, err := db.sqldb.Exec(
		`INSERT INTO sample_file_dir (path, uuid) VALUES (?, ?)`,
		dirPath, dirUUID[:])
	if err != nil {
		return 0, fmt.Errorf("metadb: add sample_file_dir %s: %w", dirPath, err)
	}
	rowID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("metadb: add sample_file_dir %s: %w", dirPath, err)
	}
	return int32(rowID), nil
}

// SampleFileDirByPath looks up an already-registered sample file directory
// by its filesystem path, so a restart reuses the existing row (and its
// garbage bookkeeping) instead of registering the directory again.
func (db *DB) SampleFileDirByPath(dirPath string) (int32, uuid.UUID, bool, error) {
	var id int32
	var blob []byte
	err := db.sqldb.QueryRow(`SELECT id, uuid FROM sample_file_dir WHERE path = ?`, dirPath).Scan(&id, &blob)
	if err == sql.ErrNoRows {
		return 0, uuid.UUID{}, false, nil
	}
	if err != nil {
		return 0, uuid.UUID{}, false, fmt.Errorf("metadb: lookup sample_file_dir %s: %w", dirPath, err)
	}
	dirUUID, err := uuid.FromBytes(blob)
	if err != nil {
		return 0, uuid.UUID{}, false, fmt.Errorf("metadb: corrupt sample_file_dir uuid for %s: %w", dirPath, err)
	}
	return id, dirUUID, true, nil
}

// MarkSampleFileDirOpenComplete records that open cleanly finished with
// dirID, mirroring internal/sampledir.Dir.RecordOpenComplete in the
// database so the two can be cross-checked at startup.
func (db *DB) MarkSampleFileDirOpenComplete(dirID int32, open sampledir.OpenRecord) error {
	_, err := db.sqldb.Exec(`UPDATE sample_file_dir SET last_complete_open_id = ? WHERE id = ?`, open.ID, dirID)
	if err != nil {
		return fmt.Errorf("metadb: mark sample_file_dir %d open complete: %w", dirID, err)
	}
	return nil
}
