// Package metadb is the SQLite-backed metadata catalog: cameras, streams,
// recordings, and their sample indexes. It holds the "database lock": a
// single mutex guarding the in-RAM caches that mirror parts of the
// database, so readers never block on disk I/O for the common case. The
// hard rule it follows throughout: no disk I/O while holding that mutex,
// except the initial load at Open and the transaction inside Flush.
package metadb

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	_ "github.com/mattn/go-sqlite3"

	"github.com/moonfire-go/nvrcore/internal/moontime"
	"github.com/moonfire-go/nvrcore/internal/recording"
)

// videoIndexCacheSize bounds the number of decoded sample indexes kept
// around for the mp4 builder and live-view scrubbing; each is small (a few
// KB at most) so this trades a modest amount of memory for avoiding a SQLite
// round trip on every playback request against a recently-written segment.
const videoIndexCacheSize = 1000

// AssumedBlockSizeBytes is the filesystem block size every recording's
// sample_file_bytes is rounded up to when accounting for disk usage, so
// retention budgets are expressed against space actually consumed rather
// than the sum of logical sizes. The true value would require a statfs call
// per directory; this is a deliberate, documented approximation.
const AssumedBlockSizeBytes = 4096

// RoundUpToBlock rounds n up to the next filesystem block.
func RoundUpToBlock(n int64) int64 {
	if n <= 0 {
		return 0
	}
	return (n + AssumedBlockSizeBytes - 1) / AssumedBlockSizeBytes * AssumedBlockSizeBytes
}

// DB is the metadata catalog for one database directory.
type DB struct {
	sqldb *sql.DB
	uuid  uuid.UUID
	clock moontime.Clocks

	mu      sync.Mutex
	streams map[int32]*streamState
	cameras map[int32]*cameraRow

	// videoIndexCache caches decoded sample index bytes by composite id.
	// It is internally synchronized and is deliberately not covered by mu:
	// populating it may require a SQL read, which must never happen while
	// mu is held.
	videoIndexCache *lru.Cache[moontime.CompositeId, []byte]

	flushState
}

type cameraRow struct {
	id          int32
	uuid        uuid.UUID
	shortName   string
	description string
}

// recordingState is one in-RAM recording that has not yet been flushed: it
// is created as GROWING|UNCOMMITTED by AddRecording, filled in when the
// writer closes it through its handle, and becomes eligible for the next
// flush once MarkSynced advances the stream's watermark past it.
type recordingState struct {
	id     moontime.CompositeId
	row    recording.RecordingToInsert
	closed bool
}

// garbageCandidate is one committed recording queued for deletion; it stays
// queued in RAM until a flush atomically removes the row and inserts the
// matching garbage row.
type garbageCandidate struct {
	id      moontime.CompositeId
	bytes   int64
	fsBytes int64
	dirID   int32
}

// streamState is the in-RAM mirror of one stream: the committed totals from
// the stream row plus everything that has happened since the last flush.
type streamState struct {
	id              int32
	cameraID        int32
	streamType      string
	sampleFileDirID int32
	record          bool
	retainBytes     int64

	// Committed state, advanced only when a flush transaction commits.
	cumRecordings    int32
	cumMediaDuration moontime.Duration
	cumRuns          int32
	sampleFileBytes  int64
	fsBytes          int64

	// recent holds the uncommitted recordings, in id order: recent[i] has
	// recording id cumRecordings+i. flushReady is the watermark MarkSynced
	// advances; only ids below it may be persisted by the next flush.
	recent     []*recordingState
	flushReady int32

	// toDelete queues committed recordings (always an oldest-first prefix)
	// for the next flush to range-delete and move to garbage.
	toDelete        []garbageCandidate
	bytesToDelete   int64
	fsBytesToDelete int64
}

// nextRecordingID reports the next unused recording id: the committed
// prefix plus any in-RAM recordings.
func (s *streamState) nextRecordingID() int32 {
	return s.cumRecordings + int32(len(s.recent))
}

// Open opens (creating if necessary) the metadata database at path.
func Open(path string, clock moontime.Clocks) (*DB, error) {
	sqldb, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_sync=full")
	if err != nil {
		return nil, fmt.Errorf("metadb: open %s: %w", path, err)
	}
	// go-sqlite3 serializes access to a single *sql.DB internally; pin the
	// pool to one connection so that doesn't surprise callers relying on
	// transaction semantics across statements.
	sqldb.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA fullfsync = ON",
		"PRAGMA synchronous = 3",
		"PRAGMA journal_mode = WAL",
	} {
		if _, err := sqldb.Exec(pragma); err != nil {
			sqldb.Close()
			return nil, fmt.Errorf("metadb: %s: %w", pragma, err)
		}
	}

	if _, err := sqldb.Exec(schema); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("metadb: apply schema: %w", err)
	}

	cache, err := lru.New[moontime.CompositeId, []byte](videoIndexCacheSize)
	if err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("metadb: new lru cache: %w", err)
	}

	db := &DB{
		sqldb:           sqldb,
		clock:           clock,
		streams:         make(map[int32]*streamState),
		cameras:         make(map[int32]*cameraRow),
		videoIndexCache: cache,
	}
	db.flushCond = sync.NewCond(&sync.Mutex{})

	if err := db.loadOrCreateMeta(); err != nil {
		sqldb.Close()
		return nil, err
	}
	if err := db.loadCaches(); err != nil {
		sqldb.Close()
		return nil, err
	}
	return db, nil
}

// Close releases the underlying SQLite handle.
func (db *DB) Close() error {
	return db.sqldb.Close()
}

// UUID returns this database's identity, assigned the first time it was
// created and stable thereafter; sample_file_dir rows are validated against
// it (internal/sampledir.Open).
func (db *DB) UUID() uuid.UUID { return db.uuid }

func (db *DB) loadOrCreateMeta() error {
	var blob []byte
	err := db.sqldb.QueryRow(`SELECT db_uuid FROM meta WHERE id = 1`).Scan(&blob)
	switch {
	case err == sql.ErrNoRows:
		db.uuid = uuid.New()
		_, err = db.sqldb.Exec(
			`INSERT INTO meta (id, db_uuid, created_at_90k) VALUES (1, ?, ?)`,
			db.uuid[:], int64(db.clock.Now()))
		if err != nil {
			return fmt.Errorf("metadb: insert meta: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("metadb: load meta: %w", err)
	default:
		id, err := uuid.FromBytes(blob)
		if err != nil {
			return fmt.Errorf("metadb: corrupt db_uuid: %w", err)
		}
		db.uuid = id
		return nil
	}
}

func (db *DB) loadCaches() error {
	camRows, err := db.sqldb.Query(`SELECT id, uuid, short_name, description FROM camera`)
	if err != nil {
		return fmt.Errorf("metadb: load cameras: %w", err)
	}
	defer camRows.Close()
	for camRows.Next() {
		var c cameraRow
		var blob []byte
		if err := camRows.Scan(&c.id, &blob, &c.shortName, &c.description); err != nil {
			return fmt.Errorf("metadb: scan camera: %w", err)
		}
		c.uuid, err = uuid.FromBytes(blob)
		if err != nil {
			return fmt.Errorf("metadb: corrupt camera uuid: %w", err)
		}
		db.cameras[c.id] = &c
	}
	if err := camRows.Err(); err != nil {
		return err
	}

	streamRows, err := db.sqldb.Query(
		`SELECT id, camera_id, type, sample_file_dir_id, record, retain_bytes,
		        cum_recordings, cum_media_duration_90k, cum_runs FROM stream`)
	if err != nil {
		return fmt.Errorf("metadb: load streams: %w", err)
	}
	defer streamRows.Close()
	for streamRows.Next() {
		var s streamState
		var dirID sql.NullInt64
		var record int
		var cumMedia int64
		if err := streamRows.Scan(&s.id, &s.cameraID, &s.streamType, &dirID, &record,
			&s.retainBytes, &s.cumRecordings, &cumMedia, &s.cumRuns); err != nil {
			return fmt.Errorf("metadb: scan stream: %w", err)
		}
		s.record = record != 0
		s.cumMediaDuration = moontime.Duration(cumMedia)
		if dirID.Valid {
			s.sampleFileDirID = int32(dirID.Int64)
		}
		s.flushReady = s.cumRecordings
		db.streams[s.id] = &s
	}
	if err := streamRows.Err(); err != nil {
		return err
	}

	// Committed byte totals, with each recording rounded up to the
	// filesystem block before summing so fsBytes reflects real disk usage.
	totalRows, err := db.sqldb.Query(fmt.Sprintf(
		`SELECT stream_id, SUM(sample_file_bytes),
		        SUM((sample_file_bytes + %d) / %d * %d)
		 FROM recording GROUP BY stream_id`,
		AssumedBlockSizeBytes-1, AssumedBlockSizeBytes, AssumedBlockSizeBytes))
	if err != nil {
		return fmt.Errorf("metadb: load stream totals: %w", err)
	}
	defer totalRows.Close()
	for totalRows.Next() {
		var streamID int32
		var bytes, fsBytes int64
		if err := totalRows.Scan(&streamID, &bytes, &fsBytes); err != nil {
			return fmt.Errorf("metadb: scan stream totals: %w", err)
		}
		if s, ok := db.streams[streamID]; ok {
			s.sampleFileBytes = bytes
			s.fsBytes = fsBytes
		}
	}
	return totalRows.Err()
}
