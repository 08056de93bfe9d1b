// Package sampledir manages one sample file directory: the append-only blob
// files a writer streams recording bytes into, plus the small bookkeeping
// file that lets a restart tell a cleanly-closed directory from one that was
// open when the process died.
package sampledir

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/moonfire-go/nvrcore/internal/moontime"
)

const metaFileName = ".meta.json"

// OpenRecord identifies one "open" of the database (one period between
// startup and clean shutdown, or startup and crash). It's recorded in a
// directory's meta file so a restart can tell whether the directory was
// cleanly closed by the open the metadata database thinks was last active.
type OpenRecord struct {
	ID   int64     `json:"id"`
	UUID uuid.UUID `json:"uuid"`
}

// meta is the bookkeeping file's on-disk shape, one per directory. It exists
// so sample file directories are self-describing: moving one to the wrong
// place, or pointing the metadata database at the wrong directory, is
// detected rather than silently corrupting recordings.
type meta struct {
	DBUUID           uuid.UUID   `json:"db_uuid"`
	DirUUID          uuid.UUID   `json:"dir_uuid"`
	LastCompleteOpen *OpenRecord `json:"last_complete_open,omitempty"`
	InProgressOpen   *OpenRecord `json:"in_progress_open,omitempty"`
}

// Dir is one sample file directory: a flat pool of per-recording blob files
// named by their 16-hex-digit composite id (moontime.CompositeId.String),
// plus the meta bookkeeping file.
type Dir struct {
	path string
	meta meta
}

// Create initializes a brand new sample file directory, writing its initial
// meta file. path must not already contain one.
func Create(path string, dbUUID uuid.UUID) (*Dir, error) {
	if _, err := os.Stat(filepath.Join(path, metaFileName)); err == nil {
		return nil, fmt.Errorf("sampledir: %s already initialized", path)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("sampledir: mkdir %s: %w", path, err)
	}
	d := &Dir{
		path: path,
		meta: meta{DBUUID: dbUUID, DirUUID: uuid.New()},
	}
	if err := d.writeMeta(); err != nil {
		return nil, err
	}
	return d, nil
}

// Open opens an existing sample file directory, verifying its meta file
// matches dbUUID.
func Open(path string, dbUUID uuid.UUID) (*Dir, error) {
	data, err := os.ReadFile(filepath.Join(path, metaFileName))
	if err != nil {
		return nil, fmt.Errorf("sampledir: %s: %w", path, err)
	}
	var m meta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("sampledir: %s: corrupt meta file: %w", path, err)
	}
	if m.DBUUID != dbUUID {
		return nil, fmt.Errorf("sampledir: %s: meta db_uuid %s does not match expected %s", path, m.DBUUID, dbUUID)
	}
	return &Dir{path: path, meta: m}, nil
}

// DirUUID returns this directory's unique identifier, assigned at Create and
// stable for the directory's lifetime.
func (d *Dir) DirUUID() uuid.UUID { return d.meta.DirUUID }

// Path returns the directory's filesystem path.
func (d *Dir) Path() string { return d.path }

// RecordOpenStart persists that open carries open. Call this before accepting
// writes against a newly started open, so a future restart can recognize
// this directory was touched by that open even if it crashes before any
// flush.
func (d *Dir) RecordOpenStart(open OpenRecord) error {
	d.meta.InProgressOpen = &open
	return d.writeMeta()
}

// RecordOpenComplete marks open as the last one to cleanly close against
// this directory.
func (d *Dir) RecordOpenComplete(open OpenRecord) error {
	d.meta.LastCompleteOpen = &open
	d.meta.InProgressOpen = nil
	return d.writeMeta()
}

// LastCompleteOpen and InProgressOpen report the meta file's bookkeeping, for
// the caller to reconcile against the metadata database's own open history.
func (d *Dir) LastCompleteOpen() *OpenRecord { return d.meta.LastCompleteOpen }
func (d *Dir) InProgressOpen() *OpenRecord   { return d.meta.InProgressOpen }

func (d *Dir) writeMeta() error {
	data, err := json.MarshalIndent(&d.meta, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(d.path, metaFileName+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("sampledir: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, filepath.Join(d.path, metaFileName)); err != nil {
		return fmt.Errorf("sampledir: rename %s: %w", tmp, err)
	}
	return d.Sync()
}

func fileName(id moontime.CompositeId) string {
	return id.String()
}

// CreateFile creates a new, empty sample file for id and returns it open for
// writing. The caller is responsible for fsyncing and closing it.
func (d *Dir) CreateFile(id moontime.CompositeId) (*os.File, error) {
	p := filepath.Join(d.path, fileName(id))
	f, err := os.OpenFile(p, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sampledir: create %s: %w", p, err)
	}
	return f, nil
}

// OpenFile opens an existing sample file for id, read-only.
func (d *Dir) OpenFile(id moontime.CompositeId) (*os.File, error) {
	p := filepath.Join(d.path, fileName(id))
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("sampledir: open %s: %w", p, err)
	}
	return f, nil
}

// UnlinkFile removes id's sample file. A missing file is not an error: the
// caller may be retrying a deletion that already completed before a crash.
func (d *Dir) UnlinkFile(id moontime.CompositeId) error {
	p := filepath.Join(d.path, fileName(id))
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("sampledir: unlink %s: %w", p, err)
	}
	return nil
}

// Sync fsyncs the directory inode itself, so that file creations, renames,
// and unlinks within it are durable. (fsyncing a file's data doesn't make its
// directory entry durable; that needs a separate fsync of the directory.)
func (d *Dir) Sync() error {
	fd, err := unix.Open(d.path, unix.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("sampledir: open %s for fsync: %w", d.path, err)
	}
	defer unix.Close(fd)
	if err := unix.Fsync(fd); err != nil {
		return fmt.Errorf("sampledir: fsync %s: %w", d.path, err)
	}
	return nil
}

// ListFileIDs scans the directory for sample files and returns every
// composite id it holds, in no particular order. Used at startup to find
// files the metadata database doesn't know about (abandoned partial
// recordings from a crash).
func (d *Dir) ListFileIDs() ([]moontime.CompositeId, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return nil, fmt.Errorf("sampledir: readdir %s: %w", d.path, err)
	}
	var ids []moontime.CompositeId
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		id, ok := moontime.ParseCompositeId(e.Name())
		if !ok {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}
