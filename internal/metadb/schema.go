package metadb

// schema creates every table this package owns if it doesn't already exist.
// There is no migration framework: this module supports a single fixed schema
// version, so CREATE TABLE IF NOT EXISTS is sufficient and avoids pulling in
// a migration library the examples never needed for a schema this small.
const schema = `
CREATE TABLE IF NOT EXISTS meta (
  id INTEGER PRIMARY KEY CHECK (id = 1),
  db_uuid BLOB NOT NULL,
  created_at_90k INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS open (
  id INTEGER PRIMARY KEY,
  uuid BLOB UNIQUE NOT NULL,
  started_at_90k INTEGER NOT NULL,
  ended_at_90k INTEGER
);

CREATE TABLE IF NOT EXISTS sample_file_dir (
  id INTEGER PRIMARY KEY,
  path TEXT UNIQUE NOT NULL,
  uuid BLOB UNIQUE NOT NULL,
  last_complete_open_id INTEGER REFERENCES open (id)
);

CREATE TABLE IF NOT EXISTS camera (
  id INTEGER PRIMARY KEY,
  uuid BLOB UNIQUE NOT NULL,
  short_name TEXT UNIQUE NOT NULL,
  description TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS stream (
  id INTEGER PRIMARY KEY,
  camera_id INTEGER NOT NULL REFERENCES camera (id),
  type TEXT NOT NULL,
  sample_file_dir_id INTEGER REFERENCES sample_file_dir (id),
  record INTEGER NOT NULL DEFAULT 0,
  retain_bytes INTEGER NOT NULL DEFAULT 0,
  -- Cumulative counters, advanced only by the flush transaction: the next
  -- unused recording id (committed recordings are the dense prefix
  -- [0, cum_recordings)), total committed media duration, and total runs.
  cum_recordings INTEGER NOT NULL DEFAULT 0,
  cum_media_duration_90k INTEGER NOT NULL DEFAULT 0,
  cum_runs INTEGER NOT NULL DEFAULT 0,
  UNIQUE (camera_id, type)
);

CREATE TABLE IF NOT EXISTS video_sample_entry (
  id INTEGER PRIMARY KEY,
  width INTEGER NOT NULL,
  height INTEGER NOT NULL,
  rfc6381_codec TEXT NOT NULL,
  data BLOB,
  blake3 BLOB UNIQUE NOT NULL
);

CREATE TABLE IF NOT EXISTS recording (
  composite_id INTEGER PRIMARY KEY,
  stream_id INTEGER NOT NULL REFERENCES stream (id),
  open_id INTEGER NOT NULL,
  run_offset INTEGER NOT NULL,
  flags INTEGER NOT NULL DEFAULT 0,
  start_time_90k INTEGER NOT NULL,
  wall_duration_90k INTEGER NOT NULL,
  media_duration_90k INTEGER NOT NULL,
  video_samples INTEGER NOT NULL,
  video_sync_samples INTEGER NOT NULL,
  sample_file_bytes INTEGER NOT NULL,
  video_sample_entry_id INTEGER NOT NULL REFERENCES video_sample_entry (id),
  prev_media_duration_90k INTEGER NOT NULL,
  prev_runs INTEGER NOT NULL,
  end_reason INTEGER NOT NULL
);

-- Serves the stream_id / start_time_90k range filter of the by-time
-- listing; the other recording columns are read from the table itself.
CREATE INDEX IF NOT EXISTS recording_cover
  ON recording (stream_id, start_time_90k, composite_id);

CREATE TABLE IF NOT EXISTS recording_playback (
  composite_id INTEGER PRIMARY KEY REFERENCES recording (composite_id) ON DELETE CASCADE,
  sample_index BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS recording_integrity (
  composite_id INTEGER PRIMARY KEY REFERENCES recording (composite_id) ON DELETE CASCADE,
  sample_file_blake3 BLOB NOT NULL
);

-- Recordings queued for sample-file deletion: moved here (not hard-deleted)
-- so a crash between "forget the row" and "unlink the file" can't leak a
-- file the database no longer knows about.
CREATE TABLE IF NOT EXISTS garbage (
  composite_id INTEGER PRIMARY KEY,
  sample_file_dir_id INTEGER NOT NULL REFERENCES sample_file_dir (id)
);
`
