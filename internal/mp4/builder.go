// Package mp4 assembles virtual .mp4 files (ISO/IEC 14496-12) from recording
// metadata plus raw sample files, without rewriting either. A built File is
// range-addressable: box headers and sample tables are computed into small
// in-RAM buffers, and the mdat body is a sequence of references into the
// sample files, resolved to sequential reads only when a byte range is
// actually requested.
package mp4

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"lukechampine.com/blake3"

	"github.com/moonfire-go/nvrcore/internal/merr"
	"github.com/moonfire-go/nvrcore/internal/metadb"
	"github.com/moonfire-go/nvrcore/internal/moontime"
	"github.com/moonfire-go/nvrcore/internal/recording"
	"github.com/moonfire-go/nvrcore/internal/sampledir"
)

// Mode selects which of the three output shapes to build.
type Mode int

const (
	// Normal: ftyp + moov + mdat holding every referenced recording's
	// samples; suitable for direct download.
	Normal Mode = iota
	// InitSegment: ftyp + moov with mvex and no sample data; the bootstrap
	// for fragmented playback.
	InitSegment
	// MediaSegment: one moof + mdat covering a single recording subrange;
	// used for live streaming.
	MediaSegment
)

// formatVersion is hashed into every etag; any change to the bytes this
// package produces for the same inputs must bump it so cached copies are
// invalidated.
const formatVersion = 0x01

// mediaSegmentMaxSize: trun data offsets are
// 32-bit, so a media segment larger than 4 GiB cannot be represented.
const mediaSegmentMaxSize = int64(1) << 32

const (
	videoTrackID    = 1
	subtitleTrackID = 2

	subtitleTimeFormat = "2006-01-02T15:04:05-07:00"
	subtitleSampleLen  = 2 + len(subtitleTimeFormat)
)

// segment is one referenced recording with the requested media-time
// subrange and, after Build loads its sample index, the derived tables.
type segment struct {
	rec      metadb.RecordingSummary
	relStart moontime.Duration
	relEnd   moontime.Duration

	samples   []recording.Sample
	durations []int32
	// actualStart is the media time of the first included sample: the last
	// key frame at or before relStart. It differs from relStart when the
	// requested range doesn't begin on a key frame.
	actualStart int64
	fileOff     int64
	fileLen     int64

	subtitleCount int
	wallStart     moontime.Time
	wallEnd       moontime.Time
}

// FileBuilder accumulates recordings and options, then Build produces the
// virtual file.
type FileBuilder struct {
	mode      Mode
	subtitles bool
	loc       *time.Location
	segments  []*segment
}

// NewFileBuilder returns a builder for the given mode.
func NewFileBuilder(mode Mode) *FileBuilder {
	return &FileBuilder{mode: mode, loc: time.UTC}
}

// IncludeTimestampSubtitleTrack adds a second track carrying one text
// sample per wall-clock second of the output, timestamped in loc. Only
// Normal mode supports it.
func (b *FileBuilder) IncludeTimestampSubtitleTrack(loc *time.Location) error {
	if b.mode != Normal {
		return merr.New(merr.InvalidArgument, "timestamp subtitle track requires Normal mode")
	}
	b.subtitles = true
	if loc != nil {
		b.loc = loc
	}
	return nil
}

// Append adds one recording's media-time subrange [relStart, relEnd) to the
// output. Recordings must be appended in presentation order.
func (b *FileBuilder) Append(rec metadb.RecordingSummary, relStart, relEnd moontime.Duration) error {
	if relStart < 0 || relStart >= relEnd || relEnd > rec.MediaDuration {
		return merr.New(merr.InvalidArgument,
			"range [%d, %d) invalid for recording %s of media duration %d", relStart, relEnd, rec.ID, rec.MediaDuration)
	}
	if b.mode == MediaSegment && len(b.segments) > 0 {
		return merr.New(merr.InvalidArgument, "a media segment covers exactly one recording")
	}
	b.segments = append(b.segments, &segment{rec: rec, relStart: relStart, relEnd: relEnd})
	return nil
}

// File is the built, immutable virtual .mp4. It is safe for concurrent
// range reads.
type File struct {
	slices       slices
	dir          *sampledir.Dir
	etag         string
	lastModified time.Time
}

func (f *File) Size() int64             { return f.slices.size() }
func (f *File) Etag() string            { return f.etag }
func (f *File) LastModified() time.Time { return f.lastModified }

// WriteRange streams the byte range [begin, end) of the virtual file to w.
func (f *File) WriteRange(w io.Writer, begin, end int64) error {
	return f.slices.writeRange(w, begin, end, f.dir)
}

// Build assembles the file. db supplies sample indexes and video sample
// entries; dir is the sample-file directory holding every referenced
// recording (one directory per build; callers splitting a request across
// directories build one File per directory).
func (b *FileBuilder) Build(db *metadb.DB, dir *sampledir.Dir) (*File, error) {
	if len(b.segments) == 0 {
		return nil, merr.New(merr.InvalidArgument, "no recordings appended")
	}

	etag := blake3.New(16, nil)
	etag.Write([]byte{formatVersion})
	if b.subtitles {
		etag.Write([]byte(":ts:"))
	}
	switch b.mode {
	case InitSegment:
		etag.Write([]byte(":init:"))
	case MediaSegment:
		etag.Write([]byte(":media:"))
	}

	var lastModified moontime.Time
	for _, s := range b.segments {
		if err := s.load(db); err != nil {
			return nil, err
		}
		if end := s.rec.Start.Add(s.rec.WallDuration); end > lastModified {
			lastModified = end
		}
		if b.subtitles {
			s.computeSubtitleRange()
		}

		var rec [28]byte
		binary.BigEndian.PutUint64(rec[0:], uint64(s.rec.ID))
		binary.BigEndian.PutUint64(rec[8:], uint64(s.rec.Start))
		binary.BigEndian.PutUint32(rec[16:], uint32(s.rec.OpenID))
		binary.BigEndian.PutUint32(rec[20:], uint32(s.relStart))
		binary.BigEndian.PutUint32(rec[24:], uint32(s.relEnd))
		etag.Write(rec[:])
	}

	f := &File{
		dir:          dir,
		etag:         fmt.Sprintf("%q", hex.EncodeToString(etag.Sum(nil))),
		lastModified: lastModified.ToGoTime(),
	}

	var err error
	switch b.mode {
	case Normal:
		err = b.buildNormal(db, f)
	case InitSegment:
		err = b.buildInitSegment(db, f)
	case MediaSegment:
		err = b.buildMediaSegment(f)
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

// load decodes the segment's sample index and selects the included samples:
// from the last key frame at or before relStart through the last sample
// starting before relEnd, with the final sample's duration patched so the
// track ends exactly at relEnd.
func (s *segment) load(db *metadb.DB) error {
	var all []recording.Sample
	err := db.WithRecordingPlayback(s.rec.ID, func(index []byte) error {
		it := recording.NewSampleIndexIterator(index)
		for {
			sample, ok, err := it.Next()
			if err != nil {
				return merr.Wrap(merr.DataLoss, err, "corrupt sample index for %s", s.rec.ID)
			}
			if !ok {
				return nil
			}
			all = append(all, sample)
		}
	})
	if err != nil {
		return err
	}
	if len(all) == 0 {
		return merr.New(merr.Internal, "recording %s has an empty sample index", s.rec.ID)
	}

	startIdx := 0
	endIdx := len(all)
	for i, sample := range all {
		if sample.IsKey && sample.StartTicks <= int64(s.relStart) {
			startIdx = i
		}
		if sample.StartTicks >= int64(s.relEnd) {
			endIdx = i
			break
		}
	}
	if startIdx >= endIdx {
		return merr.New(merr.OutOfRange, "no samples of %s within [%d, %d)", s.rec.ID, s.relStart, s.relEnd)
	}

	s.samples = all[startIdx:endIdx]
	s.actualStart = s.samples[0].StartTicks
	s.fileOff = s.samples[0].FileOffset
	last := s.samples[len(s.samples)-1]
	s.fileLen = last.FileOffset + int64(last.Bytes) - s.fileOff

	s.durations = make([]int32, len(s.samples))
	for i, sample := range s.samples {
		s.durations[i] = sample.DurationTicks
	}
	s.durations[len(s.durations)-1] = int32(int64(s.relEnd) - last.StartTicks)
	return nil
}

// mediaToWall maps a media offset within the recording to wall time,
// scaling by the recording's wall/media ratio (the two differ by at most
// 500 ppm of clock correction).
func (s *segment) mediaToWall(mediaOff moontime.Duration) moontime.Time {
	if s.rec.MediaDuration == 0 {
		return s.rec.Start
	}
	scaled := int64(mediaOff) * int64(s.rec.WallDuration) / int64(s.rec.MediaDuration)
	return s.rec.Start.Add(moontime.Duration(scaled))
}

func (s *segment) computeSubtitleRange() {
	s.wallStart = s.mediaToWall(moontime.Duration(s.actualStart))
	s.wallEnd = s.mediaToWall(s.relEnd)
	startSec := int64(s.wallStart) / moontime.TicksPerSecond
	endSec := (int64(s.wallEnd) + moontime.TicksPerSecond - 1) / moontime.TicksPerSecond
	s.subtitleCount = int(endSec - startSec)
	if s.subtitleCount < 1 {
		s.subtitleCount = 1
	}
}

// mediaDuration returns the requested (post-edit-list) duration of the
// segment.
func (s *segment) mediaDuration() int64 { return int64(s.relEnd - s.relStart) }

// trackDuration returns the duration of the segment's samples as stored in
// the track, including any pre-relStart lead-in the edit list skips.
func (s *segment) trackDuration() int64 { return int64(s.relEnd) - s.actualStart }

func (b *FileBuilder) videoSampleEntries(db *metadb.DB) ([]recording.VideoSampleEntry, map[int64]uint32, error) {
	var entries []recording.VideoSampleEntry
	descIndex := make(map[int64]uint32)
	for _, s := range b.segments {
		if _, ok := descIndex[s.rec.VideoSampleEntryID]; ok {
			continue
		}
		e, err := db.VideoSampleEntryByID(s.rec.VideoSampleEntryID)
		if err != nil {
			return nil, nil, err
		}
		entries = append(entries, e)
		descIndex[e.ID] = uint32(len(entries))
	}
	return entries, descIndex, nil
}
