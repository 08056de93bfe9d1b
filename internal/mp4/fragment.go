package mp4

import (
	"github.com/moonfire-go/nvrcore/internal/merr"
	"github.com/moonfire-go/nvrcore/internal/metadb"
	"github.com/moonfire-go/nvrcore/internal/moontime"
)

// buildInitSegment assembles the fragmented-playback bootstrap: ftyp + moov
// with an mvex box and empty sample tables. The appended recording supplies
// only the video sample entry; its samples are not referenced.
func (b *FileBuilder) buildInitSegment(db *metadb.DB, f *File) error {
	entries, _, err := b.videoSampleEntries(db)
	if err != nil {
		return err
	}
	entry := entries[0]

	var ftypP bbuf
	ftypP.str("iso5")
	ftypP.u32(1)
	ftypP.str("iso5")
	ftypP.str("avc1")
	ftypP.str("mp41")
	ftyp := wrap("ftyp", ftypP.b)

	creation := mp4Epoch(int64(b.segments[0].rec.Start) / moontime.TicksPerSecond)

	var emptyTable bbuf
	emptyTable.fullHeader(0, 0)
	emptyTable.u32(0)

	var stszP bbuf
	stszP.fullHeader(0, 0)
	stszP.u32(0)
	stszP.u32(0)

	stbl := wrap("stbl",
		b.buildVideoStsd(entries[:1]),
		wrap("stts", emptyTable.b),
		wrap("stsc", emptyTable.b),
		wrap("stsz", stszP.b),
		wrap("stco", emptyTable.b),
	)

	var vmhd bbuf
	vmhd.fullHeader(0, 1)
	vmhd.zeros(8)
	minf := wrap("minf", wrap("vmhd", vmhd.b), dinf(), stbl)
	mdia := wrap("mdia", mdhd(creation, 0), hdlr("vide", "VideoHandler"), minf)
	trak := wrap("trak", tkhd(creation, videoTrackID, 0, entry.Width, entry.Height), mdia)

	var trex bbuf
	trex.fullHeader(0, 0)
	trex.u32(videoTrackID)
	trex.u32(1) // default_sample_description_index
	trex.u32(0)
	trex.u32(0)
	trex.u32(0)
	mvex := wrap("mvex", wrap("trex", trex.b))

	moov := wrap("moov", mvhd(creation, 0, videoTrackID+1), trak, mvex)

	f.slices.appendBuf(ftyp)
	f.slices.appendBuf(moov)
	return nil
}

// Default sample flags for a fragment run: non-key samples depending on
// others; the first sample of a run overrides these to mark itself sync.
const (
	fragDefaultSampleFlags = 0x00010000 // sample_is_non_sync_sample
	fragFirstSampleFlags   = 0x02000000 // sample_depends_on: none (sync)
)

// buildMediaSegment assembles one moof + mdat covering the single appended
// recording's subrange, with 32-bit data offsets (so it must fit 4 GiB).
func (b *FileBuilder) buildMediaSegment(f *File) error {
	s := b.segments[0]

	var tfhd bbuf
	tfhd.fullHeader(0, 0x020020) // default-base-is-moof | default_sample_flags present
	tfhd.u32(videoTrackID)
	tfhd.u32(fragDefaultSampleFlags)

	var tfdt bbuf
	tfdt.fullHeader(1, 0)
	tfdt.u64(uint64(s.actualStart))

	// trun flags: data-offset, first-sample-flags, per-sample duration and
	// size.
	var trun bbuf
	trun.fullHeader(0, 0x000305)
	trun.u32(uint32(len(s.samples)))
	dataOffsetAt := len(trun.b)
	trun.i32(0) // patched below once the moof size is known
	trun.u32(fragFirstSampleFlags)
	for i, sample := range s.samples {
		trun.i32(s.durations[i])
		trun.i32(sample.Bytes)
	}

	var mfhd bbuf
	mfhd.fullHeader(0, 0)
	mfhd.u32(1) // sequence_number; the caller streams one segment per message

	traf := wrap("traf", wrap("tfhd", tfhd.b), wrap("tfdt", tfdt.b), wrap("trun", trun.b))
	moof := wrap("moof", wrap("mfhd", mfhd.b), traf)

	total := int64(len(moof)) + 8 + s.fileLen
	if total > mediaSegmentMaxSize {
		return merr.New(merr.OutOfRange,
			"media segment of %d bytes exceeds the 32-bit offset limit", total)
	}

	// data_offset is relative to the start of the moof.
	dataOffset := int32(len(moof) + 8)
	// Locate the trun payload inside the assembled moof and patch in place:
	// moof(8) + mfhd box + traf(8) + tfhd box + tfdt box + trun(8) + offset
	// within trun payload.
	patchAt := 8 + (8 + len(mfhd.b)) + 8 + (8 + len(tfhd.b)) + (8 + len(tfdt.b)) + 8 + dataOffsetAt
	moof[patchAt] = byte(uint32(dataOffset) >> 24)
	moof[patchAt+1] = byte(uint32(dataOffset) >> 16)
	moof[patchAt+2] = byte(uint32(dataOffset) >> 8)
	moof[patchAt+3] = byte(uint32(dataOffset))

	var mdatHead bbuf
	mdatHead.u32(uint32(8 + s.fileLen))
	mdatHead.str("mdat")

	f.slices.appendBuf(moof)
	f.slices.appendBuf(mdatHead.b)
	f.slices.appendFile(s.rec.ID, s.fileOff, s.fileLen)
	return nil
}
