package mp4

import (
	"time"

	"github.com/moonfire-go/nvrcore/internal/merr"
	"github.com/moonfire-go/nvrcore/internal/metadb"
	"github.com/moonfire-go/nvrcore/internal/moontime"
	"github.com/moonfire-go/nvrcore/internal/recording"
)

// buildNormal assembles ftyp + moov + mdat. The mdat body is laid out as
// each segment's sample-file byte range in order, followed by the generated
// subtitle samples (if any); co64/stco entries point into it by absolute
// file offset.
func (b *FileBuilder) buildNormal(db *metadb.DB, f *File) error {
	entries, descIndex, err := b.videoSampleEntries(db)
	if err != nil {
		return err
	}

	var subtitleData []byte
	if b.subtitles {
		subtitleData = b.buildSubtitleSamples()
	}

	var mdatLen int64
	for _, s := range b.segments {
		mdatLen += s.fileLen
	}
	mdatLen += int64(len(subtitleData))

	ftyp := wrap("ftyp", ftypPayload())

	// The moov's size doesn't depend on the chunk-offset values (co64
	// entries are fixed-width), so build it once with placeholder offsets
	// to learn the header length, then again with real ones.
	zeroOffsets := make([]int64, len(b.segments))
	probe := b.buildMoov(entries, descIndex, zeroOffsets, zeroOffsets)
	headerLen := int64(len(ftyp)) + int64(len(probe)) + 16 // 16: largesize mdat header

	videoOffsets := make([]int64, len(b.segments))
	off := headerLen
	for i, s := range b.segments {
		videoOffsets[i] = off
		off += s.fileLen
	}
	subtitleOffsets := make([]int64, len(b.segments))
	for i, s := range b.segments {
		subtitleOffsets[i] = off
		off += int64(s.subtitleCount * subtitleSampleLen)
	}

	moov := b.buildMoov(entries, descIndex, videoOffsets, subtitleOffsets)
	if len(moov) != len(probe) {
		return merr.New(merr.Internal, "moov size changed between passes: %d != %d", len(moov), len(probe))
	}

	f.slices.appendBuf(ftyp)
	f.slices.appendBuf(moov)
	f.slices.appendBuf(mdatHeader(mdatLen))
	for _, s := range b.segments {
		f.slices.appendFile(s.rec.ID, s.fileOff, s.fileLen)
	}
	f.slices.appendBuf(subtitleData)
	return nil
}

func ftypPayload() []byte {
	var p bbuf
	p.str("isom")
	p.u32(0x200)
	p.str("isom")
	p.str("iso2")
	p.str("avc1")
	p.str("mp41")
	return p.b
}

func (b *FileBuilder) totalRequestedDuration() int64 {
	var total int64
	for _, s := range b.segments {
		total += s.mediaDuration()
	}
	return total
}

func (b *FileBuilder) buildMoov(entries []recording.VideoSampleEntry, descIndex map[int64]uint32, videoOffsets, subtitleOffsets []int64) []byte {
	requested := b.totalRequestedDuration()
	creation := mp4Epoch(int64(b.segments[0].rec.Start) / moontime.TicksPerSecond)

	children := [][]byte{
		mvhd(creation, uint64(requested), subtitleTrackID+1),
		b.buildVideoTrak(entries, descIndex, videoOffsets, creation, requested),
	}
	if b.subtitles {
		children = append(children, b.buildSubtitleTrak(subtitleOffsets, creation, requested))
	}
	return wrap("moov", children...)
}

func mvhd(creation uint32, duration uint64, nextTrack uint32) []byte {
	var p bbuf
	p.fullHeader(0, 0)
	p.u32(creation)
	p.u32(creation)
	p.u32(moontime.TicksPerSecond)
	p.u32(uint32(duration))
	p.u32(0x00010000) // rate 1.0
	p.u16(0x0100)     // volume 1.0
	p.zeros(10)
	writeUnityMatrix(&p)
	p.zeros(24) // pre_defined
	p.u32(nextTrack)
	return wrap("mvhd", p.b)
}

func writeUnityMatrix(p *bbuf) {
	p.u32(0x00010000)
	p.zeros(12)
	p.u32(0x00010000)
	p.zeros(12)
	p.u32(0x40000000)
}

func tkhd(creation uint32, trackID uint32, duration uint64, width, height uint16) []byte {
	var p bbuf
	p.fullHeader(0, 0x7) // enabled | in movie | in preview
	p.u32(creation)
	p.u32(creation)
	p.u32(trackID)
	p.u32(0) // reserved
	p.u32(uint32(duration))
	p.zeros(8)
	p.u16(0) // layer
	p.u16(0) // alternate_group
	p.u16(0) // volume (video)
	p.u16(0) // reserved
	writeUnityMatrix(&p)
	p.u32(uint32(width) << 16)
	p.u32(uint32(height) << 16)
	return wrap("tkhd", p.b)
}

func mdhd(creation uint32, duration uint64) []byte {
	var p bbuf
	p.fullHeader(0, 0)
	p.u32(creation)
	p.u32(creation)
	p.u32(moontime.TicksPerSecond)
	p.u32(uint32(duration))
	p.u16(0x55c4) // language "und"
	p.u16(0)
	return wrap("mdhd", p.b)
}

func hdlr(handler, name string) []byte {
	var p bbuf
	p.fullHeader(0, 0)
	p.u32(0)
	p.str(handler)
	p.zeros(12)
	p.str(name)
	p.u8(0)
	return wrap("hdlr", p.b)
}

func dinf() []byte {
	var url bbuf
	url.fullHeader(0, 1) // self-contained
	var dref bbuf
	dref.fullHeader(0, 0)
	dref.u32(1)
	dref.raw(wrap("url ", url.b))
	return wrap("dinf", wrap("dref", dref.b))
}

func (b *FileBuilder) buildVideoTrak(entries []recording.VideoSampleEntry, descIndex map[int64]uint32, chunkOffsets []int64, creation uint32, requested int64) []byte {
	var trackDur int64
	for _, s := range b.segments {
		trackDur += s.trackDuration()
	}

	children := [][]byte{
		tkhd(creation, videoTrackID, uint64(requested), entries[0].Width, entries[0].Height),
	}

	// Edit list: emitted iff the requested range doesn't begin on a key
	// frame, to skip the lead-in from the preceding key frame while
	// preserving the requested start.
	first := b.segments[0]
	if skip := int64(first.relStart) - first.actualStart; skip > 0 {
		var elst bbuf
		elst.fullHeader(1, 0)
		elst.u32(1)
		elst.u64(uint64(requested)) // segment_duration
		elst.i64(skip)              // media_time
		elst.i16(1)                 // media_rate_integer
		elst.i16(0)
		children = append(children, wrap("edts", wrap("elst", elst.b)))
	}

	stbl := [][]byte{
		b.buildVideoStsd(entries),
		b.buildStts(),
		b.buildStss(),
		b.buildVideoStsc(descIndex),
		b.buildStsz(),
		buildCo64(chunkOffsets),
	}

	var vmhd bbuf
	vmhd.fullHeader(0, 1)
	vmhd.zeros(8) // graphicsmode + opcolor

	minf := wrap("minf", wrap("vmhd", vmhd.b), dinf(), wrap("stbl", stbl...))
	mdia := wrap("mdia", mdhd(creation, uint64(trackDur)), hdlr("vide", "VideoHandler"), minf)
	children = append(children, mdia)
	return wrap("trak", children...)
}

// buildVideoStsd splices each distinct video sample entry's stored bytes
// verbatim; the entry data is the complete VisualSampleEntry box as captured
// at ingest (internal/streamsource).
func (b *FileBuilder) buildVideoStsd(entries []recording.VideoSampleEntry) []byte {
	var head bbuf
	head.fullHeader(0, 0)
	head.u32(uint32(len(entries)))
	payloads := [][]byte{head.b}
	for _, e := range entries {
		payloads = append(payloads, e.Data)
	}
	return wrap("stsd", payloads...)
}

// buildStts run-length encodes the concatenated per-sample durations of
// every segment.
func (b *FileBuilder) buildStts() []byte {
	type run struct {
		count uint32
		delta int32
	}
	var runs []run
	for _, s := range b.segments {
		for _, d := range s.durations {
			if n := len(runs); n > 0 && runs[n-1].delta == d {
				runs[n-1].count++
				continue
			}
			runs = append(runs, run{count: 1, delta: d})
		}
	}
	var p bbuf
	p.fullHeader(0, 0)
	p.u32(uint32(len(runs)))
	for _, r := range runs {
		p.u32(r.count)
		p.i32(r.delta)
	}
	return wrap("stts", p.b)
}

// buildStss lists the 1-based numbers of key samples across all segments.
func (b *FileBuilder) buildStss() []byte {
	var keys []uint32
	n := uint32(0)
	for _, s := range b.segments {
		for _, sample := range s.samples {
			n++
			if sample.IsKey {
				keys = append(keys, n)
			}
		}
	}
	var p bbuf
	p.fullHeader(0, 0)
	p.u32(uint32(len(keys)))
	for _, k := range keys {
		p.u32(k)
	}
	return wrap("stss", p.b)
}

// buildVideoStsc maps chunks to samples: one chunk per segment, carrying
// that segment's sample count and its codec's description index.
func (b *FileBuilder) buildVideoStsc(descIndex map[int64]uint32) []byte {
	var p bbuf
	p.fullHeader(0, 0)
	p.u32(uint32(len(b.segments)))
	for i, s := range b.segments {
		p.u32(uint32(i + 1))
		p.u32(uint32(len(s.samples)))
		p.u32(descIndex[s.rec.VideoSampleEntryID])
	}
	return wrap("stsc", p.b)
}

func (b *FileBuilder) buildStsz() []byte {
	var p bbuf
	p.fullHeader(0, 0)
	p.u32(0) // sample_size: not constant
	count := 0
	for _, s := range b.segments {
		count += len(s.samples)
	}
	p.u32(uint32(count))
	for _, s := range b.segments {
		for _, sample := range s.samples {
			p.i32(sample.Bytes)
		}
	}
	return wrap("stsz", p.b)
}

func buildCo64(offsets []int64) []byte {
	var p bbuf
	p.fullHeader(0, 0)
	p.u32(uint32(len(offsets)))
	for _, o := range offsets {
		p.u64(uint64(o))
	}
	return wrap("co64", p.b)
}

// buildSubtitleSamples renders one fixed-length timestamp sample per
// wall-clock second covered by each segment, back to back, in the order the
// segments appear in the mdat.
func (b *FileBuilder) buildSubtitleSamples() []byte {
	var p bbuf
	for _, s := range b.segments {
		startSec := int64(s.wallStart) / moontime.TicksPerSecond
		for i := 0; i < s.subtitleCount; i++ {
			t := time.Unix(startSec+int64(i), 0).In(b.loc)
			text := t.Format(subtitleTimeFormat)
			p.u16(uint16(len(text)))
			p.str(text)
		}
	}
	return p.b
}

func (b *FileBuilder) buildSubtitleTrak(chunkOffsets []int64, creation uint32, requested int64) []byte {
	// Per-sample durations: each sample covers the intersection of its
	// wall-clock second with the segment's wall range, so the track's total
	// duration matches the video track's wall span.
	type run struct {
		count uint32
		delta int32
	}
	var runs []run
	addDur := func(d int32) {
		if n := len(runs); n > 0 && runs[n-1].delta == d {
			runs[n-1].count++
			return
		}
		runs = append(runs, run{count: 1, delta: d})
	}
	var trackDur int64
	totalSamples := 0
	for _, s := range b.segments {
		startSec := int64(s.wallStart) / moontime.TicksPerSecond
		for i := 0; i < s.subtitleCount; i++ {
			lo := moontime.Time((startSec + int64(i)) * moontime.TicksPerSecond)
			hi := lo.Add(moontime.TicksPerSecond)
			if lo < s.wallStart {
				lo = s.wallStart
			}
			if hi > s.wallEnd {
				hi = s.wallEnd
			}
			d := int32(hi.Sub(lo))
			if d < 0 {
				d = 0
			}
			addDur(d)
			trackDur += int64(d)
			totalSamples++
		}
	}

	var stts bbuf
	stts.fullHeader(0, 0)
	stts.u32(uint32(len(runs)))
	for _, r := range runs {
		stts.u32(r.count)
		stts.i32(r.delta)
	}

	var stsc bbuf
	stsc.fullHeader(0, 0)
	stsc.u32(uint32(len(b.segments)))
	for i, s := range b.segments {
		stsc.u32(uint32(i + 1))
		stsc.u32(uint32(s.subtitleCount))
		stsc.u32(1)
	}

	var stsz bbuf
	stsz.fullHeader(0, 0)
	stsz.u32(uint32(subtitleSampleLen)) // constant size
	stsz.u32(uint32(totalSamples))

	stbl := wrap("stbl",
		subtitleStsd(),
		wrap("stts", stts.b),
		wrap("stsc", stsc.b),
		wrap("stsz", stsz.b),
		buildCo64(chunkOffsets),
	)

	var nmhd bbuf
	nmhd.fullHeader(0, 0)
	minf := wrap("minf", wrap("nmhd", nmhd.b), dinf(), stbl)
	mdia := wrap("mdia", mdhd(creation, uint64(trackDur)), hdlr("sbtl", "SubtitleHandler"), minf)
	return wrap("trak", tkhd(creation, subtitleTrackID, uint64(requested), 0, 0), mdia)
}

// subtitleStsd emits a minimal tx3g sample description.
func subtitleStsd() []byte {
	var e bbuf
	e.zeros(6) // reserved
	e.u16(1)   // data_reference_index
	e.u32(0)   // displayFlags
	e.u8(1)    // horizontal justification: center
	e.u8(0xff) // vertical justification: bottom
	e.zeros(4) // background color
	e.zeros(8) // default text box
	// default style record
	e.u16(0)
	e.u16(0)
	e.u16(1) // font ID
	e.u8(0)  // face
	e.u8(10) // size
	e.raw([]byte{0xff, 0xff, 0xff, 0xff})
	var ftab bbuf
	ftab.u16(1)
	ftab.u16(1)
	font := "Sans-Serif"
	ftab.u8(uint8(len(font)))
	ftab.str(font)
	entry := wrap("tx3g", e.b, wrap("ftab", ftab.b))

	var head bbuf
	head.fullHeader(0, 0)
	head.u32(1)
	return wrap("stsd", head.b, entry)
}
