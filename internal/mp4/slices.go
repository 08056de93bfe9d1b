package mp4

import (
	"fmt"
	"io"
	"sort"

	"github.com/moonfire-go/nvrcore/internal/merr"
	"github.com/moonfire-go/nvrcore/internal/moontime"
	"github.com/moonfire-go/nvrcore/internal/sampledir"
)

// A built File's body is a sequence of slices: small in-RAM buffers holding
// box headers and tables, interleaved with byte ranges of raw sample files.
// Nothing is ever copied out of a sample file at build time; a file slice is
// only opened and read when a range request actually covers it.
type sliceKind int

const (
	sliceBuf sliceKind = iota
	sliceFile
)

type slice struct {
	// end is this slice's exclusive end offset within the whole file. The
	// slice's start is the previous slice's end (0 for the first), so the
	// vector can be binary-searched by end alone.
	end  int64
	kind sliceKind

	// buf holds the bytes of a sliceBuf.
	buf []byte

	// fileID/fileOff locate a sliceFile's bytes: the sample file to read
	// and the offset within it where this slice begins.
	fileID  moontime.CompositeId
	fileOff int64
}

type slices struct {
	s []slice
}

func (v *slices) appendBuf(b []byte) {
	if len(b) == 0 {
		return
	}
	v.s = append(v.s, slice{end: v.size() + int64(len(b)), kind: sliceBuf, buf: b})
}

func (v *slices) appendFile(id moontime.CompositeId, off, length int64) {
	if length == 0 {
		return
	}
	v.s = append(v.s, slice{end: v.size() + length, kind: sliceFile, fileID: id, fileOff: off})
}

func (v *slices) size() int64 {
	if len(v.s) == 0 {
		return 0
	}
	return v.s[len(v.s)-1].end
}

// writeRange streams the byte range [begin, end) to w, resolving each
// covered slice in turn: buffers are written directly, file slices open the
// sample file, seek, and copy just the covered bytes.
func (v *slices) writeRange(w io.Writer, begin, end int64, dir *sampledir.Dir) error {
	if begin < 0 || begin > end || end > v.size() {
		return merr.New(merr.OutOfRange, "range [%d, %d) outside file of size %d", begin, end, v.size())
	}
	if begin == end {
		return nil
	}

	// First slice whose exclusive end is past the start of the request.
	i := sort.Search(len(v.s), func(i int) bool { return v.s[i].end > begin })

	pos := begin
	for ; i < len(v.s) && pos < end; i++ {
		sl := &v.s[i]
		start := int64(0)
		if i > 0 {
			start = v.s[i-1].end
		}
		from := pos - start
		until := sl.end - start
		if sl.end > end {
			until = end - start
		}

		switch sl.kind {
		case sliceBuf:
			if _, err := w.Write(sl.buf[from:until]); err != nil {
				return err
			}
		case sliceFile:
			if err := copyFileRange(w, dir, sl.fileID, sl.fileOff+from, until-from); err != nil {
				return err
			}
		}
		pos = start + until
	}
	if pos != end {
		return merr.New(merr.Internal, "range [%d, %d) stopped at %d", begin, end, pos)
	}
	return nil
}

func copyFileRange(w io.Writer, dir *sampledir.Dir, id moontime.CompositeId, off, length int64) error {
	f, err := dir.OpenFile(id)
	if err != nil {
		return merr.Wrap(merr.DataLoss, err, "sample file %s missing for committed recording", id)
	}
	defer f.Close()
	if _, err := f.Seek(off, io.SeekStart); err != nil {
		return fmt.Errorf("mp4: seek %s to %d: %w", id, off, err)
	}
	n, err := io.CopyN(w, f, length)
	if err != nil {
		return fmt.Errorf("mp4: read %s [%d, %d): copied %d: %w", id, off, off+length, n, err)
	}
	return nil
}
