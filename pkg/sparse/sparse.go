// Package sparse implements a read-only io.ReadSeeker over the Android
// sparse image format (spec §4.5 / §3's SparseHeader invariants): a header
// followed by chunks that each expand to either real data, a repeated
// fill pattern, or a run of sparse "don't care" zero blocks.
package sparse

import (
	"errors"
	"fmt"
	"io"

	"github.com/anthropics/edl-go/pkg/wire"
)

const (
	magic             = 0xED26FF3A
	headerSize        = 28
	chunkHeaderSize   = 12
	chunkTypeRaw      = 0xCAC1
	chunkTypeFill     = 0xCAC2
	chunkTypeDontCare = 0xCAC3
	chunkTypeCRC32    = 0xCAC4
)

// ErrBadMagic is returned when the buffer does not start with the sparse
// image magic number.
var ErrBadMagic = errors.New("sparse: bad magic")

// Range is one contiguous span of real data in the expanded image, as
// returned by GetDataRanges.
type Range struct {
	Offset int64 // offset in the expanded image
	Length int64
}

type chunk struct {
	chunkType    uint16
	outputBlocks uint32
	// For RAW chunks, srcOffset/srcLen locate the raw bytes within the
	// sparse file. For FILL chunks, fillOffset/fillLen locate the 4-byte
	// fill pattern. DONT_CARE and CRC32 chunks carry neither.
	srcOffset, srcLen   int64
	fillOffset, fillLen int64
}

// Stream is a sequential, seekable reader over the expanded contents of an
// Android sparse image. It never materializes the whole expanded image: it
// walks the chunk table to translate a requested offset into either a
// sparse-file byte range (RAW), a small repeated pattern (FILL), or zeros
// (DONT_CARE), and CRC32 chunks are parsed and skipped entirely.
type Stream struct {
	r         io.ReaderAt
	blockSize uint32
	chunks    []chunk
	totalLen  int64

	pos int64
}

// Open parses the sparse header and chunk table out of r (backed by size
// bytes of sparse-file content) and returns a Stream ready to read the
// expanded image from offset 0.
func Open(r io.ReaderAt, size int64) (*Stream, error) {
	hdr := make([]byte, headerSize)
	if _, err := r.ReadAt(hdr, 0); err != nil {
		return nil, fmt.Errorf("sparse: read header: %w", err)
	}
	if wire.Uint32(hdr, 0) != magic {
		return nil, ErrBadMagic
	}
	blockSize := wire.Uint32(hdr, 12)
	totalBlocks := wire.Uint32(hdr, 16)
	totalChunks := wire.Uint32(hdr, 20)

	s := &Stream{r: r, blockSize: blockSize}
	off := int64(headerSize)
	var expanded int64

	for i := uint32(0); i < totalChunks; i++ {
		chdr := make([]byte, chunkHeaderSize)
		if _, err := r.ReadAt(chdr, off); err != nil {
			return nil, fmt.Errorf("sparse: read chunk %d header: %w", i, err)
		}
		chunkType := wire.Uint16(chdr, 0)
		outputBlocks := wire.Uint32(chdr, 4)
		chunkSize := wire.Uint32(chdr, 8) // total bytes incl. this header
		dataLen := int64(chunkSize) - chunkHeaderSize

		c := chunk{chunkType: chunkType, outputBlocks: outputBlocks}
		switch chunkType {
		case chunkTypeRaw:
			c.srcOffset = off + chunkHeaderSize
			c.srcLen = dataLen
		case chunkTypeFill:
			c.fillOffset = off + chunkHeaderSize
			c.fillLen = dataLen
		case chunkTypeDontCare, chunkTypeCRC32:
			// no payload to track beyond the output block count
		default:
			return nil, fmt.Errorf("sparse: unknown chunk type %#x at chunk %d", chunkType, i)
		}
		s.chunks = append(s.chunks, c)
		expanded += int64(outputBlocks) * int64(blockSize)
		off += int64(chunkSize)
	}

	if expanded != int64(totalBlocks)*int64(blockSize) {
		return nil, fmt.Errorf("sparse: chunk output %d does not match header total %d", expanded, int64(totalBlocks)*int64(blockSize))
	}
	s.totalLen = expanded
	return s, nil
}

// Length returns the full expanded image size in bytes.
func (s *Stream) Length() int64 { return s.totalLen }

// GetRealDataSize returns the number of bytes actually backed by RAW or
// nonzero FILL chunks (i.e. excluding DONT_CARE runs and all-zero fills).
func (s *Stream) GetRealDataSize() int64 {
	var n int64
	for _, c := range s.chunks {
		switch c.chunkType {
		case chunkTypeRaw:
			n += int64(c.outputBlocks) * int64(s.blockSize)
		case chunkTypeFill:
			if !s.isZeroFill(c) {
				n += int64(c.outputBlocks) * int64(s.blockSize)
			}
		}
	}
	return n
}

// GetDataRanges returns the ordered, non-overlapping list of expanded-image
// (offset, length) spans backed by RAW or nonzero-FILL chunks, suppressing
// DONT_CARE and all-zero FILL regions (spec §4.5).
func (s *Stream) GetDataRanges() []Range {
	var ranges []Range
	var offset int64
	for _, c := range s.chunks {
		length := int64(c.outputBlocks) * int64(s.blockSize)
		switch c.chunkType {
		case chunkTypeRaw:
			ranges = appendOrMerge(ranges, Range{Offset: offset, Length: length})
		case chunkTypeFill:
			if !s.isZeroFill(c) {
				ranges = appendOrMerge(ranges, Range{Offset: offset, Length: length})
			}
		}
		offset += length
	}
	return ranges
}

func appendOrMerge(ranges []Range, r Range) []Range {
	if n := len(ranges); n > 0 && ranges[n-1].Offset+ranges[n-1].Length == r.Offset {
		ranges[n-1].Length += r.Length
		return ranges
	}
	return append(ranges, r)
}

func (s *Stream) isZeroFill(c chunk) bool {
	pattern := make([]byte, c.fillLen)
	if _, err := s.r.ReadAt(pattern, c.fillOffset); err != nil {
		return false
	}
	for _, b := range pattern {
		if b != 0 {
			return false
		}
	}
	return true
}

// Seek implements io.Seeker over the expanded image.
func (s *Stream) Seek(offset int64, whence int) (int64, error) {
	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = s.pos + offset
	case io.SeekEnd:
		newPos = s.totalLen + offset
	default:
		return 0, fmt.Errorf("sparse: invalid whence %d", whence)
	}
	if newPos < 0 || newPos > s.totalLen {
		return 0, fmt.Errorf("sparse: seek out of range: %d", newPos)
	}
	s.pos = newPos
	return s.pos, nil
}

// Read implements io.Reader over the expanded image, translating the
// current position through the chunk table on every call.
func (s *Stream) Read(p []byte) (int, error) {
	if s.pos >= s.totalLen {
		return 0, io.EOF
	}
	n, err := s.readAt(p, s.pos)
	s.pos += int64(n)
	return n, err
}

// readAt fills p with expanded-image bytes starting at off, stopping at
// the end of the chunk that contains off (callers loop via Read for more).
func (s *Stream) readAt(p []byte, off int64) (int, error) {
	var chunkStart int64
	for _, c := range s.chunks {
		chunkLen := int64(c.outputBlocks) * int64(s.blockSize)
		chunkEnd := chunkStart + chunkLen
		if off >= chunkStart && off < chunkEnd {
			within := off - chunkStart
			avail := chunkLen - within
			n := int64(len(p))
			if n > avail {
				n = avail
			}
			switch c.chunkType {
			case chunkTypeRaw:
				return s.r.ReadAt(p[:n], c.srcOffset+within)
			case chunkTypeFill:
				return s.readFill(p[:n], c, within)
			default: // DONT_CARE, CRC32
				for i := int64(0); i < n; i++ {
					p[i] = 0
				}
				return int(n), nil
			}
		}
		chunkStart = chunkEnd
	}
	return 0, io.EOF
}

func (s *Stream) readFill(p []byte, c chunk, within int64) (int, error) {
	pattern := make([]byte, c.fillLen)
	if _, err := s.r.ReadAt(pattern, c.fillOffset); err != nil {
		return 0, fmt.Errorf("sparse: read fill pattern: %w", err)
	}
	patLen := int64(len(pattern))
	if patLen == 0 {
		for i := range p {
			p[i] = 0
		}
		return len(p), nil
	}
	for i := range p {
		p[i] = pattern[(within+int64(i))%patLen]
	}
	return len(p), nil
}
