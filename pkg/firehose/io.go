package firehose

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/anthropics/edl-go/pkg/gpt"
	"github.com/anthropics/edl-go/pkg/sparse"
)

// ProgressFunc reports (bytesDone, bytesTotal) as a chunked operation
// proceeds (spec §4.3's "chunked partition I/O" progress callback).
type ProgressFunc func(done, total int64)

// ChunkFunc reports per-chunk progress as (chunkIndex, totalChunks,
// chunkBytes) (spec §4.3).
type ChunkFunc func(index, totalChunks int, chunkBytes int)

// readRaw performs one <read .../> command and returns exactly
// p.NumPartitionSectors*p.SectorSizeInBytes bytes (spec §4.3's Read
// timeline): probe for the rawmode-ready signal, fold in any spillover
// bytes that had already arrived, then read the remainder directly into
// the destination buffer up to rawIOChunk per I/O, then the trailing ACK.
func (s *Session) readRaw(ctx context.Context, p ReadWriteParams) ([]byte, error) {
	want := int64(p.NumPartitionSectors) * int64(p.SectorSizeInBytes)

	s.port.DiscardIn()
	if err := s.port.Write(ctx, buildEnvelope(readVerb(p))); err != nil {
		return nil, err
	}

	rawCtx, cancel := context.WithTimeout(ctx, rawModeTotalTimeout)
	defer cancel()

	spill, err := s.waitForRawmode(rawCtx)
	if err != nil {
		return nil, fmt.Errorf("firehose: read: %w", err)
	}

	dest := make([]byte, want)
	got := copy(dest, spill)
	var leftoverAfterWant []byte
	if int64(len(spill)) > want {
		leftoverAfterWant = spill[want:]
	}

	for int64(got) < want {
		end := int64(got) + rawIOChunk
		if end > want {
			end = want
		}
		if err := s.port.ReadExact(rawCtx, dest[got:end]); err != nil {
			return nil, fmt.Errorf("firehose: read: payload short-count: %w", err)
		}
		got = int(end)
	}

	if _, err := s.readAck(ctx, ackWaitBudget, leftoverAfterWant); err != nil {
		return nil, fmt.Errorf("firehose: read: %w", err)
	}
	return dest, nil
}

// writeRaw performs one <program .../> command, sending exactly
// p.NumPartitionSectors*p.SectorSizeInBytes bytes read from src, zero
// padding any short tail to the sector boundary (spec §4.3's Program
// timeline, §8's invariant).
func (s *Session) writeRaw(ctx context.Context, p ReadWriteParams, src io.Reader) error {
	want := int64(p.NumPartitionSectors) * int64(p.SectorSizeInBytes)

	s.port.DiscardIn()
	if err := s.port.Write(ctx, buildEnvelope(programVerb(p))); err != nil {
		return err
	}

	rawCtx, cancel := context.WithTimeout(ctx, rawModeTotalTimeout)
	defer cancel()

	spill, err := s.waitForRawmode(rawCtx)
	if err != nil {
		return fmt.Errorf("firehose: program: %w", err)
	}

	var sent int64
	for sent < want {
		n := want - sent
		if n > rawIOChunk {
			n = rawIOChunk
		}
		buf := s.pool.Get(int(n))[:n]
		rn, rerr := io.ReadFull(src, buf)
		if rerr == io.ErrUnexpectedEOF || rerr == io.EOF {
			for i := rn; i < len(buf); i++ {
				buf[i] = 0
			}
			rerr = nil
		}
		if rerr != nil {
			s.pool.Put(buf)
			return fmt.Errorf("firehose: program: reading source: %w", rerr)
		}
		if werr := s.port.Write(ctx, buf); werr != nil {
			s.pool.Put(buf)
			return werr
		}
		s.pool.Put(buf)
		sent += n
	}

	if _, err := s.readAck(ctx, programAckTimeout, spill); err != nil {
		return fmt.Errorf("firehose: program: %w", err)
	}
	return nil
}

// ChunkedRead reads numSectors sectors starting at startSector (possibly
// negative, end-relative) from lun, split across Session.EffectiveChunkSize
// chunks, per spec §4.3's "chunked partition I/O".
func (s *Session) ChunkedRead(ctx context.Context, lun uint8, startSector int64, numSectors uint64, progress ProgressFunc, onChunk ChunkFunc) ([]byte, error) {
	sectorSize := s.sectorSize
	chunkSectors := s.EffectiveChunkSize() / sectorSize
	if chunkSectors == 0 {
		chunkSectors = 1
	}
	totalBytes := int64(numSectors) * int64(sectorSize)
	out := make([]byte, 0, totalBytes)

	totalChunks := int((numSectors + uint64(chunkSectors) - 1) / uint64(chunkSectors))
	var done int64
	remaining := numSectors
	sector := startSector
	for i := 0; remaining > 0; i++ {
		n := uint64(chunkSectors)
		if n > remaining {
			n = remaining
		}
		data, err := s.readChunkWithStrategy(ctx, lun, sector, n, sectorSize)
		if err != nil {
			return nil, fmt.Errorf("firehose: chunked read (chunk %d/%d): %w", i+1, totalChunks, err)
		}
		out = append(out, data...)
		done += int64(len(data))
		if progress != nil {
			progress(done, totalBytes)
		}
		if onChunk != nil {
			onChunk(i, totalChunks, len(data))
		}
		remaining -= n
		sector += int64(n)
	}
	return out, nil
}

// ChunkedWrite writes exactly numSectors sectors of src (zero-padding any
// short tail) to lun starting at startSector, split across
// Session.EffectiveChunkSize chunks.
func (s *Session) ChunkedWrite(ctx context.Context, lun uint8, startSector int64, numSectors uint64, src io.Reader, progress ProgressFunc, onChunk ChunkFunc) error {
	sectorSize := s.sectorSize
	chunkSectors := s.EffectiveChunkSize() / sectorSize
	if chunkSectors == 0 {
		chunkSectors = 1
	}
	totalBytes := int64(numSectors) * int64(sectorSize)

	totalChunks := int((numSectors + uint64(chunkSectors) - 1) / uint64(chunkSectors))
	var done int64
	remaining := numSectors
	sector := startSector
	for i := 0; remaining > 0; i++ {
		n := uint64(chunkSectors)
		if n > remaining {
			n = remaining
		}
		chunkLen := int64(n) * int64(sectorSize)
		if err := s.writeChunkWithStrategy(ctx, lun, sector, n, sectorSize, io.LimitReader(src, chunkLen)); err != nil {
			return fmt.Errorf("firehose: chunked write (chunk %d/%d): %w", i+1, totalChunks, err)
		}
		done += chunkLen
		if progress != nil {
			progress(done, totalBytes)
		}
		if onChunk != nil {
			onChunk(i, totalChunks, int(chunkLen))
		}
		remaining -= n
		sector += int64(n)
	}
	return nil
}

// WriteSparse implements the Sparse write path of spec §4.3: compute the
// union of real-data ranges from an Android sparse stream and either issue
// a single erase (blank image) or, for each contiguous range, a
// ChunkedWrite (one program per effective-chunk-sized piece of the range).
func (s *Session) WriteSparse(ctx context.Context, lun uint8, startSector int64, st *sparse.Stream, progress ProgressFunc) error {
	sectorSize := int64(s.sectorSize)
	ranges := st.GetDataRanges()

	if len(ranges) == 0 {
		numSectors := uint64((st.Length() + sectorSize - 1) / sectorSize)
		s.log.WithField("sectors", numSectors).Debug("firehose: sparse image has no real data, erasing instead of programming")
		return s.Erase(ctx, lun, startSector, numSectors)
	}

	var done, total int64
	for _, r := range ranges {
		total += r.Length
	}

	for _, r := range ranges {
		sectorOffset := r.Offset / sectorSize
		sector := startSector + sectorOffset
		numSectors := uint64((r.Length + sectorSize - 1) / sectorSize)

		if _, err := st.Seek(r.Offset, io.SeekStart); err != nil {
			return fmt.Errorf("firehose: sparse write: seek range: %w", err)
		}
		rangeReader := io.LimitReader(st, r.Length)
		if err := s.ChunkedWrite(ctx, lun, sector, numSectors, rangeReader, nil, nil); err != nil {
			return fmt.Errorf("firehose: sparse write: range at %d: %w", r.Offset, err)
		}
		done += r.Length
		if progress != nil {
			progress(done, total)
		}
	}
	return nil
}

// readChunkWithStrategy performs one chunk's <read .../>, trying VIP spoof
// strategies in priority order when VipMode is enabled (spec §4.3's "VIP
// spoofing strategies for read/write/erase").
func (s *Session) readChunkWithStrategy(ctx context.Context, lun uint8, sector int64, numSectors uint64, sectorSize uint32) ([]byte, error) {
	base := ReadWriteParams{
		SectorSizeInBytes:       sectorSize,
		NumPartitionSectors:     numSectors,
		PhysicalPartitionNumber: lun,
		StartSector:             gpt.NegativeSectorLiteral(sector),
	}
	if !s.cfg.VipMode {
		return s.readRaw(ctx, base)
	}
	var lastErr error
	for _, strat := range vipSpoofStrategies(lun) {
		p := base
		p.Label, p.Filename = strat.label, strat.filename
		data, err := s.readRaw(ctx, p)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if !isRetryableStrategyError(err) {
			return nil, err
		}
		time.Sleep(vipStrategyDelay)
	}
	return nil, fmt.Errorf("firehose: all VIP read strategies exhausted: %w", lastErr)
}

// writeChunkWithStrategy mirrors readChunkWithStrategy for program.
func (s *Session) writeChunkWithStrategy(ctx context.Context, lun uint8, sector int64, numSectors uint64, sectorSize uint32, src io.Reader) error {
	base := ReadWriteParams{
		SectorSizeInBytes:       sectorSize,
		NumPartitionSectors:     numSectors,
		PhysicalPartitionNumber: lun,
		StartSector:             gpt.NegativeSectorLiteral(sector),
	}
	if !s.cfg.VipMode {
		return s.writeRaw(ctx, base, src)
	}

	buf, err := io.ReadAll(src)
	if err != nil {
		return fmt.Errorf("firehose: buffering chunk for VIP retry: %w", err)
	}
	var lastErr error
	for _, strat := range vipSpoofStrategies(lun) {
		p := base
		p.Label, p.Filename = strat.label, strat.filename
		err := s.writeRaw(ctx, p, bytesReader(buf))
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryableStrategyError(err) {
			return err
		}
		time.Sleep(vipStrategyDelay)
	}
	return fmt.Errorf("firehose: all VIP program strategies exhausted: %w", lastErr)
}

// eraseWithStrategy mirrors the spoof iteration for erase, which carries no
// label/filename of its own in the wire form (spec §4.3's erase verb) but
// still benefits from the same timeout/NAK -> next-strategy retry shape
// when one storage backend rejects the LUN addressing.
func (s *Session) eraseWithStrategy(ctx context.Context, lun uint8, startSector int64, numSectors uint64) error {
	if !s.cfg.VipMode {
		return s.doErase(ctx, lun, startSector, numSectors)
	}
	var lastErr error
	for range vipSpoofStrategies(lun) {
		err := s.doErase(ctx, lun, startSector, numSectors)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryableStrategyError(err) {
			return err
		}
		time.Sleep(vipStrategyDelay)
	}
	return fmt.Errorf("firehose: all VIP erase strategies exhausted: %w", lastErr)
}

// isRetryableStrategyError reports whether a failed VIP strategy attempt
// should fall through to the next strategy: a timeout, or a NAK whose kind
// is itself retryable (spec §4.3: "a timeout or NAK on one strategy moves
// to the next").
func isRetryableStrategyError(err error) bool {
	var nakErr *NAKError
	if asNAKError(err, &nakErr) {
		return nakErr.Kind.CanRetry()
	}
	return true // treat anything else (including timeouts) as worth a retry
}

func asNAKError(err error, target **NAKError) bool {
	for err != nil {
		if n, ok := err.(*NAKError); ok {
			*target = n
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

type bytesReaderT struct {
	b []byte
	i int
}

func bytesReader(b []byte) io.Reader { return &bytesReaderT{b: b} }

func (r *bytesReaderT) Read(p []byte) (int, error) {
	if r.i >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.i:])
	r.i += n
	return n, nil
}
