// Package edl is the caller-facing façade (spec §2 item 6): it sequences
// the Sahara handshake and the Firehose engine over a single Transport and
// exposes partition-level conveniences, mirroring the teacher's
// device.Device façade over pkg/driver.DeviceFile.
package edl

import (
	"context"
	"fmt"
	"io"

	"github.com/anthropics/edl-go/pkg/firehose"
	"github.com/anthropics/edl-go/pkg/gpt"
	"github.com/anthropics/edl-go/pkg/sahara"
	"github.com/anthropics/edl-go/pkg/sparse"
	"github.com/anthropics/edl-go/pkg/transport"
	"github.com/sirupsen/logrus"
)

// Options configures a Session before Connect (spec §6's "Configuration
// surface of the core"), following the teacher's struct-plus-defaults shape.
type Options struct {
	Firehose firehose.SessionConfig
	Log      *logrus.Logger
}

// DefaultOptions returns Options with a UFS-default Firehose configuration.
func DefaultOptions() Options {
	return Options{Firehose: firehose.DefaultSessionConfig(firehose.StorageUFS)}
}

// Session is the top-level EDL client: it owns the Transport for the
// lifetime of a device connection and drives Sahara then Firehose over it.
type Session struct {
	port transport.Port
	log  *logrus.Logger
	opts Options

	Chip     *sahara.ChipInfo
	Firehose *firehose.Session
}

// New wraps an already-open Transport in a Session. The caller remains
// responsible for eventually closing port.
func New(port transport.Port, opts Options) *Session {
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Session{port: port, log: log, opts: opts}
}

// Connect drives the Sahara handshake to completion with image, then
// constructs and configures a Firehose session on the same Transport (spec
// §2 item 6, §4.2's DoneResponse -> "in EDL second stage, expecting
// Firehose").
func (s *Session) Connect(ctx context.Context, image sahara.Image) error {
	saharaSession := sahara.NewSession(s.port, image, s.log)
	chip, err := saharaSession.Run(ctx)
	if err != nil {
		return fmt.Errorf("edl: sahara handshake: %w", err)
	}
	s.Chip = chip

	s.Firehose = firehose.NewSession(s.port, s.opts.Firehose, s.log)
	if err := s.Firehose.Configure(ctx); err != nil {
		return fmt.Errorf("edl: firehose configure: %w", err)
	}
	return nil
}

// ReadGPT reads and caches lun's partition table, returning the resolved
// A/B slot state for the whole device as currently cached (spec §3's
// SlotInfo, computed across every LUN read so far).
func (s *Session) ReadGPT(ctx context.Context, lun uint8) (gpt.Header, []gpt.Entry, gpt.SlotInfo, error) {
	hdr, entries, err := s.Firehose.ReadGPT(ctx, lun)
	if err != nil {
		return gpt.Header{}, nil, gpt.SlotInfo{}, err
	}
	return hdr, entries, gpt.MergeSlot(s.Firehose.GPT), nil
}

// findPartition looks up name on lun in the cached GPT table, returning a
// state error if ReadGPT has not yet populated it (spec §7's "State
// errors": request requires a partition cache that has not been
// populated).
func (s *Session) findPartition(lun uint8, name string) (gpt.Entry, error) {
	if s.Firehose == nil {
		return gpt.Entry{}, fmt.Errorf("edl: not connected")
	}
	if _, ok := s.Firehose.GPT.Headers[lun]; !ok {
		return gpt.Entry{}, fmt.Errorf("edl: GPT for lun %d has not been read", lun)
	}
	e, ok := s.Firehose.GPT.Find(lun, name)
	if !ok {
		return gpt.Entry{}, fmt.Errorf("edl: partition %q not found on lun %d", name, lun)
	}
	return e, nil
}

// ReadPartition reads the whole of partition name on lun, requiring a
// prior ReadGPT(lun) call.
func (s *Session) ReadPartition(ctx context.Context, lun uint8, name string, progress firehose.ProgressFunc) ([]byte, error) {
	e, err := s.findPartition(lun, name)
	if err != nil {
		return nil, err
	}
	numSectors := e.LastLBA - e.FirstLBA + 1
	return s.Firehose.ChunkedRead(ctx, lun, int64(e.FirstLBA), numSectors, progress, nil)
}

// WritePartition writes src to partition name on lun. If src begins with
// the Android sparse magic, the Sparse write path (spec §4.3) is used
// automatically; otherwise src is written as a flat image, zero-padded to
// the partition's sector-aligned length.
func (s *Session) WritePartition(ctx context.Context, lun uint8, name string, src io.ReaderAt, size int64, progress firehose.ProgressFunc) error {
	e, err := s.findPartition(lun, name)
	if err != nil {
		return err
	}

	if st, serr := sparse.Open(src, size); serr == nil {
		return s.Firehose.WriteSparse(ctx, lun, int64(e.FirstLBA), st, progress)
	}

	numSectors := e.LastLBA - e.FirstLBA + 1
	return s.Firehose.ChunkedWrite(ctx, lun, int64(e.FirstLBA), numSectors, io.NewSectionReader(src, 0, size), progress, nil)
}

// ErasePartition erases the whole of partition name on lun.
func (s *Session) ErasePartition(ctx context.Context, lun uint8, name string) error {
	e, err := s.findPartition(lun, name)
	if err != nil {
		return err
	}
	numSectors := e.LastLBA - e.FirstLBA + 1
	return s.Firehose.Erase(ctx, lun, int64(e.FirstLBA), numSectors)
}

// SetActiveSlot switches every cached A/B partition pair sharing baseName
// across every LUN that has been GPT-read to target, then issues
// setactiveslot for the whole device as a final, idempotent confirmation.
func (s *Session) SetActiveSlot(ctx context.Context, baseName string, target gpt.Slot) error {
	if err := s.Firehose.SwitchSlot(ctx, baseName, target); err != nil {
		return err
	}
	return s.Firehose.SetActiveSlot(ctx, target)
}

// Close releases the underlying Transport.
func (s *Session) Close() error {
	return s.port.Close()
}
