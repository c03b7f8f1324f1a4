package firehose

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/anthropics/edl-go/pkg/gpt"
	"github.com/anthropics/edl-go/pkg/transport"
	"github.com/anthropics/edl-go/pkg/wire"
	"github.com/sirupsen/logrus"
)

// Nominal timeouts (spec §5). Program ACKs and post-slot-switch polling
// get their own, wider budgets; everything else uses the general 5s/30s
// response/ack-wait figures.
const (
	xmlResponseTimeout = 5 * time.Second
	ackWaitBudget       = 30 * time.Second
	programAckTimeout   = 60 * time.Second
	rawModeTotalTimeout = 30 * time.Second
	widePollBudget      = 12 * time.Second // sha256final, fixgpt after slot switch (spec §9 open question)

	minPayload = 64 << 10 // 64 KiB
	maxPayload = 16 << 20 // 16 MiB

	rawIOChunk = 8 << 20 // 8 MiB per raw-mode I/O, per spec §4.3
)

// StorageType selects the MemoryName used in the configure verb and the
// default sector size (spec §3's SessionConfig).
type StorageType int

const (
	StorageUFS StorageType = iota
	StorageEMMC
)

func (t StorageType) memoryName() string {
	if t == StorageEMMC {
		return "emmc"
	}
	return "ufs"
}

func (t StorageType) defaultSectorSize() uint32 {
	if t == StorageEMMC {
		return 512
	}
	return 4096
}

// SessionConfig is the caller-configurable surface of a Firehose session
// (spec §3's SessionConfig, §6's "Configuration surface of the core"),
// modeled the teacher's way: a plain struct with a Default*() constructor
// rather than a flag/env parsing layer.
type SessionConfig struct {
	StorageType         StorageType
	SectorSize          uint32 // 0 -> StorageType default
	PreferredPayload    uint32 // request ceiling sent in configure; 0 -> maxPayload
	CustomChunkSize     uint32 // 0 -> use negotiated max payload
	ZlpAwareHost        bool
	AckEveryNPackets    uint32
	VipMode             bool
	EnableProvision     bool

	// VIPDigest and VIPSignature are the vendor authentication blobs used by
	// runVIPRitual when VipMode is set. Their issuance is out of CORE scope
	// (spec §1); this struct only carries them through to the wire.
	VIPDigest    []byte
	VIPSignature []byte
}

// DefaultSessionConfig returns a SessionConfig with the teacher's
// constructor-default shape (pkg/stream.DefaultVStreamParams is the model):
// the given storage type, ZLP-aware host, no VIP, provisioning disabled.
func DefaultSessionConfig(storage StorageType) SessionConfig {
	return SessionConfig{
		StorageType:  storage,
		ZlpAwareHost: true,
	}
}

// Session drives the second-stage Firehose XML/raw-mode protocol over a
// Port (spec §4.3). It owns the per-LUN GPT table derived from ReadGPT
// calls (spec §9: "re-model as an owned map inside the Firehose session",
// not a client-wide global).
type Session struct {
	port transport.Port
	log  *logrus.Logger
	pool *wire.BufferPool

	cfg SessionConfig

	sectorSize uint32
	maxPayload uint32

	GPT *gpt.Table
}

// NewSession builds a Firehose session over port. If log is nil,
// logrus.StandardLogger() is used.
func NewSession(port transport.Port, cfg SessionConfig, log *logrus.Logger) *Session {
	if log == nil {
		log = logrus.StandardLogger()
	}
	sectorSize := cfg.SectorSize
	if sectorSize == 0 {
		sectorSize = cfg.StorageType.defaultSectorSize()
	}
	return &Session{
		port:       port,
		log:        log,
		pool:       wire.NewBufferPool(),
		cfg:        cfg,
		sectorSize: sectorSize,
		maxPayload: maxPayload,
		GPT:        gpt.NewTable(),
	}
}

// SectorSize returns the sector size currently in effect (the
// configuration default until Configure overrides it from the device's
// response).
func (s *Session) SectorSize() uint32 { return s.sectorSize }

// MaxPayload returns the negotiated (clamped) max payload-to-target size.
func (s *Session) MaxPayload() uint32 { return s.maxPayload }

// Configure issues the configure verb, optionally preceded by the VIP
// ritual, and applies the device's reported sector size and clamped max
// payload (spec §4.3's Configure section).
func (s *Session) Configure(ctx context.Context) error {
	if s.cfg.VipMode {
		if err := s.runVIPRitual(ctx); err != nil {
			return fmt.Errorf("firehose: VIP ritual: %w", err)
		}
	}

	preferred := s.cfg.PreferredPayload
	if preferred == 0 {
		preferred = maxPayload
	}
	opts := ConfigureOptions{
		MemoryName:                      s.cfg.StorageType.memoryName(),
		Verbose:                         false,
		AlwaysValidate:                  false,
		MaxPayloadSizeToTargetInBytes:   preferred,
		MaxPayloadSizeFromTargetInBytes: preferred,
		AckRawDataEveryNumPackets:       s.cfg.AckEveryNPackets,
		ZlpAwareHost:                    s.cfg.ZlpAwareHost,
		SkipStorageInit:                 false,
	}
	resp, err := s.sendCommand(ctx, configureVerb(opts), xmlResponseTimeout)
	if err != nil {
		return fmt.Errorf("firehose: configure: %w", err)
	}
	if v, ok := resp.Attr("SectorSizeInBytes"); ok {
		if n, perr := parseUint(v); perr == nil && n > 0 {
			s.sectorSize = uint32(n)
		}
	}
	if v, ok := resp.Attr("MaxPayloadSizeToTargetInBytes"); ok {
		if n, perr := parseUint(v); perr == nil {
			s.maxPayload = clampPayload(uint32(n))
		}
	} else {
		s.maxPayload = clampPayload(preferred)
	}
	s.log.WithField("sector_size", s.sectorSize).WithField("max_payload", s.maxPayload).Debug("firehose: configured")
	return nil
}

func clampPayload(n uint32) uint32 {
	if n < minPayload {
		return minPayload
	}
	if n > maxPayload {
		return maxPayload
	}
	return n
}

// EffectiveChunkSize derives the single chunk size used everywhere reads
// and writes are split (spec §9: "normalize to a single effective chunk
// size"): min(custom or max payload, max payload), rounded down to a
// sector multiple, floored at one sector.
func (s *Session) EffectiveChunkSize() uint32 {
	cs := s.maxPayload
	if s.cfg.CustomChunkSize > 0 && s.cfg.CustomChunkSize < cs {
		cs = s.cfg.CustomChunkSize
	}
	cs -= cs % s.sectorSize
	if cs == 0 {
		cs = s.sectorSize
	}
	return cs
}

// StorageInfo is the parsed response to getstorageinfo (spec §3.5's
// expansion: the verb is named but never given a response shape by the
// distilled spec).
type StorageInfo struct {
	TotalLUNs uint32
	BlockSize uint32
	PageSize  uint32
	Raw       map[string]string
}

// GetStorageInfo issues getstorageinfo and parses its response attributes
// into a StorageInfo.
func (s *Session) GetStorageInfo(ctx context.Context) (StorageInfo, error) {
	resp, err := s.sendCommand(ctx, getstorageinfoVerb(), xmlResponseTimeout)
	if err != nil {
		return StorageInfo{}, fmt.Errorf("firehose: getstorageinfo: %w", err)
	}
	info := StorageInfo{Raw: map[string]string{}}
	for _, a := range resp.Attrs {
		info.Raw[a.Name.Local] = a.Value
		switch a.Name.Local {
		case "num_physical", "num_physical_partitions":
			if n, perr := parseUint(a.Value); perr == nil {
				info.TotalLUNs = uint32(n)
			}
		case "block_size":
			if n, perr := parseUint(a.Value); perr == nil {
				info.BlockSize = uint32(n)
			}
		case "page_size":
			if n, perr := parseUint(a.Value); perr == nil {
				info.PageSize = uint32(n)
			}
		}
	}
	return info, nil
}

// Power sends the power verb (reset/off) and waits for an ACK.
func (s *Session) Power(ctx context.Context, value string) error {
	_, err := s.sendCommand(ctx, powerVerb(value), xmlResponseTimeout)
	return err
}

// Nop sends a nop, used as the recovery ping after cancellation (spec §5).
func (s *Session) Nop(ctx context.Context) error {
	_, err := s.sendCommand(ctx, nopVerb(), xmlResponseTimeout)
	return err
}

// SetActiveSlot issues setactiveslot for the whole device.
func (s *Session) SetActiveSlot(ctx context.Context, slot gpt.Slot) error {
	_, err := s.sendCommand(ctx, setactiveslotVerb(slot.String()), xmlResponseTimeout)
	return err
}

// SetActivePartition issues setactivepartition for a single A/B pair.
func (s *Session) SetActivePartition(ctx context.Context, name string, slot gpt.Slot) error {
	_, err := s.sendCommand(ctx, setactivepartitionVerb(name, slot.String()), xmlResponseTimeout)
	return err
}

// Fixgpt commits CRC updates after one or more patches, with a widened ACK
// budget per spec §9's open question about slot-switch timing sensitivity.
func (s *Session) Fixgpt(ctx context.Context, lun string, growLastPartition bool) error {
	_, err := s.sendCommand(ctx, fixgptVerb(lun, growLastPartition), widePollBudget)
	return err
}

// SetBootableStorageDrive selects which storage type the device boots from.
func (s *Session) SetBootableStorageDrive(ctx context.Context, value uint8) error {
	_, err := s.sendCommand(ctx, setbootablestoragedriveVerb(value), xmlResponseTimeout)
	return err
}

// Sha256Final polls with the widened budget per spec §9's open question.
func (s *Session) Sha256Final(ctx context.Context) error {
	_, err := s.sendCommand(ctx, sha256finalVerb(), widePollBudget)
	return err
}

// Ufs issues a provisioning command, gated by EnableProvision. Per spec's
// open question, no richer commit semantics are modeled: the caller gets
// the raw ACK/NAK outcome and nothing more.
func (s *Session) Ufs(ctx context.Context, attrs string) error {
	if !s.cfg.EnableProvision {
		return fmt.Errorf("firehose: ufs provisioning is disabled (EnableProvision=false)")
	}
	_, err := s.sendCommand(ctx, ufsVerb(attrs), xmlResponseTimeout)
	return err
}

// Erase issues an erase command, retrying across VIP spoof strategies when
// VipMode is enabled (spec §4.3's "VIP spoofing strategies for
// read/write/erase"). The response is a single XML ACK with no raw
// channel.
func (s *Session) Erase(ctx context.Context, lun uint8, startSector int64, numSectors uint64) error {
	return s.eraseWithStrategy(ctx, lun, startSector, numSectors)
}

// doErase issues a single erase command attempt.
func (s *Session) doErase(ctx context.Context, lun uint8, startSector int64, numSectors uint64) error {
	p := ReadWriteParams{
		SectorSizeInBytes:       s.sectorSize,
		NumPartitionSectors:     numSectors,
		PhysicalPartitionNumber: lun,
		StartSector:             gpt.NegativeSectorLiteral(startSector),
	}
	_, err := s.sendCommand(ctx, eraseVerb(p), xmlResponseTimeout)
	return err
}

// Patch issues a Firehose <patch .../> command. Empty value or zero size is
// a no-op success per spec §4.3.
func (s *Session) Patch(ctx context.Context, p gpt.Patch) error {
	if p.Value == "" || p.SizeInBytes == 0 {
		return nil
	}
	pp := PatchParams{
		SectorSizeInBytes:       p.SectorSizeInBytes,
		ByteOffset:              p.ByteOffset,
		Filename:                p.Filename,
		PhysicalPartitionNumber: p.PhysicalPartitionNumber,
		SizeInBytes:             p.SizeInBytes,
		StartSector:             p.StartSector,
		Value:                   p.Value,
	}
	_, err := s.sendCommand(ctx, patchVerb(pp), xmlResponseTimeout)
	return err
}

// sendCommand clears the input buffer, sends one verb in its own envelope,
// and waits for the XML ACK/NAK with the given budget (spec §4.3's "command
// envelope" + "ACK wait loop").
func (s *Session) sendCommand(ctx context.Context, verb string, budget time.Duration) (Response, error) {
	s.port.DiscardIn()
	if err := s.port.Write(ctx, buildEnvelope(verb)); err != nil {
		return Response{}, err
	}
	return s.readAck(ctx, budget, nil)
}

// readAck pulls XML responses until it finds an actionable ACK or NAK,
// siphoning <log/> lines as it goes, with the spin -> yield -> 5ms-sleep
// backoff named in spec §4.3 / §5. seed, if non-nil, is prepended as bytes
// already collected (used to recover probe spillover left over from a
// preceding raw-mode wait).
func (s *Session) readAck(ctx context.Context, budget time.Duration, seed []byte) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	buf := append([]byte(nil), seed...)
	chunk := make([]byte, 4096)
	spins := 0

	for {
		if idx := wire.IndexPattern(buf, dataClose, 0); idx >= 0 {
			end := idx + len(dataClose)
			responses, err := parseResponses(buf[:end])
			buf = buf[end:]
			if err != nil {
				return Response{}, fmt.Errorf("firehose: ack response unparsable: %w", err)
			}
			for _, r := range responses {
				if r.IsLog() {
					if v, ok := r.Attr("value"); ok {
						s.log.WithField("source", "device").Debug(v)
					}
					continue
				}
				if r.IsNAK() {
					return r, &NAKError{Kind: classifyNAK(r), Message: attrOrEmpty(r, "error")}
				}
				if r.IsACK() {
					return r, nil
				}
			}
			continue
		}

		n := s.port.ReadAvailable(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			spins = 0
			continue
		}

		select {
		case <-ctx.Done():
			return Response{}, fmt.Errorf("firehose: ack wait timed out after %s: %w", budget, ctx.Err())
		default:
		}

		spins++
		switch {
		case spins < 200:
			// spin
		case spins < 400:
			runtime.Gosched()
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func parseUint(s string) (uint64, error) {
	var n uint64
	if s == "" {
		return 0, fmt.Errorf("empty")
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("not a decimal integer: %q", s)
		}
		n = n*10 + uint64(c-'0')
	}
	return n, nil
}
