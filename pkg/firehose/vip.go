package firehose

import (
	"context"
	"fmt"
	"time"
)

// vipStrategyDelay is the inter-attempt delay between VIP spoof strategies
// (spec §4.3: "a timeout or NAK on one strategy moves to the next with a
// short inter-attempt delay", spec §5: "~100-200 ms").
const vipStrategyDelay = 150 * time.Millisecond

// vipStrategy is one disguised label/filename pair tried for read/program
// when VIP spoofing is enabled.
type vipStrategy struct {
	label, filename string
}

// vipSpoofStrategies returns the priority-ordered spoof strategies named in
// spec §4.3 for lun: backup GPT, then primary GPT, then a generic "ssd"
// fallback.
func vipSpoofStrategies(lun uint8) []vipStrategy {
	return []vipStrategy{
		{label: "BackupGPT", filename: fmt.Sprintf("gpt_backup%d.bin", lun)},
		{label: "PrimaryGPT", filename: fmt.Sprintf("gpt_main%d.bin", lun)},
		{label: "ssd", filename: "ssd"},
	}
}

// runVIPRitual performs the vendor-specific 6-step authentication ritual
// (spec §4.3) before a normal configure. Between steps, non-NAK and
// timeout outcomes are treated as provisional success (the device may log
// advisory errors); only an outright NAK on the Signature step is a hard
// failure.
func (s *Session) runVIPRitual(ctx context.Context) error {
	if len(s.cfg.VIPDigest) == 0 || len(s.cfg.VIPSignature) == 0 {
		return fmt.Errorf("VIP mode requires Digest and Signature credentials")
	}
	if len(s.cfg.VIPSignature) != 256 {
		return fmt.Errorf("VIP signature must be exactly 256 bytes, got %d", len(s.cfg.VIPSignature))
	}

	// Step 1: Digest, raw bytes with no XML envelope.
	if err := s.port.Write(ctx, s.cfg.VIPDigest); err != nil {
		return fmt.Errorf("send digest: %w", err)
	}
	s.drainProvisional(ctx, "digest")

	// Step 2: transfercfg.
	if _, err := s.sendCommand(ctx, transfercfgVerb("off", 90), xmlResponseTimeout); err != nil {
		s.log.WithError(err).Debug("firehose: VIP transfercfg provisional (ignored)")
	}

	// Step 3: verify ping, EnableVip=1.
	if _, err := s.sendCommand(ctx, verifyVerb("ping", true), xmlResponseTimeout); err != nil {
		s.log.WithError(err).Debug("firehose: VIP verify ping provisional (ignored)")
	}

	// Step 4: Signature, always zero-padded to 4096 bytes; whether the
	// device has entered rawmode is not checked first.
	padded := make([]byte, 4096)
	copy(padded, s.cfg.VIPSignature)
	if err := s.port.Write(ctx, padded); err != nil {
		return fmt.Errorf("send signature: %w", err)
	}
	if _, err := s.readAck(ctx, xmlResponseTimeout, nil); err != nil {
		var nakErr *NAKError
		if asNAKError(err, &nakErr) {
			return fmt.Errorf("VIP signature rejected: %w", err)
		}
		s.log.WithError(err).Debug("firehose: VIP signature ack provisional (ignored)")
	}

	// Step 5: sha256init.
	if _, err := s.sendCommand(ctx, sha256initVerb(true), xmlResponseTimeout); err != nil {
		s.log.WithError(err).Debug("firehose: VIP sha256init provisional (ignored)")
	}

	// Step 6 (normal configure) is left to the caller's Configure, which
	// invokes runVIPRitual first when VipMode is set.
	return nil
}

// drainProvisional best-effort reads whatever the device sends back after a
// raw (non-XML-enveloped) write, without treating silence or a NAK as fatal.
func (s *Session) drainProvisional(ctx context.Context, step string) {
	if _, err := s.readAck(ctx, 2*time.Second, nil); err != nil {
		s.log.WithError(err).Debugf("firehose: VIP %s: provisional drain (ignored)", step)
	}
}
