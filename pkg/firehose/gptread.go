package firehose

import (
	"context"
	"fmt"
	"time"

	"github.com/anthropics/edl-go/pkg/gpt"
)

// gptProbeSectors is the number of leading sectors read back to cover
// devices with up to 256 128-byte entries (spec §4.4).
const gptProbeSectors = 256

// gptReadTimeout bounds one LUN's GPT read, including VIP strategy
// fallback (spec §5).
const gptReadTimeout = 15 * time.Second

// ReadGPT reads and parses the primary GPT header and entry array for lun,
// storing the result in the session's owned GPT table (spec §9: no
// process-wide global). If the primary GPT is unparseable, the LUN is
// skipped (spec §6) and a nil error, zero Header are returned with a
// warning logged.
func (s *Session) ReadGPT(ctx context.Context, lun uint8) (gpt.Header, []gpt.Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, gptReadTimeout)
	defer cancel()

	data, err := s.ChunkedRead(ctx, lun, 0, gptProbeSectors, nil, nil)
	if err != nil {
		return gpt.Header{}, nil, fmt.Errorf("firehose: read GPT probe sectors for lun %d: %w", lun, err)
	}

	hdr, entries, err := gpt.Parse(data, s.sectorSize)
	if err != nil {
		s.log.WithField("lun", lun).WithError(err).Warn("firehose: primary GPT unparseable, skipping lun")
		return gpt.Header{}, nil, nil
	}
	s.GPT.Put(lun, hdr, entries)
	return hdr, entries, nil
}
