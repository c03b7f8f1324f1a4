package firehose

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/anthropics/edl-go/pkg/transport"
	"github.com/anthropics/edl-go/pkg/wire"
)

// probeBufferSize is the minimum scan buffer used while watching for the
// rawmode-ready signal (spec §4.3).
const probeBufferSize = 256 * 1024

var (
	rawmodeTrueDouble = []byte(`rawmode="true"`)
	rawmodeTrueSingle = []byte(`rawmode='true'`)
	dataClose         = []byte(`</data>`)
	nakMarker         = []byte(`NAK`)
	ackWithClose      = []byte(`ACK`)
)

// waitForRawmode reads from port until the "ready for raw" signal appears
// (an XML response containing rawmode="true" and </data>, or ACK and
// </data>), siphoning any <log/> lines it sees along the way. It returns
// any payload bytes that had already arrived past the </data> terminator,
// which belong to the raw channel and must not be discarded.
func (s *Session) waitForRawmode(ctx context.Context) ([]byte, error) {
	probe := make([]byte, 0, probeBufferSize)
	chunk := make([]byte, 4096)

	for {
		if idx := wire.IndexPattern(probe, nakMarker, 0); idx >= 0 {
			return nil, s.nakFromProbe(probe)
		}
		trueIdx := wire.IndexPattern(probe, rawmodeTrueDouble, 0)
		if trueIdx < 0 {
			trueIdx = wire.IndexPattern(probe, rawmodeTrueSingle, 0)
		}
		ackIdx := wire.IndexPattern(probe, ackWithClose, 0)
		if trueIdx >= 0 || ackIdx >= 0 {
			closeIdx := wire.IndexPattern(probe, dataClose, 0)
			if closeIdx >= 0 {
				after := closeIdx + len(dataClose)
				for after < len(probe) && isXMLWhitespace(probe[after]) {
					after++
				}
				s.siphonLogs(probe[:closeIdx])
				spillover := append([]byte(nil), probe[after:]...)
				return spillover, nil
			}
		}

		n := port(s).ReadAvailable(chunk)
		if n == 0 {
			if rerr := s.waitReadable(ctx); rerr != nil {
				return nil, rerr
			}
			continue
		}
		probe = append(probe, chunk[:n]...)
	}
}

// port is a tiny accessor kept separate so the loop above stays readable
// (Session.port is unexported and used directly elsewhere).
func port(s *Session) transport.Port { return s.port }

// waitReadable waits a fixed 2 ms for more bytes to arrive, returning
// ctx.Err() early if ctx is done.
func (s *Session) waitReadable(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(2 * time.Millisecond):
		return nil
	}
}

func isXMLWhitespace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\r' || b == '\n'
}

// siphonLogs extracts every `<log value="..."/>` line from probe and hands
// it to the session's log sink without affecting flow control.
func (s *Session) siphonLogs(probe []byte) {
	const logOpen = `<log `
	idx := 0
	for {
		start := bytes.Index(probe[idx:], []byte(logOpen))
		if start < 0 {
			return
		}
		start += idx
		end := bytes.IndexByte(probe[start:], '>')
		if end < 0 {
			return
		}
		end += start + 1
		if responses, err := parseResponses(wrapFragment(probe[start:end])); err == nil {
			for _, r := range responses {
				if v, ok := r.Attr("value"); ok {
					s.log.WithField("source", "device").Debug(v)
				}
			}
		}
		idx = end
	}
}

func wrapFragment(frag []byte) []byte {
	return append([]byte(`<data>`), append(frag, []byte(`</data>`)...)...)
}

// nakFromProbe builds a NAKError out of whatever response elements can be
// parsed from the probe buffer collected so far.
func (s *Session) nakFromProbe(probe []byte) error {
	closeIdx := wire.IndexPattern(probe, dataClose, 0)
	end := len(probe)
	if closeIdx >= 0 {
		end = closeIdx + len(dataClose)
	}
	responses, err := parseResponses(probe[:end])
	if err != nil {
		return fmt.Errorf("firehose: NAK received, response unparsable: %w", err)
	}
	for _, r := range responses {
		if r.IsNAK() {
			return &NAKError{Kind: classifyNAK(r), Message: attrOrEmpty(r, "error")}
		}
	}
	return fmt.Errorf("firehose: NAK marker seen but no NAK response element found")
}
