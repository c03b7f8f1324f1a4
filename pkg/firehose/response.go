package firehose

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
)

// Response is one parsed `<response .../>` or `<log .../>` element pulled
// out of the device's reply stream.
type Response struct {
	XMLName xml.Name   `xml:""`
	Attrs   []xml.Attr `xml:",any,attr"`
}

// Attr returns the named attribute's value and whether it was present.
func (r Response) Attr(name string) (string, bool) {
	for _, a := range r.Attrs {
		if strings.EqualFold(a.Name.Local, name) {
			return a.Value, true
		}
	}
	return "", false
}

// IsACK reports whether this is a successful response per spec §4.3's ACK
// wait loop rule: value is "ACK" or "true".
func (r Response) IsACK() bool {
	v, _ := r.Attr("value")
	return v == "ACK" || v == "true"
}

// IsNAK reports whether this is a failure response.
func (r Response) IsNAK() bool {
	v, _ := r.Attr("value")
	return v == "NAK"
}

// IsLog reports whether this is a `<log .../>` line, siphoned into the
// detail-log sink rather than affecting flow control.
func (r Response) IsLog() bool {
	return r.XMLName.Local == "log"
}

// NAKKind classifies a NAK response's value/error attributes into the
// textual taxonomy named in spec §4.3.
type NAKKind int

const (
	NAKOther NAKKind = iota
	NAKAuthenticationFailure
	NAKSignatureFailure
	NAKHashMismatch
	NAKPartitionNotFound
	NAKInvalidLUN
	NAKWriteProtect
	NAKTimeout
	NAKBusy
)

func (k NAKKind) String() string {
	switch k {
	case NAKAuthenticationFailure:
		return "authentication failure"
	case NAKSignatureFailure:
		return "signature failure"
	case NAKHashMismatch:
		return "hash mismatch"
	case NAKPartitionNotFound:
		return "partition not found"
	case NAKInvalidLUN:
		return "invalid lun"
	case NAKWriteProtect:
		return "write protect"
	case NAKTimeout:
		return "timeout"
	case NAKBusy:
		return "busy"
	default:
		return "other"
	}
}

// IsFatal reports whether a NAK of this kind is an authentication,
// signature, hash or write-protect failure. A kind that is not fatal is
// still retried only when CanRetry reports true.
func (k NAKKind) IsFatal() bool {
	switch k {
	case NAKAuthenticationFailure, NAKSignatureFailure, NAKHashMismatch, NAKWriteProtect:
		return true
	default:
		return false
	}
}

// CanRetry reports whether a NAK of this kind is worth retrying (possibly
// with a different VIP spoof strategy).
func (k NAKKind) CanRetry() bool {
	switch k {
	case NAKTimeout, NAKBusy:
		return true
	default:
		return false
	}
}

// classifyNAK inspects a NAK response's free-form value/error text and
// returns the best-matching taxonomy entry.
func classifyNAK(r Response) NAKKind {
	text := strings.ToLower(attrOrEmpty(r, "value") + " " + attrOrEmpty(r, "error"))
	switch {
	case strings.Contains(text, "auth"):
		return NAKAuthenticationFailure
	case strings.Contains(text, "signature"):
		return NAKSignatureFailure
	case strings.Contains(text, "hash"):
		return NAKHashMismatch
	case strings.Contains(text, "partition") && strings.Contains(text, "not"):
		return NAKPartitionNotFound
	case strings.Contains(text, "lun"):
		return NAKInvalidLUN
	case strings.Contains(text, "write") && strings.Contains(text, "protect"):
		return NAKWriteProtect
	case strings.Contains(text, "timeout"):
		return NAKTimeout
	case strings.Contains(text, "busy"):
		return NAKBusy
	default:
		return NAKOther
	}
}

func attrOrEmpty(r Response, name string) string {
	v, _ := r.Attr(name)
	return v
}

// NAKError is returned when the device rejects a command.
type NAKError struct {
	Kind    NAKKind
	Message string
}

func (e *NAKError) Error() string {
	return fmt.Sprintf("firehose: NAK (%s): %s", e.Kind, e.Message)
}

// parseResponses unmarshals every top-level element inside one `<data>...
// </data>` envelope (an ACK/NAK possibly interleaved with <log/> lines).
func parseResponses(xmlBlob []byte) ([]Response, error) {
	dec := xml.NewDecoder(bytes.NewReader(xmlBlob))
	var out []Response
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if start.Name.Local == "data" {
			// Don't consume the envelope's subtree; keep walking its children.
			continue
		}
		var r Response
		if err := dec.DecodeElement(&r, &start); err != nil {
			return out, fmt.Errorf("firehose: decode response element: %w", err)
		}
		out = append(out, r)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("firehose: no response elements found in %q", string(xmlBlob))
	}
	return out, nil
}
