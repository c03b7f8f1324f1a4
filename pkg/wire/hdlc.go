package wire

import "errors"

// HDLC framing constants for the Qualcomm diagnostic (QCDM) side-path.
// This is unrelated to the Sahara/Firehose CORE protocols; it exists only
// because the diag escape/unescape roundtrip is called out as a testable
// property.
const (
	hdlcFlag   byte = 0x7E
	hdlcEscape byte = 0x7D
	hdlcXOR    byte = 0x20
)

// ErrUnterminatedEscape is returned when HDLC-decoding a buffer that ends
// on a dangling escape byte.
var ErrUnterminatedEscape = errors.New("wire: hdlc frame ends on escape byte")

// HDLCEncode escapes 0x7E and 0x7D in data (control-byte stuffing), the
// only two bytes the diag framing ritual ever escapes.
func HDLCEncode(data []byte) []byte {
	out := make([]byte, 0, len(data)+4)
	for _, b := range data {
		if b == hdlcFlag || b == hdlcEscape {
			out = append(out, hdlcEscape, b^hdlcXOR)
		} else {
			out = append(out, b)
		}
	}
	return out
}

// HDLCDecode reverses HDLCEncode. It does not look for frame-boundary flag
// bytes; callers that split frames on 0x7E do so before calling HDLCDecode
// on the interior bytes.
func HDLCDecode(data []byte) ([]byte, error) {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		b := data[i]
		if b == hdlcEscape {
			if i+1 >= len(data) {
				return nil, ErrUnterminatedEscape
			}
			i++
			out = append(out, data[i]^hdlcXOR)
			continue
		}
		out = append(out, b)
	}
	return out, nil
}
