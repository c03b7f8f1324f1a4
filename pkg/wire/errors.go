package wire

import "errors"

var (
	// ErrOddHexLength is returned when a hex string has an odd number of digits.
	ErrOddHexLength = errors.New("wire: hex string has odd length")
	// ErrInvalidHexDigit is returned when a hex string contains a non-hex byte.
	ErrInvalidHexDigit = errors.New("wire: invalid hex digit")
)
