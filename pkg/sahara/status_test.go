package sahara_test

import (
	"errors"
	"testing"

	"github.com/anthropics/edl-go/pkg/sahara"
	"github.com/stretchr/testify/assert"
)

func TestStatusFatalClassification(t *testing.T) {
	fatal := []sahara.Status{
		sahara.StatusHashTableAuthFailure,
		sahara.StatusHashVerificationFailure,
		sahara.StatusHashTableNotFound,
		sahara.StatusProtocolMismatch,
		sahara.StatusInvalidElfHeader,
	}
	for _, s := range fatal {
		assert.True(t, s.Fatal(), "%s should be fatal", s)
	}
	assert.False(t, sahara.StatusSuccess.Fatal())
	assert.False(t, sahara.StatusReceiveTimeout.Fatal())
}

func TestStatusStringUnknown(t *testing.T) {
	assert.Contains(t, sahara.Status(0xFFFF).String(), "unknown")
}

func TestErrWrapsCause(t *testing.T) {
	cause := errors.New("boom")
	err := sahara.NewErrWithCause(sahara.StatusInvalidElfHeader, "parsing header", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "parsing header")
	assert.Contains(t, err.Error(), "boom")
}

func TestErrProtocolViolationMessage(t *testing.T) {
	err := &sahara.ErrProtocolViolation{Reason: "bad length"}
	assert.Contains(t, err.Error(), "bad length")
}
