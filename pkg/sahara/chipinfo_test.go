package sahara_test

import (
	"testing"

	"github.com/anthropics/edl-go/pkg/sahara"
	"github.com/anthropics/edl-go/pkg/wire"
	"github.com/stretchr/testify/assert"
)

func TestDecodeHwIDV1V2(t *testing.T) {
	// msm_id in the low 24 bits, oem_id in bits 32-47.
	hwID := uint64(0x00AA<<32) | uint64(0x00123456)
	msmID, oemID := sahara.DecodeHwIDV1V2(hwID)
	assert.Equal(t, uint32(0x123456), msmID)
	assert.Equal(t, uint16(0x00AA), oemID)
}

func TestDecodeChipIDV3FirstOffsetTriple(t *testing.T) {
	data := make([]byte, 44)
	data[36], data[37], data[38] = 0x56, 0x34, 0x12
	wire.PutUint16(data, 40, 0x00AA)
	wire.PutUint16(data, 42, 0x0001)

	msmID, oemID, modelID, hwID, ok := sahara.DecodeChipIDV3(data)
	assert.True(t, ok)
	assert.Equal(t, uint32(0x123456), msmID)
	assert.Equal(t, uint16(0x00AA), oemID)
	assert.Equal(t, uint16(0x0001), modelID)
	assert.NotZero(t, hwID)
}

func TestDecodeChipIDV3FallsBackToSecondOffsetTriple(t *testing.T) {
	data := make([]byte, 16)
	data[8], data[9], data[10] = 0x01, 0x00, 0x00
	wire.PutUint16(data, 12, 0x0002)
	wire.PutUint16(data, 14, 0x0003)

	msmID, oemID, modelID, _, ok := sahara.DecodeChipIDV3(data)
	assert.True(t, ok)
	assert.Equal(t, uint32(1), msmID)
	assert.Equal(t, uint16(2), oemID)
	assert.Equal(t, uint16(3), modelID)
}

func TestDecodeChipIDV3AllZeroFails(t *testing.T) {
	data := make([]byte, 44)
	_, _, _, _, ok := sahara.DecodeChipIDV3(data)
	assert.False(t, ok)
}

func TestDecodeChipIDV3TooShortFails(t *testing.T) {
	_, _, _, _, ok := sahara.DecodeChipIDV3([]byte{1, 2, 3})
	assert.False(t, ok)
}
