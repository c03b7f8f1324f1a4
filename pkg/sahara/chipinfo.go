package sahara

import "github.com/anthropics/edl-go/pkg/wire"

// Execute client-command identifiers used during Sahara command mode to
// read back chip identity (spec §4.2).
const (
	ExecCmdSerialNum  uint32 = 1
	ExecCmdHWID       uint32 = 2
	ExecCmdOemPkHash  uint32 = 3
	ExecCmdChipIDV3   uint32 = 4
	ExecCmdSblVersion uint32 = 7
)

// ProtocolVersionForChipIDV3 is the minimum Execute protocol version at
// which ChipIdV3 is preferred over plain HwId.
const ProtocolVersionForChipIDV3 = 3

// ChipInfo is the chip identity read back during Sahara command mode
// (spec §3's ChipInfo data model).
type ChipInfo struct {
	SerialHex       uint32
	HwID            uint64
	MsmID           uint32 // 24-bit
	OemID           uint16
	PkHash          []byte // up to 48 bytes
	ProtocolVersion uint32
}

// DecodeHwIDV1V2 splits a 64-bit HwId field into its V1/V2 msm_id/oem_id
// components per spec §4.2.
func DecodeHwIDV1V2(hwID uint64) (msmID uint32, oemID uint16) {
	msmID = uint32(hwID & 0xFFFFFF)
	oemID = uint16((hwID >> 32) & 0xFFFF)
	return
}

// chipIDV3OffsetTriples are the three candidate {msmOff, oemOff, modelOff}
// layouts tried in order against a ChipIdV3 Execute response, per spec
// §4.2. The first layout that yields a nonzero 24-bit msm_id wins.
var chipIDV3OffsetTriples = [3][3]int{
	{36, 40, 42},
	{8, 12, 14},
	{4, 8, 10},
}

// DecodeChipIDV3 tries each offset triple against data and returns the
// first successful decode, constructing a synthetic HwId as
// 00 || msm_id(3B) || oem_id(2B) || model_id(2B), little-endian.
func DecodeChipIDV3(data []byte) (msmID uint32, oemID uint16, modelID uint16, hwID uint64, ok bool) {
	for _, off := range chipIDV3OffsetTriples {
		msmOff, oemOff, modelOff := off[0], off[1], off[2]
		if modelOff+2 > len(data) {
			continue
		}
		candidate := uint32(data[msmOff]) | uint32(data[msmOff+1])<<8 | uint32(data[msmOff+2])<<16
		if candidate&0xFFFFFF == 0 {
			continue
		}
		o := wire.Uint16(data, oemOff)
		m := wire.Uint16(data, modelOff)

		synthetic := make([]byte, 8)
		synthetic[0] = 0x00
		synthetic[1] = byte(candidate)
		synthetic[2] = byte(candidate >> 8)
		synthetic[3] = byte(candidate >> 16)
		wire.PutUint16(synthetic, 4, o)
		wire.PutUint16(synthetic, 6, m)

		return candidate & 0xFFFFFF, o, m, wire.Uint64(synthetic, 0), true
	}
	return 0, 0, 0, 0, false
}
