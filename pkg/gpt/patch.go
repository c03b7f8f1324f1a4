package gpt

import (
	"fmt"

	"github.com/anthropics/edl-go/pkg/wire"
)

// Patch is the set of parameters for one Firehose <patch .../> command
// (spec §4.3's patch verb). Value is a little-endian hex string with no
// separators; StartSector may be the negative-sector literal
// "NUM_DISK_SECTORS<offset>." or a plain decimal string.
type Patch struct {
	SectorSizeInBytes       uint32
	ByteOffset              uint64
	Filename                string
	PhysicalPartitionNumber uint8
	SizeInBytes             uint32
	StartSector             string
	Value                   string
}

// attributesPatchValue renders an 8-byte attributes field as the
// little-endian hex string the patch value attribute expects.
func attributesPatchValue(attrs uint64) string {
	buf := make([]byte, 8)
	wire.PutUint64(buf, 0, attrs)
	return wire.BytesToHexLE(buf)
}

// PatchAttributesByName is escalation strategy 1 (spec §4.4): patch the
// 8-byte attributes field of partition name directly, addressed by
// filename=<partition name>.
func PatchAttributesByName(lun uint8, sectorSize uint32, name string, attrs uint64) Patch {
	return Patch{
		SectorSizeInBytes:       sectorSize,
		ByteOffset:              48,
		Filename:                name,
		PhysicalPartitionNumber: lun,
		SizeInBytes:             8,
		StartSector:             "0",
		Value:                   attributesPatchValue(attrs),
	}
}

// PatchAttributesByOffset is escalation strategy 2 (spec §4.4): patch the
// same field addressed as an absolute disk location computed from the
// entry's index in the table, when patching by partition name fails or is
// unsupported by the loader.
func PatchAttributesByOffset(lun uint8, h Header, entryIndex int, attrs uint64) Patch {
	byteOffsetInDisk := h.EntriesStartLBA*uint64(h.SectorSize) + uint64(entryIndex)*entrySize + 48
	startSector := byteOffsetInDisk / uint64(h.SectorSize)
	byteOffset := byteOffsetInDisk % uint64(h.SectorSize)
	return Patch{
		SectorSizeInBytes:       h.SectorSize,
		ByteOffset:              byteOffset,
		Filename:                "DISK",
		PhysicalPartitionNumber: lun,
		SizeInBytes:             8,
		StartSector:             fmt.Sprintf("%d", startSector),
		Value:                   attributesPatchValue(attrs),
	}
}

// SetActivePartition is escalation strategy 3 (spec §4.4): ask the loader
// to flip the slot itself rather than patching raw bytes.
type SetActivePartition struct {
	Name string
	Slot Slot
}

// SlotSwitchPlan is everything needed to switch lun's A/B partition named
// baseName to target: the two attribute patches (new slot active+priority=3,
// sibling priority lowered to 1 and deactivated) for strategies 1/2, and the
// equivalent strategy-3 command, per spec §8 scenario 6.
type SlotSwitchPlan struct {
	TargetByName, SiblingByName     Patch
	TargetByOffset, SiblingByOffset Patch
	SetActive                       SetActivePartition
}

// PlanSlotSwitch builds a SlotSwitchPlan for switching the A/B pair rooted
// at baseName on lun to target, given the cached target and sibling
// entries and the LUN's header.
func PlanSlotSwitch(lun uint8, h Header, target Entry, sibling Entry, targetSlot Slot) SlotSwitchPlan {
	newTarget := target.WithActive(true)
	newSibling := sibling.WithActive(false)

	return SlotSwitchPlan{
		TargetByName:    PatchAttributesByName(lun, h.SectorSize, target.Name, newTarget.Attributes),
		SiblingByName:   PatchAttributesByName(lun, h.SectorSize, sibling.Name, newSibling.Attributes),
		TargetByOffset:  PatchAttributesByOffset(lun, h, target.Index, newTarget.Attributes),
		SiblingByOffset: PatchAttributesByOffset(lun, h, sibling.Index, newSibling.Attributes),
		SetActive:       SetActivePartition{Name: baseName(target.Name), Slot: targetSlot},
	}
}

// NegativeSectorLiteral renders a negative, end-relative sector value in
// the on-wire literal form "NUM_DISK_SECTORS<offset>." (spec §4.3);
// positive values render as a plain decimal string.
func NegativeSectorLiteral(sector int64) string {
	if sector < 0 {
		return fmt.Sprintf("NUM_DISK_SECTORS%d.", sector)
	}
	return fmt.Sprintf("%d", sector)
}
