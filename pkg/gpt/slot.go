package gpt

import "strings"

// Slot identifies an A/B slot designation.
type Slot int

const (
	SlotUndefined Slot = iota
	SlotA
	SlotB
	SlotNonexistent
)

func (s Slot) String() string {
	switch s {
	case SlotA:
		return "a"
	case SlotB:
		return "b"
	case SlotNonexistent:
		return "nonexistent"
	default:
		return "undefined"
	}
}

// SlotInfo is the device-wide A/B slot state computed by MergeSlot (spec
// §3's SlotInfo, §8's merge invariant).
type SlotInfo struct {
	HasABPartitions bool
	CurrentSlot     Slot
}

// MergeSlot implements the cross-LUN A/B slot decision: tally the active
// bit across every "_a"-suffixed and "_b"-suffixed partition in the table,
// then decide by majority. A tie where both counts are positive yields
// SlotUndefined (spec's "Unknown"); no A/B-suffixed partitions at all
// yields SlotNonexistent.
func MergeSlot(t *Table) SlotInfo {
	var nA, nB int
	hasAB := false

	for _, entries := range t.Partitions {
		for _, e := range entries {
			lower := strings.ToLower(e.Name)
			switch {
			case strings.HasSuffix(lower, "_a"):
				hasAB = true
				if e.Active() {
					nA++
				}
			case strings.HasSuffix(lower, "_b"):
				hasAB = true
				if e.Active() {
					nB++
				}
			}
		}
	}

	if !hasAB {
		return SlotInfo{HasABPartitions: false, CurrentSlot: SlotNonexistent}
	}
	switch {
	case nA > nB:
		return SlotInfo{HasABPartitions: true, CurrentSlot: SlotA}
	case nB > nA:
		return SlotInfo{HasABPartitions: true, CurrentSlot: SlotB}
	default:
		// hasAB is true here (the !hasAB case already returned above), so a
		// tie — including the zero-zero case — means A/B partitions exist
		// but neither is currently marked active, not that they don't exist.
		return SlotInfo{HasABPartitions: true, CurrentSlot: SlotUndefined}
	}
}

// baseName strips a trailing "_a"/"_b" suffix (case-insensitive), so a
// caller can find the sibling of a slotted partition.
func baseName(name string) string {
	lower := strings.ToLower(name)
	if strings.HasSuffix(lower, "_a") || strings.HasSuffix(lower, "_b") {
		return name[:len(name)-2]
	}
	return name
}

// SiblingName returns the lower-cased base of name with the suffix of slot
// target (e.g. "boot_a", SlotB -> "boot_b"), or "" if name is not
// A/B-suffixed.
func SiblingName(name string, target Slot) string {
	lower := strings.ToLower(name)
	if !strings.HasSuffix(lower, "_a") && !strings.HasSuffix(lower, "_b") {
		return ""
	}
	suffix := "_a"
	if target == SlotB {
		suffix = "_b"
	}
	return strings.ToLower(baseName(name)) + suffix
}
