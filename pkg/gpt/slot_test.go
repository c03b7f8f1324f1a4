package gpt_test

import (
	"testing"

	"github.com/anthropics/edl-go/pkg/gpt"
	"github.com/stretchr/testify/assert"
)

func TestMergeSlotMajorityA(t *testing.T) {
	table := gpt.NewTable()
	table.Put(0, gpt.Header{}, []gpt.Entry{
		{Name: "boot_a", Attributes: activeAttrs()},
		{Name: "boot_b"},
	})
	table.Put(1, gpt.Header{}, []gpt.Entry{
		{Name: "system_a", Attributes: activeAttrs()},
		{Name: "system_b"},
	})

	info := gpt.MergeSlot(table)
	assert.True(t, info.HasABPartitions)
	assert.Equal(t, gpt.SlotA, info.CurrentSlot)
}

func TestMergeSlotTieIsUndefined(t *testing.T) {
	table := gpt.NewTable()
	table.Put(0, gpt.Header{}, []gpt.Entry{
		{Name: "boot_a", Attributes: activeAttrs()},
		{Name: "boot_b"},
	})
	table.Put(1, gpt.Header{}, []gpt.Entry{
		{Name: "system_a"},
		{Name: "system_b", Attributes: activeAttrs()},
	})

	info := gpt.MergeSlot(table)
	assert.Equal(t, gpt.SlotUndefined, info.CurrentSlot)
}

func TestMergeSlotNoABPartitions(t *testing.T) {
	table := gpt.NewTable()
	table.Put(0, gpt.Header{}, []gpt.Entry{{Name: "modem"}})

	info := gpt.MergeSlot(table)
	assert.False(t, info.HasABPartitions)
	assert.Equal(t, gpt.SlotNonexistent, info.CurrentSlot)
}

func TestMergeSlotBothInactive(t *testing.T) {
	table := gpt.NewTable()
	table.Put(0, gpt.Header{}, []gpt.Entry{{Name: "boot_a"}, {Name: "boot_b"}})

	info := gpt.MergeSlot(table)
	assert.True(t, info.HasABPartitions)
	assert.Equal(t, gpt.SlotUndefined, info.CurrentSlot)
}

func TestSiblingName(t *testing.T) {
	assert.Equal(t, "boot_b", gpt.SiblingName("boot_a", gpt.SlotB))
	assert.Equal(t, "boot_a", gpt.SiblingName("BOOT_A", gpt.SlotA))
	assert.Equal(t, "", gpt.SiblingName("modem", gpt.SlotA))
}

func activeAttrs() uint64 {
	return gpt.Entry{}.WithActive(true).Attributes
}
