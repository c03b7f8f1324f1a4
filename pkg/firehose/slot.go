package firehose

import (
	"context"
	"fmt"

	"github.com/anthropics/edl-go/pkg/gpt"
)

// SwitchSlot finds the A/B pairs rooted at baseName in the session's
// cached GPT table and switches them to target using the three escalating
// strategies of spec §4.4: patch-by-name, then patch-by-offset, then
// setactivepartition, followed by fixgpt to commit CRC updates. All
// applicable pairs across every cached LUN sharing baseName are patched
// before the single trailing fixgpt (spec §4.4, §8 scenario 6).
func (s *Session) SwitchSlot(ctx context.Context, baseName string, target gpt.Slot) error {
	if target != gpt.SlotA && target != gpt.SlotB {
		return fmt.Errorf("firehose: SwitchSlot target must be A or B, got %s", target)
	}

	any := false
	for lun, entries := range s.GPT.Partitions {
		targetName := baseName + "_" + target.String()
		siblingSlot := gpt.SlotB
		if target == gpt.SlotB {
			siblingSlot = gpt.SlotA
		}
		siblingName := baseName + "_" + siblingSlot.String()

		targetEntry, ok1 := s.GPT.Find(lun, targetName)
		siblingEntry, ok2 := s.GPT.Find(lun, siblingName)
		if !ok1 || !ok2 {
			continue
		}
		hdr := s.GPT.Headers[lun]
		plan := gpt.PlanSlotSwitch(lun, hdr, targetEntry, siblingEntry, target)

		if err := s.applySlotPatch(ctx, lun, plan); err != nil {
			return fmt.Errorf("firehose: switch slot for %s on lun %d: %w", baseName, lun, err)
		}
		any = true
	}
	if !any {
		return fmt.Errorf("firehose: no A/B pair named %q found in cached GPT table", baseName)
	}
	return s.Fixgpt(ctx, "all", false)
}

// applySlotPatch tries patch-by-name, falling back to patch-by-offset, then
// setactivepartition, for both halves of the A/B pair.
func (s *Session) applySlotPatch(ctx context.Context, lun uint8, plan gpt.SlotSwitchPlan) error {
	if err := s.tryPatchPair(ctx, plan.TargetByName, plan.SiblingByName); err == nil {
		return nil
	}
	if err := s.tryPatchPair(ctx, plan.TargetByOffset, plan.SiblingByOffset); err == nil {
		return nil
	}
	return s.SetActivePartition(ctx, plan.SetActive.Name, plan.SetActive.Slot)
}

func (s *Session) tryPatchPair(ctx context.Context, a, b gpt.Patch) error {
	if err := s.Patch(ctx, a); err != nil {
		return err
	}
	return s.Patch(ctx, b)
}
