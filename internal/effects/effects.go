// Package effects applies outcome effects to world state.
package effects

import (
	"context"
	"errors"
	"fmt"
	"log"

	"loreline/internal/domain"
	"loreline/internal/engine"
)

var ErrUnknownKind = errors.New("unknown effect kind")

// Report counts what an execution did. Effects are applied one at a time; a
// failure is recorded and the remaining effects still run.
type Report struct {
	Applied int      `json:"applied"`
	Failed  int      `json:"failed"`
	Errors  []string `json:"errors,omitempty"`
	// SceneID is set by a trigger_scene effect.
	SceneID  string   `json:"scene_id,omitempty"`
	Revealed []string `json:"revealed,omitempty"`
}

type Executor struct {
	Engine engine.Engine
	Logger *log.Logger
}

func (x Executor) logf(format string, args ...any) {
	if x.Logger != nil {
		x.Logger.Printf("effects: "+format, args...)
		return
	}
	log.Printf("effects: "+format, args...)
}

// Apply runs effects in order for pcID on behalf of actorID.
func (x Executor) Apply(ctx context.Context, worldID, pcID, actorID string, list []domain.Effect) Report {
	var rep Report
	for i, eff := range list {
		if err := x.apply(ctx, worldID, pcID, actorID, eff, &rep); err != nil {
			rep.Failed++
			msg := fmt.Sprintf("effect %d (%s): %v", i, eff.Kind, err)
			rep.Errors = append(rep.Errors, msg)
			x.logf("%s", msg)
			continue
		}
		rep.Applied++
	}
	return rep
}

func (x Executor) apply(ctx context.Context, worldID, pcID, actorID string, eff domain.Effect, rep *Report) error {
	target := pcID
	if eff.PcID != "" {
		target = eff.PcID
	}
	switch eff.Kind {
	case domain.EffectSetFlag:
		value := true
		if eff.Value != nil {
			value = *eff.Value
		}
		scope := target
		if eff.WorldScope {
			scope = ""
		}
		return x.Engine.SetFlag(ctx, worldID, scope, eff.Flag, value, actorID)
	case domain.EffectGiveItem, domain.EffectTakeItem:
		if target == "" {
			return errors.New("no player character to hold the item")
		}
		qty := eff.Quantity
		if qty <= 0 {
			qty = 1
		}
		if eff.Kind == domain.EffectTakeItem {
			qty = -qty
		}
		_, err := x.Engine.AdjustItem(ctx, worldID, target, eff.ItemID, eff.ItemName, qty, actorID)
		return err
	case domain.EffectModifyRelationship:
		if eff.TargetID == "" {
			return errors.New("target_id is required")
		}
		_, err := x.Engine.ModifyRelationship(ctx, worldID, target, eff.TargetID, eff.Delta, actorID)
		return err
	case domain.EffectRevealInformation:
		if eff.TargetID != "" && target != "" {
			if err := x.Engine.RevealCharacter(ctx, worldID, target, eff.TargetID, actorID); err != nil {
				return err
			}
		}
		if eff.Info != "" {
			rep.Revealed = append(rep.Revealed, eff.Info)
		}
		return nil
	case domain.EffectEnableChallenge, domain.EffectDisableChallenge:
		return x.Engine.SetChallengeActive(ctx, worldID, eff.ChallengeID, eff.Kind == domain.EffectEnableChallenge, actorID)
	case domain.EffectEnableEvent, domain.EffectDisableEvent:
		return x.Engine.SetEventActive(ctx, worldID, eff.EventID, eff.Kind == domain.EffectEnableEvent, actorID)
	case domain.EffectTriggerScene:
		if eff.SceneID == "" {
			return errors.New("scene_id is required")
		}
		rep.SceneID = eff.SceneID
		return nil
	case domain.EffectModifyStat:
		if target == "" {
			return errors.New("no player character to modify")
		}
		_, err := x.Engine.ModifyStat(ctx, target, eff.Stat, eff.Delta, actorID)
		return err
	case domain.EffectCustom:
		x.logf("custom effect for %s: %s", worldID, eff.Info)
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, eff.Kind)
	}
}
