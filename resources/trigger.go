// Package resources provides reference resource templates: reusable
// node programs that client code instantiates by name through
// internal/resource's Manager. Trigger and Automation mirror the two
// scheduled-task shapes most dataflow consumers need: "did a cron rule
// just fire" and "run a job up to N times on a cron rule".
package resources

import (
	"time"

	"github.com/robfig/cron/v3"

	engerrors "github.com/r3e-network/dataflow-engine/infrastructure/errors"
	"github.com/r3e-network/dataflow-engine/internal/graph"
	"github.com/r3e-network/dataflow-engine/internal/resource"
	"github.com/r3e-network/dataflow-engine/internal/value"
)

// TriggerTemplate builds the "trigger" resource: given a cron rule,
// its output node fires (k, scheduledTime) whenever a tick crosses a
// scheduled occurrence. A tick at sequence k carries the wall-clock
// time observed at that tick (seconds since the epoch); the caller is
// responsible for depositing ticks into the instance's private input
// node as time advances.
func TriggerTemplate() resource.Template {
	return resource.Template{
		Name:        "trigger",
		Instantiate: instantiateTrigger,
	}
}

func instantiateTrigger(g *graph.Graph, instanceID string, params value.Value) (graph.NodeID, error) {
	rule, ok := params.Field("cron")
	if !ok || rule.Kind() != value.String {
		return "", engerrors.User("trigger: params.cron must be a cron expression string")
	}
	schedule, err := cron.ParseStandard(rule.AsString())
	if err != nil {
		return "", engerrors.UserWrap("trigger: invalid cron expression", err)
	}

	ticksID := graph.NodeID(instanceID + ":ticks")
	firesID := graph.NodeID(instanceID + ":fires")

	if err := g.AddNode(graph.Spec{ID: ticksID, Kind: graph.KindInput}); err != nil {
		return "", err
	}
	if err := g.AddNode(graph.Spec{
		ID:     firesID,
		Kind:   graph.KindMap,
		Inputs: []graph.NodeID{ticksID},
		Mapper: fireMapper(ticksID, schedule),
	}); err != nil {
		return "", err
	}
	return firesID, nil
}

// fireMapper builds the shared fire-detection mapper used by both
// Trigger and Automation: tick k fires iff the schedule's next
// occurrence after tick k-1's timestamp falls at or before tick k's
// timestamp. Tick 0 always compares against the zero time, so a
// schedule due at or before the very first tick fires immediately.
func fireMapper(ticksID graph.NodeID, schedule cron.Schedule) graph.MapFunc {
	return func(ctx graph.Ctx, k value.Value, vs []value.Value) []graph.Emission {
		if len(vs) == 0 {
			return nil
		}
		now := time.Unix(int64(vs[0].AsNumber()), 0).UTC()

		prevTime := time.Unix(0, 0).UTC()
		seq := int(k.AsNumber())
		if seq > 0 {
			prevVal, err := ctx.GetUnique(ticksID, value.NewInt(seq-1))
			if err == nil {
				prevTime = time.Unix(int64(prevVal.AsNumber()), 0).UTC()
			}
		}

		next := schedule.Next(prevTime)
		if next.After(now) {
			return nil
		}
		return []graph.Emission{graph.Emit(k, value.NewNumber(float64(next.Unix())))}
	}
}
