package resources

import (
	"github.com/robfig/cron/v3"

	engerrors "github.com/r3e-network/dataflow-engine/infrastructure/errors"
	"github.com/r3e-network/dataflow-engine/internal/graph"
	"github.com/r3e-network/dataflow-engine/internal/resource"
	"github.com/r3e-network/dataflow-engine/internal/value"
)

const (
	jobStatusActive    = "active"
	jobStatusCompleted = "completed"
)

// AutomationTemplate builds the "automation" resource: a job that runs
// on a cron schedule up to maxRuns times (0 means unlimited), exposing
// its run count and derived status alongside the underlying fire
// events. params fields: "cron" (string, required), "maxRuns" (number,
// optional, defaults to unlimited).
func AutomationTemplate() resource.Template {
	return resource.Template{
		Name:        "automation",
		Instantiate: instantiateAutomation,
	}
}

func instantiateAutomation(g *graph.Graph, instanceID string, params value.Value) (graph.NodeID, error) {
	rule, ok := params.Field("cron")
	if !ok || rule.Kind() != value.String {
		return "", engerrors.User("automation: params.cron must be a cron expression string")
	}
	schedule, err := cron.ParseStandard(rule.AsString())
	if err != nil {
		return "", engerrors.UserWrap("automation: invalid cron expression", err)
	}
	maxRuns := 0
	if mr, ok := params.Field("maxRuns"); ok && mr.Kind() == value.Number {
		maxRuns = int(mr.AsNumber())
	}

	ticksID := graph.NodeID(instanceID + ":ticks")
	firesID := graph.NodeID(instanceID + ":fires")
	runsID := graph.NodeID(instanceID + ":runs")
	statusID := graph.NodeID(instanceID + ":status")

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
	if err := g.AddNode(graph.Spec{
		ID:      runsID,
		Kind:    graph.KindReduce,
		Inputs:  []graph.NodeID{firesID},
		Reducer: runCountReducer(),
	}); err != nil {
		return "", err
	}
	if err := g.AddNode(graph.Spec{
		ID:     statusID,
		Kind:   graph.KindMap,
		Inputs: []graph.NodeID{runsID},
		Mapper: statusMapper(maxRuns),
	}); err != nil {
		return "", err
	}
	return statusID, nil
}

// runCountReducer counts fire events, one per fired key regardless of
// the value each carries.
func runCountReducer() *graph.Reducer {
	return &graph.Reducer{
		Default: func() value.Value { return value.NewInt(0) },
		Add: func(acc, v value.Value) value.Value {
			return value.NewNumber(acc.AsNumber() + 1)
		},
		Remove: func(acc, v value.Value) (value.Value, bool) {
			return value.NewNumber(acc.AsNumber() - 1), true
		},
	}
}

// statusMapper derives a job's lifecycle status from its run count,
// mirroring Job.IsCompleted's maxRuns>0 && runCount>=maxRuns rule.
func statusMapper(maxRuns int) graph.MapFunc {
	return func(ctx graph.Ctx, k value.Value, vs []value.Value) []graph.Emission {
		if len(vs) == 0 {
			return nil
		}
		runCount := int(vs[0].AsNumber())
		status := jobStatusActive
		if maxRuns > 0 && runCount >= maxRuns {
			status = jobStatusCompleted
		}
		return []graph.Emission{graph.Emit(k, value.NewString(status))}
	}
}
