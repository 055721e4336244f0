package resources

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/dataflow-engine/internal/collection"
	"github.com/r3e-network/dataflow-engine/internal/graph"
	"github.com/r3e-network/dataflow-engine/internal/heap"
	"github.com/r3e-network/dataflow-engine/internal/propagate"
	"github.com/r3e-network/dataflow-engine/internal/resource"
	"github.com/r3e-network/dataflow-engine/internal/value"
)

func newFixture(t *testing.T) (*graph.Graph, *propagate.Propagator, *resource.Manager) {
	t.Helper()
	store := collection.New()
	g := graph.New(store)
	h := heap.New()
	p := propagate.New(g, h)
	reg := resource.NewRegistry()
	reg.Register(TriggerTemplate())
	reg.Register(AutomationTemplate())
	m := resource.NewManager(g, p, reg)
	return g, p, m
}

func tickParams(t *testing.T) value.Value {
	t.Helper()
	return value.NewMapping(map[string]value.Value{
		"cron": value.NewString("0 * * * *"), // every hour on the hour
	})
}

func TestTriggerFiresOnBoundaryCrossing(t *testing.T) {
	_, p, m := newFixture(t)
	inst, snapshot, err := m.Open("trigger", tickParams(t))
	require.NoError(t, err)
	assert.Empty(t, snapshot, "expected empty initial snapshot")

	ticksID := graph.NodeID(inst.ID + ":ticks")
	base := time.Date(2026, 7, 30, 11, 59, 0, 0, time.UTC)

	// Tick 0: 11:59. Tick 0 compares against the zero time, whose next
	// hourly occurrence is long past, so it fires immediately.
	_, err = p.Apply(ticksID, []collection.KV{{
		Key:    value.NewInt(0),
		Values: []value.Value{value.NewNumber(float64(base.Unix()))},
	}})
	require.NoError(t, err)
	diffs, wm := inst.GetAll(0)
	require.Len(t, diffs, 1, "expected tick 0 to fire against the zero time")

	// Tick 1: 12:00, exactly on the boundary. Should fire.
	_, err = p.Apply(ticksID, []collection.KV{{
		Key:    value.NewInt(1),
		Values: []value.Value{value.NewNumber(float64(base.Add(time.Minute).Unix()))},
	}})
	require.NoError(t, err)
	diffs, wm = inst.GetAll(wm)
	require.Len(t, diffs, 1, "expected exactly one fire at the boundary")
	assert.Equal(t, float64(1), diffs[0].Key.AsNumber(), "expected the fire keyed at tick 1")

	// Tick 2: 12:01, past the boundary already consumed by tick 1.
	_, err = p.Apply(ticksID, []collection.KV{{
		Key:    value.NewInt(2),
		Values: []value.Value{value.NewNumber(float64(base.Add(2 * time.Minute).Unix()))},
	}})
	require.NoError(t, err)
	diffs, _ = inst.GetAll(wm)
	assert.Empty(t, diffs, "expected no second fire for the same boundary")
}

func TestTriggerRejectsBadParams(t *testing.T) {
	_, _, m := newFixture(t)
	_, _, err := m.Open("trigger", value.NullValue)
	assert.Error(t, err, "expected an error for missing cron param")

	_, _, err = m.Open("trigger", value.NewMapping(map[string]value.Value{
		"cron": value.NewString("not a cron expression"),
	}))
	assert.Error(t, err, "expected an error for an invalid cron expression")
}
