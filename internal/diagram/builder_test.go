package diagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/flow"
	"github.com/rendis/stepflow/pkg/schema"
)

// --- Test workflow builders ---

func approvalWorkflow() *flow.Workflow {
	return &flow.Workflow{
		ID:            "approval",
		Name:          "Purchase Approval",
		InitialStepID: "ask_amount",
		Steps: map[string]*flow.Step{
			"ask_amount": {
				ID: "ask_amount", Type: schema.StepTypeUserInput, InputKey: "amount",
				Transitions: []flow.Transition{{Target: "route"}},
			},
			"route": {
				ID: "route", Type: schema.StepTypeSystemAction, ActionName: "context.set",
				Transitions: []flow.Transition{
					{When: "double(context.amount) > 1000.0", Target: "manual"},
					{Target: "auto"},
				},
			},
			"manual": {ID: "manual", Type: schema.StepTypeEnd, Message: "needs review"},
			"auto":   {ID: "auto", Type: schema.StepTypeEnd, Message: "approved"},
		},
	}
}

func linearPlan() []*flow.Step {
	return []*flow.Step{
		{ID: "ask", Type: schema.StepTypeUserInput, InputKey: "name", Status: schema.StepStatusCompleted},
		{ID: "stamp", Type: schema.StepTypeSystemAction, ActionName: "context.set", Status: schema.StepStatusRunning},
		{ID: "confirm", Type: schema.StepTypeUserInput, InputKey: "ok"},
	}
}

func TestFromWorkflow(t *testing.T) {
	model, err := FromWorkflow(approvalWorkflow())
	require.NoError(t, err)

	assert.Equal(t, "Purchase Approval", model.Title)
	require.Len(t, model.Nodes, 5)
	assert.Equal(t, StartNodeID, model.Nodes[0].ID)
	assert.Equal(t, NodeKindStart, model.Nodes[0].Kind)

	route := model.node("route")
	require.NotNil(t, route)
	assert.Equal(t, NodeKindAction, route.Kind)
	assert.Equal(t, "route\n(context.set)", route.Label)
	assert.Empty(t, route.Status)

	assert.Equal(t, NodeKindInput, model.node("ask_amount").Kind)
	assert.Equal(t, NodeKindEnd, model.node("auto").Kind)

	assert.Contains(t, model.Edges, Edge{From: StartNodeID, To: "ask_amount"})
	assert.Contains(t, model.Edges, Edge{From: "route", To: "manual", Label: "double(context.amount) > 1000.0"})
	assert.Contains(t, model.Edges, Edge{From: "route", To: "auto"})

	assert.Equal(t, [][]string{
		{StartNodeID},
		{"ask_amount"},
		{"route"},
		{"auto", "manual"},
	}, model.Levels)
}

func TestFromWorkflow_UnreachableAndCycles(t *testing.T) {
	wf := &flow.Workflow{
		ID:            "loop",
		InitialStepID: "a",
		Steps: map[string]*flow.Step{
			"a":      {ID: "a", Type: schema.StepTypeSystemAction, Transitions: []flow.Transition{{Target: "b"}}},
			"b":      {ID: "b", Type: schema.StepTypeSystemAction, Transitions: []flow.Transition{{Target: "a"}}},
			"orphan": {ID: "orphan", Type: schema.StepTypeEnd},
		},
	}
	model, err := FromWorkflow(wf)
	require.NoError(t, err)
	assert.Equal(t, "loop", model.Title, "id is the fallback title")
	assert.Equal(t, [][]string{{StartNodeID}, {"a"}, {"b"}, {"orphan"}}, model.Levels)
	assert.Contains(t, model.Edges, Edge{From: "b", To: "a"})
}

func TestFromWorkflow_Invalid(t *testing.T) {
	_, err := FromWorkflow(nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = FromWorkflow(&flow.Workflow{ID: "x", InitialStepID: "missing"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestFromPlan(t *testing.T) {
	plan := linearPlan()
	model, err := FromPlan("say hello", plan, "confirm")
	require.NoError(t, err)

	assert.Equal(t, "say hello", model.Title)
	assert.Equal(t, "completed", model.node("ask").Status)
	assert.Equal(t, "running", model.node("stamp").Status)
	assert.Equal(t, "pending", model.node("confirm").Status, "linking fills pending")
	assert.True(t, model.node("confirm").Current)
	assert.False(t, model.node("ask").Current)

	assert.Equal(t, []Edge{
		{From: StartNodeID, To: "ask"},
		{From: "ask", To: "stamp"},
		{From: "stamp", To: "confirm"},
	}, model.Edges)
	assert.Len(t, model.Levels, 4)

	assert.Empty(t, plan[2].Status, "input plan is not modified")
	assert.Empty(t, plan[0].Transitions)
}

func TestFromPlan_Empty(t *testing.T) {
	_, err := FromPlan("", nil, "")
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	model, err := FromPlan("", linearPlan()[:1], "")
	require.NoError(t, err)
	assert.Equal(t, "Task", model.Title)
}
