package plan

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outreach/internal/types"
)

// twoStepPlan is a minimal valid plan: intro email, follow-up on no_open,
// stop after the follow-up or on a click.
func twoStepPlan() *types.CampaignPlan {
	return &types.CampaignPlan{
		Version:     "1",
		Timezone:    "America/New_York",
		QuietHours:  &types.QuietHours{Start: "22:00", End: "06:00"},
		Defaults:    types.PlanDefaults{Timers: types.TimerDefaults{NoOpen: "PT72H", NoClick: "PT24H"}},
		StartNodeID: "email_intro",
		Nodes: []types.PlanNode{
			{
				ID:      "email_intro",
				Channel: "email",
				Action:  types.NodeActionSend,
				Transitions: []types.Transition{
					{On: types.EventClicked, To: "done", Within: "PT72H"},
					{On: types.EventNoOpen, To: "email_followup_1", After: "PT72H"},
				},
			},
			{
				ID:       "email_followup_1",
				Channel:  "email",
				Action:   types.NodeActionSend,
				Schedule: &types.NodeSchedule{Delay: "PT15M"},
				Transitions: []types.Transition{
					{On: types.EventNoClick, To: "done", After: "PT24H"},
					{On: types.EventClicked, To: "done", Within: "PT24H"},
				},
			},
			{ID: "done", Action: types.NodeActionStop},
		},
	}
}

func TestValidatePlanAccepted(t *testing.T) {
	require.NoError(t, Validate(twoStepPlan()))
}

func TestLoadRoundTrip(t *testing.T) {
	raw, err := json.Marshal(twoStepPlan())
	require.NoError(t, err)

	p, err := Load(raw)
	require.NoError(t, err)
	assert.Equal(t, "email_intro", p.StartNodeID)
	assert.Len(t, p.Nodes, 3)
	require.NotNil(t, p.Node("email_followup_1"))
	assert.Nil(t, p.Node("missing"))
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	_, err := Load(json.RawMessage(`{"version":`))
	assertPlanError(t, err)
}

func TestValidateRejectsUnknownTarget(t *testing.T) {
	p := twoStepPlan()
	p.Nodes[0].Transitions[0].To = "nowhere"
	assertPlanError(t, Validate(p))
}

func TestValidateRejectsUnknownStartNode(t *testing.T) {
	p := twoStepPlan()
	p.StartNodeID = "nowhere"
	assertPlanError(t, Validate(p))
}

func TestValidateRejectsDuplicateNodeIDs(t *testing.T) {
	p := twoStepPlan()
	p.Nodes = append(p.Nodes, types.PlanNode{
		ID: "email_intro", Action: types.NodeActionStop,
	})
	assertPlanError(t, Validate(p))
}

func TestValidateRejectsStopNodeWithTransitions(t *testing.T) {
	p := twoStepPlan()
	p.Nodes[2].Transitions = []types.Transition{
		{On: types.EventClicked, To: "email_intro", Within: "PT1H"},
	}
	assertPlanError(t, Validate(p))
}

func TestValidateRejectsNonTerminalWithoutTransitions(t *testing.T) {
	p := twoStepPlan()
	p.Nodes[1].Transitions = nil
	assertPlanError(t, Validate(p))
}

func TestValidateRejectsBothWithinAndAfter(t *testing.T) {
	p := twoStepPlan()
	p.Nodes[0].Transitions[0].After = "PT1H"
	assertPlanError(t, Validate(p))
}

func TestValidateRejectsMalformedDuration(t *testing.T) {
	p := twoStepPlan()
	p.Nodes[0].Transitions[1].After = "72 hours"
	assertPlanError(t, Validate(p))
}

func TestValidateRejectsCycle(t *testing.T) {
	p := twoStepPlan()
	// email_followup_1 --no_click--> email_intro closes a loop.
	p.Nodes[1].Transitions[0].To = "email_intro"
	assertPlanError(t, Validate(p))
}

func TestTimerDurationFallsBackToDefaults(t *testing.T) {
	p := twoStepPlan()

	d, err := TimerDuration(p, types.Transition{On: types.EventNoOpen, To: "done"})
	require.NoError(t, err)
	assert.Equal(t, "PT72H", d)

	d, err = TimerDuration(p, types.Transition{On: types.EventNoClick, To: "done", After: "PT6H"})
	require.NoError(t, err)
	assert.Equal(t, "PT6H", d)

	p.Defaults.Timers.NoOpen = ""
	_, err = TimerDuration(p, types.Transition{On: types.EventNoOpen, To: "done"})
	assert.Error(t, err)
}

func assertPlanError(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeValidationInvalidPlan, appErr.Code)
}
