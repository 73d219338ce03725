// Package plan loads and validates declarative campaign plans.
//
// A plan is a node/transition graph authored by the (out-of-scope) planning
// collaborator. The engine treats an attached plan as immutable, so all
// structural validation happens here, at load time: unresolved references,
// malformed durations, and cycles are rejected before a campaign ever runs.
package plan

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"outreach/internal/schedule"
	"outreach/internal/types"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load parses and validates a plan document. The returned plan is safe to
// interpret: every `to` reference resolves, every duration parses, stop
// nodes are terminal, and the graph is acyclic.
func Load(raw json.RawMessage) (*types.CampaignPlan, error) {
	var p types.CampaignPlan
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidPlan,
			"plan is not valid JSON", err)
	}
	if err := Validate(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks a plan's structural invariants. It returns an AppError
// with ErrCodeValidationInvalidPlan describing the first violation found.
func Validate(p *types.CampaignPlan) error {
	if err := validate.Struct(p); err != nil {
		return types.NewAppError(types.ErrCodeValidationInvalidPlan,
			"plan failed field validation", err)
	}

	nodes := make(map[string]*types.PlanNode, len(p.Nodes))
	for i := range p.Nodes {
		n := &p.Nodes[i]
		if _, dup := nodes[n.ID]; dup {
			return invalid(fmt.Sprintf("duplicate node id %q", n.ID))
		}
		nodes[n.ID] = n
	}

	if _, ok := nodes[p.StartNodeID]; !ok {
		return invalid(fmt.Sprintf("startNodeId %q does not reference a node", p.StartNodeID))
	}

	for _, n := range p.Nodes {
		if err := validateNode(p, n, nodes); err != nil {
			return err
		}
	}

	if cycle := findCycle(p, nodes); cycle != "" {
		return invalid(fmt.Sprintf("plan contains a cycle through node %q", cycle))
	}

	return nil
}

func validateNode(p *types.CampaignPlan, n types.PlanNode, nodes map[string]*types.PlanNode) error {
	if n.Action == types.NodeActionStop {
		if len(n.Transitions) > 0 {
			return invalid(fmt.Sprintf("stop node %q must not have transitions", n.ID))
		}
		return nil
	}

	if len(n.Transitions) == 0 {
		return invalid(fmt.Sprintf("non-terminal node %q has no transitions", n.ID))
	}

	if n.Schedule != nil && n.Schedule.Delay != "" {
		if _, err := schedule.ParseDuration(n.Schedule.Delay); err != nil {
			return invalid(fmt.Sprintf("node %q has malformed schedule delay %q", n.ID, n.Schedule.Delay))
		}
	}

	for _, tr := range n.Transitions {
		if _, ok := nodes[tr.To]; !ok {
			return invalid(fmt.Sprintf("node %q transition on %q targets unknown node %q", n.ID, tr.On, tr.To))
		}
		if tr.Within != "" && tr.After != "" {
			return invalid(fmt.Sprintf("node %q transition on %q sets both within and after", n.ID, tr.On))
		}
		if tr.On.IsTimeout() {
			if _, err := TimerDuration(p, tr); err != nil {
				return invalid(fmt.Sprintf("node %q timeout transition on %q has no usable duration", n.ID, tr.On))
			}
		}
		for _, d := range []string{tr.Within, tr.After} {
			if d == "" {
				continue
			}
			if _, err := schedule.ParseDuration(d); err != nil {
				return invalid(fmt.Sprintf("node %q transition on %q has malformed duration %q", n.ID, tr.On, d))
			}
		}
	}

	return nil
}

// TimerDuration resolves the duration of a timeout transition: the
// transition's own `after`, or the plan-level default for the event type.
func TimerDuration(p *types.CampaignPlan, tr types.Transition) (string, error) {
	if tr.After != "" {
		return tr.After, nil
	}
	switch tr.On {
	case types.EventNoOpen:
		if p.Defaults.Timers.NoOpen != "" {
			return p.Defaults.Timers.NoOpen, nil
		}
	case types.EventNoClick:
		if p.Defaults.Timers.NoClick != "" {
			return p.Defaults.Timers.NoClick, nil
		}
	}
	return "", types.NewAppError(types.ErrCodeValidationInvalidPlan,
		fmt.Sprintf("no duration for %s transition and no plan default", tr.On), nil)
}

// findCycle runs a DFS over the transition graph. It returns the
// id of a node on a cycle, or "" when the graph is acyclic.
//
// The interpreter does not guard against infinite loops at run time, so an
// accidental cycle in an authored plan would re-enroll a contact forever.
// Rejecting cycles at load time is the deliberate trade-off here.
func findCycle(p *types.CampaignPlan, nodes map[string]*types.PlanNode) string {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(nodes))

	var visit func(id string) string
	visit = func(id string) string {
		state[id] = inStack
		for _, tr := range nodes[id].Transitions {
			switch state[tr.To] {
			case inStack:
				return tr.To
			case unvisited:
				if c := visit(tr.To); c != "" {
					return c
				}
			}
		}
		state[id] = done
		return ""
	}

	for id := range nodes {
		if state[id] == unvisited {
			if c := visit(id); c != "" {
				return c
			}
		}
	}
	return ""
}

func invalid(msg string) error {
	return types.NewAppError(types.ErrCodeValidationInvalidPlan, msg, nil)
}
