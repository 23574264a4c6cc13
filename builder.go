package waypoint

import (
	"encoding/json"
	"fmt"
	"time"
)

// FlowBuilder provides a fluent API for defining linear workflows:
//
//	flow := waypoint.New("OnboardUser").
//	    Activity("account", "createAccount", nil).
//	    Activity("welcome", "sendWelcomeEmail", nil).
//	    WaitHook("activation", func(s *waypoint.FlowState) string { return "activate:" + s.Get("account") })
//
//	if err := flow.Register(engine); err != nil {
//	    log.Fatal(err)
//	}
//
// Each step sees a FlowState holding the run input and every earlier
// step's outcome. The run completes with the last outcome. Workflows that
// branch or loop are written with Define instead.
type FlowBuilder struct {
	name   string
	schema string
	steps  []flowStep
}

type flowStep struct {
	name string
	next func(s *FlowState) StepResult
}

// FlowState is the data a flow step builds its command from.
type FlowState struct {
	Input   json.RawMessage
	Results map[string]json.RawMessage

	// Last is the most recent outcome, or Input before the first step.
	Last json.RawMessage
}

// Decode unmarshals the outcome of step into v.
func (s *FlowState) Decode(step string, v any) error {
	raw, ok := s.Results[step]
	if !ok {
		return fmt.Errorf("flow step %q has no result", step)
	}
	return json.Unmarshal(raw, v)
}

// Get returns the outcome of step as a string, or "" when it is missing or
// not a JSON string.
func (s *FlowState) Get(step string) string {
	var out string
	if err := s.Decode(step, &out); err != nil {
		return ""
	}
	return out
}

// New creates a new workflow builder with the given name.
func New(name string) *FlowBuilder {
	return &FlowBuilder{name: name}
}

// Name returns the workflow name.
func (b *FlowBuilder) Name() string {
	return b.name
}

// Schema sets the JSON schema Start validates input against.
func (b *FlowBuilder) Schema(schema string) *FlowBuilder {
	b.schema = schema
	return b
}

func (b *FlowBuilder) add(name string, next func(s *FlowState) StepResult) *FlowBuilder {
	if name == "" {
		panic("waypoint: step name must not be empty")
	}
	for _, st := range b.steps {
		if st.name == name {
			panic(fmt.Sprintf("waypoint: duplicate step %q", name))
		}
	}
	b.steps = append(b.steps, flowStep{name: name, next: next})
	return b
}

// Activity appends a call to the named activity. args builds the arguments
// from the state; nil passes the previous outcome through.
func (b *FlowBuilder) Activity(name, activity string, args func(s *FlowState) any, opts ...ActivityOption) *FlowBuilder {
	return b.add(name, func(s *FlowState) StepResult {
		if args == nil {
			return CallActivity(activity, s.Last, opts...)
		}
		return CallActivity(activity, args(s), opts...)
	})
}

// Sleep appends a durable timer.
func (b *FlowBuilder) Sleep(name string, d time.Duration) *FlowBuilder {
	return b.add(name, func(*FlowState) StepResult { return Sleep(d) })
}

// WaitHook appends a single-shot hook. token builds the hook token from
// the state and must be deterministic.
func (b *FlowBuilder) WaitHook(name string, token func(s *FlowState) string) *FlowBuilder {
	if token == nil {
		panic(fmt.Sprintf("waypoint: step %q has nil token function", name))
	}
	return b.add(name, func(s *FlowState) StepResult { return WaitHook(token(s), nil) })
}

// Definition returns the underlying WorkflowDefinition.
func (b *FlowBuilder) Definition() WorkflowDefinition {
	steps := append([]flowStep(nil), b.steps...)
	def := WorkflowDefinition{
		Name:        b.name,
		InputSchema: b.schema,
	}
	def.New = func(input json.RawMessage) (Machine, error) {
		return &flowMachine{
			steps: steps,
			state: &FlowState{
				Input:   input,
				Results: make(map[string]json.RawMessage, len(steps)),
				Last:    input,
			},
		}, nil
	}
	return def
}

// Register registers the built workflow with the given engine.
func (b *FlowBuilder) Register(eng Engine) error {
	return eng.RegisterWorkflow(b.Definition())
}

// MustRegister is like Register but panics on error.
// Useful for initialization in main().
func (b *FlowBuilder) MustRegister(eng Engine) {
	if err := b.Register(eng); err != nil {
		panic(err)
	}
}

type flowMachine struct {
	steps   []flowStep
	state   *FlowState
	idx     int
	pending bool
}

func (m *flowMachine) Step(wc Context) StepResult {
	if m.pending {
		var raw json.RawMessage
		if wc.HasResult() {
			if err := wc.Result(&raw); err != nil {
				return Fail(fmt.Errorf("step %s: %w", m.steps[m.idx].name, err))
			}
		}
		m.state.Results[m.steps[m.idx].name] = raw
		if len(raw) > 0 {
			m.state.Last = raw
		}
		m.idx++
		m.pending = false
	}
	if m.idx >= len(m.steps) {
		return Complete(m.state.Last)
	}
	m.pending = true
	return m.steps[m.idx].next(m.state)
}
