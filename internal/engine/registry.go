package engine

import (
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/petrijr/waypoint/pkg/api"
)

type registeredWorkflow struct {
	def    api.WorkflowDefinition
	schema *gojsonschema.Schema
}

type workflowRegistry struct {
	mu     sync.RWMutex
	byName map[string]registeredWorkflow
}

func newWorkflowRegistry() *workflowRegistry {
	return &workflowRegistry{
		byName: make(map[string]registeredWorkflow),
	}
}

func (r *workflowRegistry) Register(def api.WorkflowDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	var schema *gojsonschema.Schema
	if def.InputSchema != "" {
		s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(def.InputSchema))
		if err != nil {
			return fmt.Errorf("workflow %q input schema: %w", def.Name, err)
		}
		schema = s
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[def.Name]; exists {
		return fmt.Errorf("workflow already registered: %s", def.Name)
	}
	r.byName[def.Name] = registeredWorkflow{def: def, schema: schema}
	return nil
}

func (r *workflowRegistry) Get(name string) (registeredWorkflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	wf, ok := r.byName[name]
	if !ok {
		return registeredWorkflow{}, fmt.Errorf("%w: %s", api.ErrWorkflowNotFound, name)
	}
	return wf, nil
}

func (r *workflowRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, name)
	}
	return out
}

// validateInput checks raw against the workflow's schema, if it has one.
func (w registeredWorkflow) validateInput(raw []byte) error {
	if w.schema == nil {
		return nil
	}
	doc := raw
	if len(doc) == 0 {
		doc = []byte("null")
	}
	res, err := w.schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("%w: %v", api.ErrInvalidInput, err)
	}
	if res.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("%w: %s", api.ErrInvalidInput, strings.Join(msgs, "; "))
}
