package engine

import (
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/petrijr/waypoint/pkg/api"
)

var errNoResult = errors.New("no outcome available: the previous command produced none")

// runContext is the api.Context handed to workflow code during one pass.
type runContext struct {
	r      *replay
	logger *slog.Logger
	quiet  *slog.Logger

	has bool
	raw json.RawMessage
	err error
}

var _ api.Context = (*runContext)(nil)

func newRunContext(r *replay, logger *slog.Logger) *runContext {
	return &runContext{
		r:      r,
		logger: logger.With(slog.String("run_id", r.runID), slog.String("workflow", r.workflow)),
		quiet:  slog.New(slog.DiscardHandler),
	}
}

func (c *runContext) RunID() string    { return c.r.runID }
func (c *runContext) Workflow() string { return c.r.workflow }

func (c *runContext) Replaying() bool {
	return c.r.dry || c.r.next < len(c.r.decisions)
}

func (c *runContext) Logger() *slog.Logger {
	if c.Replaying() {
		return c.quiet
	}
	return c.logger
}

func (c *runContext) HasResult() bool { return c.has }

func (c *runContext) Result(v any) error {
	if !c.has {
		return errNoResult
	}
	if c.err != nil {
		return c.err
	}
	return api.Decode(c.raw, v)
}

func (c *runContext) set(raw json.RawMessage, err error) {
	c.has = true
	c.raw = raw
	c.err = err
}

func (c *runContext) clear() {
	c.has = false
	c.raw = nil
	c.err = nil
}
