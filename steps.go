package waypoint

import (
	"time"

	"github.com/petrijr/waypoint/pkg/api"
)

// Commands a workflow step returns. They mirror pkg/api so workflow code
// can import only this package.

// CallActivity schedules the named activity with args.
func CallActivity(name string, args any, opts ...ActivityOption) StepResult {
	return api.CallActivity(name, args, opts...)
}

// Sleep suspends the run for d.
func Sleep(d time.Duration) StepResult { return api.Sleep(d) }

// WaitHook suspends the run until token is resolved once.
func WaitHook(token string, metadata any) StepResult { return api.WaitHook(token, metadata) }

// ListenHook suspends the run until the next delivery on token. The token
// stays open for further deliveries until CloseHook.
func ListenHook(token string, metadata any) StepResult { return api.ListenHook(token, metadata) }

// CloseHook stops accepting deliveries on token.
func CloseHook(token string) StepResult { return api.CloseHook(token) }

// Complete finishes the run with result.
func Complete(result any) StepResult { return api.Complete(result) }

// Fail finishes the run with err.
func Fail(err error) StepResult { return api.Fail(err) }

// Continue asks the engine to call the step again without waiting.
func Continue() StepResult { return api.Continue() }
