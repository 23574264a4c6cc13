// Package waypoint provides an embeddable, durable workflow engine for Go.
//
// A workflow is ordinary Go code that is replayed from its event history.
// Every decision it takes (call an activity, sleep, wait for a hook) is
// recorded before it has any effect, so a run survives process restarts and
// resumes exactly where it stopped.
//
// # Core Concepts
//
//  1. Engine
//  2. Workflows and commands
//  3. Activities
//  4. Hooks
//  5. LocalRunner
//
// # Engine
//
// The Engine stores workflow and activity definitions, appends history and
// provides APIs to:
//   - start runs, optionally idempotent through WithRunKey
//   - resolve hooks
//   - read a run's status and history
//   - cancel runs
//   - recover open runs after a restart
//
// History can live in several backends:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres
//   - Redis
//   - MongoDB
//
// # Workflows and commands
//
// Define builds a workflow from a typed input and a state machine. On every
// pass the engine rebuilds the state from the input and calls the step
// function, which returns the next command:
//
//	waypoint.Define("greet",
//	    func(name string) *state { return &state{name: name} },
//	    func(wc waypoint.Context, s *state) waypoint.StepResult {
//	        if !s.sent {
//	            s.sent = true
//	            return waypoint.CallActivity("send", s.name)
//	        }
//	        return waypoint.Complete("sent")
//	    })
//
// Step functions must be deterministic. Anything that reads the clock, the
// network or random numbers belongs in an activity.
//
// FlowBuilder is a shorter way to write linear workflows made of activity
// calls, sleeps and hooks.
//
// # Activities
//
// Activities are plain functions registered by name. Their results are
// recorded in history and retried according to a RetryPolicy; Retry builds
// one fluently. Return a FatalError to stop retrying.
//
// # Hooks
//
// WaitHook parks a run until an external caller resolves its token once.
// ListenHook keeps the token open for a stream of deliveries until
// CloseHook.
//
// # LocalRunner
//
// LocalRunner drives an engine in one process: run workers, the activity
// pool and the timer sweeper. NewSQLiteBundle does the same on top of a
// single SQLite file, which is enough for many small services.
//
// For a complete service with an HTTP API, schedules and run notifications
// see cmd/waypoint.
package waypoint
