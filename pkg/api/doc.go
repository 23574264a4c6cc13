// Package api contains the public contracts of the waypoint durable
// workflow engine: history events, workflow and activity definitions, the
// StepResult command union, the error taxonomy and the Observer hooks.
//
// Most users interact with the higher-level waypoint package, which
// re-exports selected types and helpers from this package. The api package
// is intended for custom integrations, alternative backends, or
// contributors extending the engine itself.
//
// # Workflows as state machines
//
// A workflow is a Machine whose Step method returns one command per call:
//
//   - Continue: step again without recording anything
//   - CallActivity: run a side-effecting activity and suspend until it ends
//   - Sleep: suspend for a duration
//   - WaitHook / ListenHook / CloseHook: suspend until an external delivery
//   - Complete / Fail: terminate the run
//
// The engine rebuilds the machine from the run input on every pass and
// replays it against the run's history. Commands that already have a
// matching decision in history are answered from history; the first new
// command is recorded and the run suspends. Workflow code must therefore be
// deterministic: anything non-replayable (time, randomness, I/O) belongs in
// an activity.
//
// Define builds a WorkflowDefinition from typed input and state:
//
//	type state struct{ In Order; Phase int }
//
//	def := api.Define("order", func(in Order) *state { return &state{In: in} },
//		func(wc api.Context, s *state) api.StepResult {
//			switch s.Phase {
//			case 0:
//				s.Phase++
//				return api.CallActivity("reserve", s.In)
//			case 1:
//				if err := wc.Result(nil); err != nil {
//					return api.Fail(err)
//				}
//				s.Phase++
//				return api.Sleep(time.Hour)
//			}
//			return api.Complete(s.In.ID)
//		})
//
// # History
//
// Every run owns one append-only stream of HistoryEvent values. Decisions
// (ActivityScheduled, TimerScheduled, HookCreated, HookClosed) are written
// by the orchestrator; outcomes (ActivityCompleted, ActivityFailed,
// TimerFired, HookResolved) by the activity executor, timer service and hook
// registry. Status, timers and hook tokens are all derivable from this
// stream.
//
// # Observability
//
// The Observer interface reports run lifecycle, activity attempts, timer
// fires and hook deliveries. LoggingObserver, BasicMetrics and
// CompositeObserver are ready-made implementations.
package api
