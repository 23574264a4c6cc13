// Package worker drives runs forward.
//
// A Worker dequeues run ids from a task queue and asks an api.Advancer for
// one replay pass per task. Multiple workers may share a queue; passes for
// the same run are serialized by the engine and by history compare-and-set.
//
// A pass that fails with a transient error is requeued with exponential
// delay. Runs whose workflow is not registered in this process are logged
// and left for Recover.
package worker
