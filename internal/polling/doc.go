// Package polling runs the background sampler of a device server.
//
// One Engine per process owns a single loop goroutine. Every polled object
// (a command or an attribute of a device) with a non-zero period is sampled
// when its period elapses; objects with period zero are sampled only on
// Trigger. Each outcome, value or error, is stored in the object's Ring
// with a timestamp moved back by the configured skew.
//
// Callers reach the loop through a single hand-off channel: Trigger posts
// one work item and waits, bounded by the trigger timeout, for the loop to
// acknowledge it. Only one trigger is in flight at a time.
//
// Ring mutations happen on the loop goroutine or, for FillHistory, under
// the ring lock shared with the loop.
package polling
