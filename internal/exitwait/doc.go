// Package exitwait turns a process exit notification into a single awaitable
// result.
//
// A Source announces its exit exactly once to whichever listeners are
// registered at that moment. Watch registers a listener first and only then
// asks the source whether it has already exited, so an exit that lands between
// process start and the call to Watch is still observed. Every resolution path
// (exit, already-exited check, cancellation) funnels through one Future whose
// result can be assigned only once; the listener is removed as soon as the
// Future settles.
//
// Cancelling the context passed to Wait or Await only stops the caller from
// waiting. The process is left untouched; stopping it is a separate decision
// for the caller.
package exitwait
