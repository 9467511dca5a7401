// Package process provides a runtime that launches children as local
// processes and exposes them as exit-observable handles.
//
// Each handle records the exit code once the operating system reaps the
// child and then notifies the exit listeners registered at that moment, one
// time only. Standard error is read through a dedicated pipe and streamed
// line by line; Wait never closes that pipe, so lines written just before
// exit are not lost.
//
// Full process-group termination is only guaranteed on Unix, where the child
// runs in its own process group and Stop signals the group. On Windows the
// child is started without a console window and Stop interrupts, then kills,
// only the top-level process.
package process
