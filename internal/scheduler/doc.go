// Package scheduler owns the booking queue and the serialized dispatch
// loop. It books non-overlapping time slots sized by the calibrated slot
// duration, dispatches the earliest due job once the single execution
// resource is free, and drives each run through render, submit, and a
// bounded completion poll. All queue state lives behind one mutex; every
// observable mutation pushes a fresh snapshot to the broadcaster.
package scheduler
