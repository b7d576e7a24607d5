package smmcpu

import "errors"

// Scheduling and registration results. A nil error is success; for
// blocking dispatches it also means the procedure ran to completion.
var (
	ErrInvalidParameter = errors.New("smmcpu: invalid parameter")
	ErrNotReady         = errors.New("smmcpu: not ready")
	ErrNotStarted       = errors.New("smmcpu: not started")
	ErrTimeout          = errors.New("smmcpu: timeout")
)

// fatal reports a protocol violation. These are never caused by external
// input; on hardware the equivalent is a dead loop.
func fatal(msg string) {
	panic("smmcpu: " + msg)
}
