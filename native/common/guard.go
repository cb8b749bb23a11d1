// Package common holds small cross-cutting primitives shared by the
// lending core's operation entry points: the module pause switch and the
// per-action request/volume quota, both grounded on the teacher's
// native/common package.
package common

import "errors"

// ErrModulePaused is returned when an action is attempted against a module
// the host has paused (spec.md §4's circuit-breaker supplemental feature).
var ErrModulePaused = errors.New("lendcore: module paused")

// PauseView reports whether a named module (e.g. "liquidate", "flash_loan")
// is currently paused. A concrete host implementation is backed by
// governance-controlled storage; this package only consumes it.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard returns ErrModulePaused if p reports module as paused. A nil p or
// empty module name always passes, so callers that have not wired a pause
// view behave as if nothing is ever paused.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// ModuleGuard adapts a PauseView to controller.Guard's Allowed(action string)
// bool shape by structural typing, so the controller package never needs to
// import this one.
type ModuleGuard struct {
	Pause PauseView
}

// Allowed implements controller.Guard.
func (g ModuleGuard) Allowed(action string) bool {
	return Guard(g.Pause, action) == nil
}
