// Package common holds checks shared by native ledger modules.
package common

import (
	"errors"
	"fmt"
	"strings"
)

// ErrModulePaused is matched by every PausedError.
var ErrModulePaused = errors.New("module paused")

// PauseView reports whether a module currently rejects mutations.
type PauseView interface {
	IsPaused(module string) bool
}

// PausedError names the module that rejected the call.
type PausedError struct {
	Module string
}

func (e *PausedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Module, ErrModulePaused)
}

func (e *PausedError) Unwrap() error { return ErrModulePaused }

// Guard returns a PausedError for the first paused module in modules. A nil
// view and blank module names never block.
func Guard(p PauseView, modules ...string) error {
	if p == nil {
		return nil
	}
	for _, module := range modules {
		module = strings.TrimSpace(module)
		if module == "" {
			continue
		}
		if p.IsPaused(module) {
			return &PausedError{Module: module}
		}
	}
	return nil
}
