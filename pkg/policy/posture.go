package policy

import (
	"errors"
	"fmt"
	"strings"
)

// Mode indicates whether a rule failure allows or denies the call.
type Mode string

const (
	// ModeFailClosed denies calls when the rules cannot be evaluated.
	ModeFailClosed Mode = "fail-closed"
	// ModeFailOpen allows calls when the rules cannot be evaluated.
	ModeFailOpen Mode = "fail-open"
)

// ParseMode converts a textual representation into a Mode constant.
func ParseMode(value string) (Mode, error) {
	mode := Mode(strings.TrimSpace(strings.ToLower(value)))
	if mode == "" {
		return "", errors.New("mode is required")
	}
	if !mode.IsValid() {
		return "", fmt.Errorf("invalid mode %q", value)
	}
	return mode, nil
}

// IsValid reports whether the mode is recognised.
func (m Mode) IsValid() bool {
	switch m {
	case ModeFailClosed, ModeFailOpen:
		return true
	default:
		return false
	}
}

// Allows reports whether the posture lets a call through after a failure.
func (m Mode) Allows() bool {
	return m == ModeFailOpen
}
