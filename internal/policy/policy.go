package policy

import (
	"errors"
	"fmt"
)

// Mode is the privacy mode an account was connected under. It is fixed at
// connect time; changing it requires a disconnect and a fresh OAuth consent,
// because the two modes request different permission scopes.
type Mode string

const (
	ModeMetadata   Mode = "metadata"
	ModeFullAccess Mode = "full_access"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeMetadata || m == ModeFullAccess
}

// Operation is a capability that can be requested against an account.
type Operation string

const (
	OpSync     Operation = "sync"
	OpPreview  Operation = "preview"
	OpDownload Operation = "download"
	OpUpload   Operation = "upload"
	OpDelete   Operation = "delete"
)

// ErrCapabilityDenied is the sentinel wrapped by every denial.
var ErrCapabilityDenied = errors.New("capability denied")

// permissions is the single source of truth for mode capabilities. Every
// component asks this table; nothing else re-implements the check.
var permissions = map[Mode]map[Operation]bool{
	ModeMetadata: {
		OpSync:     true,
		OpPreview:  false,
		OpDownload: false,
		OpUpload:   false,
		OpDelete:   false,
	},
	ModeFullAccess: {
		OpSync:     true,
		OpPreview:  true,
		OpDownload: true,
		OpUpload:   true,
		OpDelete:   true,
	},
}

// Allowed reports whether op is permitted for accounts in mode. Unknown modes
// are denied everything.
func Allowed(mode Mode, op Operation) bool {
	ops, ok := permissions[mode]
	if !ok {
		return false
	}
	return ops[op]
}

// CapabilityError names the denied operation and the account mode. It
// deliberately carries no provider detail.
type CapabilityError struct {
	Mode      Mode
	Operation Operation
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("operation %q not permitted for %s mode accounts", e.Operation, e.Mode)
}

func (e *CapabilityError) Unwrap() error {
	return ErrCapabilityDenied
}

// Check returns a *CapabilityError when op is not permitted for mode, nil
// otherwise.
func Check(mode Mode, op Operation) error {
	if Allowed(mode, op) {
		return nil
	}
	return &CapabilityError{Mode: mode, Operation: op}
}
