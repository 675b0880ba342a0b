package policy

import (
	"errors"
	"testing"
)

func TestAllowed(t *testing.T) {
	tests := []struct {
		name string
		mode Mode
		op   Operation
		want bool
	}{
		{"metadata sync", ModeMetadata, OpSync, true},
		{"metadata preview", ModeMetadata, OpPreview, false},
		{"metadata download", ModeMetadata, OpDownload, false},
		{"metadata upload", ModeMetadata, OpUpload, false},
		{"metadata delete", ModeMetadata, OpDelete, false},
		{"full_access sync", ModeFullAccess, OpSync, true},
		{"full_access preview", ModeFullAccess, OpPreview, true},
		{"full_access download", ModeFullAccess, OpDownload, true},
		{"full_access upload", ModeFullAccess, OpUpload, true},
		{"full_access delete", ModeFullAccess, OpDelete, true},
		{"unknown mode denied", Mode("admin"), OpSync, false},
		{"empty mode denied", Mode(""), OpDelete, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Allowed(tt.mode, tt.op); got != tt.want {
				t.Errorf("Allowed(%q, %q) = %v, want %v", tt.mode, tt.op, got, tt.want)
			}
		})
	}
}

func TestCheck(t *testing.T) {
	if err := Check(ModeFullAccess, OpDelete); err != nil {
		t.Fatalf("Check(full_access, delete) = %v, want nil", err)
	}

	err := Check(ModeMetadata, OpDelete)
	if err == nil {
		t.Fatal("Check(metadata, delete) = nil, want error")
	}
	if !errors.Is(err, ErrCapabilityDenied) {
		t.Errorf("denial does not wrap ErrCapabilityDenied: %v", err)
	}

	var capErr *CapabilityError
	if !errors.As(err, &capErr) {
		t.Fatalf("denial is not a *CapabilityError: %T", err)
	}
	if capErr.Mode != ModeMetadata || capErr.Operation != OpDelete {
		t.Errorf("CapabilityError = %+v, want mode=metadata op=delete", capErr)
	}
}

func TestModeValid(t *testing.T) {
	if !ModeMetadata.Valid() || !ModeFullAccess.Valid() {
		t.Error("known modes reported invalid")
	}
	if Mode("read_only").Valid() {
		t.Error("unknown mode reported valid")
	}
}
