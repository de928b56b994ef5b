package limits

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateSID(t *testing.T) {
	tests := []struct {
		name    string
		sid     string
		wantErr error
	}{
		{"empty", "", ErrEmptySID},
		{"normal", "s5b_0123456789abcdef", nil},
		{"at limit", strings.Repeat("a", MaxSIDLength), nil},
		{"over limit", strings.Repeat("a", MaxSIDLength+1), ErrSIDTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSID(tt.sid)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("ValidateSID(%q) unexpected error: %v", tt.name, err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateSID(%q) = %v, want %v", tt.name, err, tt.wantErr)
			}
		})
	}
}

func TestValidateDatagramPayload(t *testing.T) {
	if err := ValidateDatagramPayload(make([]byte, MaxDatagramPayload)); err != nil {
		t.Errorf("payload at limit rejected: %v", err)
	}
	err := ValidateDatagramPayload(make([]byte, MaxDatagramPayload+1))
	if !errors.Is(err, ErrDatagramTooLarge) {
		t.Errorf("expected ErrDatagramTooLarge, got %v", err)
	}
}

func TestValidateEnvelope(t *testing.T) {
	if err := ValidateEnvelope([]byte{0, 1, 0, 2}); err != nil {
		t.Errorf("4-byte envelope rejected: %v", err)
	}
	if err := ValidateEnvelope([]byte{0, 1, 0}); !errors.Is(err, ErrDatagramTruncated) {
		t.Errorf("expected ErrDatagramTruncated, got %v", err)
	}
}

func TestValidatePort(t *testing.T) {
	for _, p := range []int{1, 1080, 65535} {
		if err := ValidatePort(p); err != nil {
			t.Errorf("ValidatePort(%d) unexpected error: %v", p, err)
		}
	}
	for _, p := range []int{-1, 0, 65536} {
		if err := ValidatePort(p); !errors.Is(err, ErrInvalidPort) {
			t.Errorf("ValidatePort(%d) = %v, want ErrInvalidPort", p, err)
		}
	}
}

// MaxDatagramPayload must leave room for the headers inside one UDP packet.
func TestDatagramBudget(t *testing.T) {
	total := MaxDatagramPayload + DatagramHeaderSize + 7 + MaxDomainLength
	if total != 65507 {
		t.Errorf("datagram budget = %d, want 65507", total)
	}
}
