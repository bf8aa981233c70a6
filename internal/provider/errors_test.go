package provider

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		err       error
		transient bool
		permanent bool
	}{
		{"transient", ErrTransient, true, false},
		{"timeout", ErrTimeout, true, false},
		{"rate limited", ErrRateLimited, true, false},
		{"invalid input", ErrInvalidInput, false, true},
		{"content rejected", ErrContentRejected, false, true},
		{"unsupported", ErrUnsupported, false, true},
		{"insufficient credits", ErrInsufficientCredits, false, true},
		{"wrapped transient", fmt.Errorf("call backend: %w", ErrTimeout), true, false},
		{"wrapped permanent", fmt.Errorf("call backend: %w", ErrContentRejected), false, true},
		{"unclassified", errors.New("connection reset by peer"), false, false},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := IsTransient(tc.err); got != tc.transient {
				t.Errorf("IsTransient(%v) = %v, want %v", tc.err, got, tc.transient)
			}
			if got := IsPermanent(tc.err); got != tc.permanent {
				t.Errorf("IsPermanent(%v) = %v, want %v", tc.err, got, tc.permanent)
			}
		})
	}
}
