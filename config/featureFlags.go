package config

import (
	"os"
	"strings"
)

// StrictConfirmationGating hardens the confirmation workflow:
// an entry only reaches Confirmed once every non-final obligation is signed,
// and the final obligation can only be signed after that point.
//
// Default (off) keeps the single-pass behavior: any one signature moves the
// entry to Confirmed and the final signature is accepted at any time.
//
// Set via env:
// - STRICT_CONFIRMATION_GATING=true
func StrictConfirmationGating() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("STRICT_CONFIRMATION_GATING")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}
