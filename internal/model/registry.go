package model

import (
	"strings"
	"time"
)

type VerificationStatus string

const (
	VerificationValid     VerificationStatus = "valid"
	VerificationInvalid   VerificationStatus = "invalid"
	VerificationRisky     VerificationStatus = "risky"
	VerificationUnknown   VerificationStatus = "unknown"
	VerificationVerifying VerificationStatus = "verifying"
)

// ParseVerificationStatus maps a provider verdict onto the registry set;
// anything unrecognised becomes unknown.
func ParseVerificationStatus(s string) VerificationStatus {
	switch VerificationStatus(strings.ToLower(strings.TrimSpace(s))) {
	case VerificationValid:
		return VerificationValid
	case VerificationInvalid:
		return VerificationInvalid
	case VerificationRisky:
		return VerificationRisky
	}
	return VerificationUnknown
}

// Verification is one Global Email Registry entry.
type Verification struct {
	Address    string             `json:"address"`
	Status     VerificationStatus `json:"status"`
	Score      *float64           `json:"score,omitempty"`
	Reason     string             `json:"reason,omitempty"`
	Provider   string             `json:"provider,omitempty"`
	VerifiedAt *time.Time         `json:"verifiedAt,omitempty"`
	UpdatedAt  time.Time          `json:"updatedAt"`
}

// Fresh reports whether the verdict can be trusted without re-verifying.
// Only settled verdicts inside the window count. An unknown verdict is settled
// when the vendor returned it; one carrying a Reason was written because
// verification did not finish and is due again.
func (v Verification) Fresh(now time.Time, window time.Duration) bool {
	switch v.Status {
	case VerificationValid, VerificationInvalid, VerificationRisky:
	case VerificationUnknown:
		if v.Reason != "" {
			return false
		}
	default:
		return false
	}
	if v.VerifiedAt == nil {
		return false
	}
	return now.Sub(*v.VerifiedAt) < window
}

// NormalizeAddress is the registry key form of an address.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
