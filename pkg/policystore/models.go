// Package policystore keeps the policies accepted during contract
// negotiation, associated to the business partner numbers they apply
// to. It offers registration, lookup, paging with search filters,
// update and deletion on top of a relational store.
package policystore

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// DefaultBPN is the bucket for policies that apply to every business
// partner without an explicit association.
const DefaultBPN = "default"

var bpnPattern = regexp.MustCompile(`^BPN[LSA][A-Za-z0-9]{12}$`)

var (
	ErrNotFound       = errors.New("policy not found")
	ErrInvalidRequest = errors.New("invalid policy request")
)

// Policy is one registered policy document.
type Policy struct {
	PolicyID   string          `json:"policyId"`
	CreatedOn  time.Time       `json:"createdOn"`
	ValidUntil time.Time       `json:"validUntil"`
	Payload    json.RawMessage `json:"payload"`
}

// PolicyWithBPN pairs a policy with one business partner association,
// the unit of listing and paging.
type PolicyWithBPN struct {
	BPN    string `json:"businessPartnerNumber"`
	Policy Policy `json:"policy"`
}

// ValidateBPN accepts BPNL/BPNS/BPNA identifiers and the default
// bucket.
func ValidateBPN(bpn string) error {
	if bpn == DefaultBPN {
		return nil
	}
	if !bpnPattern.MatchString(bpn) {
		return fmt.Errorf("%w: invalid business partner number %q", ErrInvalidRequest, bpn)
	}
	return nil
}

// ValidatePolicyID rejects ids that would break URLs or storage keys.
func ValidatePolicyID(policyID string) error {
	if policyID == "" {
		return fmt.Errorf("%w: policy id required", ErrInvalidRequest)
	}
	if len(policyID) > 256 {
		return fmt.Errorf("%w: policy id longer than 256 characters", ErrInvalidRequest)
	}
	if strings.ContainsAny(policyID, " \t\n/\\") {
		return fmt.Errorf("%w: policy id %q contains illegal characters", ErrInvalidRequest, policyID)
	}
	return nil
}
