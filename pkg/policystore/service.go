package policystore

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/mkanal/item-relationship-service/pkg/events"
)

// Service implements the policy store use cases on top of a
// Repository and publishes change notifications.
type Service struct {
	Repo      Repository
	Hub       *events.Hub
	Publisher events.Publisher
}

func NewService(repo Repository, hub *events.Hub, publisher events.Publisher) *Service {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Service{Repo: repo, Hub: hub, Publisher: publisher}
}

// RegisterRequest registers one policy for a set of business partners.
type RegisterRequest struct {
	PolicyID               string          `json:"policyId"`
	BusinessPartnerNumbers []string        `json:"businessPartnerNumbers"`
	ValidUntil             time.Time       `json:"validUntil"`
	Payload                json.RawMessage `json:"payload"`
}

// UpdateRequest moves policies to a new set of business partners and
// extends or shortens their validity.
type UpdateRequest struct {
	PolicyIDs              []string  `json:"policyIds"`
	BusinessPartnerNumbers []string  `json:"businessPartnerNumbers"`
	ValidUntil             time.Time `json:"validUntil"`
}

func (s *Service) Register(ctx context.Context, req RegisterRequest) (Policy, error) {
	if req.PolicyID == "" {
		req.PolicyID = uuid.New().String()
	}
	if err := ValidatePolicyID(req.PolicyID); err != nil {
		return Policy{}, err
	}
	bpns := req.BusinessPartnerNumbers
	if len(bpns) == 0 {
		bpns = []string{DefaultBPN}
	}
	for _, bpn := range bpns {
		if err := ValidateBPN(bpn); err != nil {
			return Policy{}, err
		}
	}
	if req.ValidUntil.IsZero() {
		return Policy{}, fmt.Errorf("%w: validUntil required", ErrInvalidRequest)
	}
	if !json.Valid(req.Payload) || len(req.Payload) == 0 {
		return Policy{}, fmt.Errorf("%w: payload must be a JSON document", ErrInvalidRequest)
	}

	p := Policy{
		PolicyID:   req.PolicyID,
		CreatedOn:  nowUTC(),
		ValidUntil: req.ValidUntil.UTC(),
		Payload:    req.Payload,
	}
	for _, bpn := range bpns {
		if err := s.Repo.Save(ctx, bpn, p); err != nil {
			return Policy{}, err
		}
	}
	s.notify(ctx, events.PolicyRegistered, p.PolicyID, bpns)
	return p, nil
}

// GetPolicies returns the stored associations grouped by business
// partner number. An empty bpns slice returns everything.
func (s *Service) GetPolicies(ctx context.Context, bpns []string) (map[string][]Policy, error) {
	if len(bpns) == 0 {
		return s.Repo.ListAll(ctx)
	}
	out := map[string][]Policy{}
	for _, bpn := range bpns {
		if err := ValidateBPN(bpn); err != nil {
			return nil, err
		}
		policies, err := s.Repo.ListForBPN(ctx, bpn)
		if err != nil {
			return nil, err
		}
		out[bpn] = policies
	}
	return out, nil
}

// GetPoliciesPaged returns one page of associations, filtered by the
// criteria and restricted to bpns when given.
func (s *Service) GetPoliciesPaged(ctx context.Context, bpns []string, req PageRequest, criteria []SearchCriterion) (Page, error) {
	grouped, err := s.GetPolicies(ctx, bpns)
	if err != nil {
		return Page{}, err
	}
	var items []PolicyWithBPN
	for bpn, policies := range grouped {
		for _, p := range policies {
			items = append(items, PolicyWithBPN{BPN: bpn, Policy: p})
		}
	}
	return Paginate(items, req, criteria)
}

// Delete removes a policy from every business partner it is attached
// to.
func (s *Service) Delete(ctx context.Context, policyID string) error {
	if err := ValidatePolicyID(policyID); err != nil {
		return err
	}
	removed, err := s.Repo.Delete(ctx, policyID)
	if err != nil {
		return err
	}
	if removed == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, policyID)
	}
	s.notify(ctx, events.PolicyDeleted, policyID, nil)
	return nil
}

// DeleteForBPN removes a single association; the policy stays
// registered for other business partners.
func (s *Service) DeleteForBPN(ctx context.Context, policyID, bpn string) error {
	if err := ValidatePolicyID(policyID); err != nil {
		return err
	}
	if err := ValidateBPN(bpn); err != nil {
		return err
	}
	removed, err := s.Repo.DeleteForBPN(ctx, policyID, bpn)
	if err != nil {
		return err
	}
	if removed == 0 {
		return fmt.Errorf("%w: %s for %s", ErrNotFound, policyID, bpn)
	}
	s.notify(ctx, events.PolicyDeleted, policyID, []string{bpn})
	return nil
}

// Update re-associates each policy with the given business partners
// and sets a new expiry. The original payload and creation time are
// preserved.
func (s *Service) Update(ctx context.Context, req UpdateRequest) error {
	if len(req.PolicyIDs) == 0 {
		return fmt.Errorf("%w: policyIds required", ErrInvalidRequest)
	}
	if len(req.BusinessPartnerNumbers) == 0 {
		return fmt.Errorf("%w: businessPartnerNumbers required", ErrInvalidRequest)
	}
	if req.ValidUntil.IsZero() {
		return fmt.Errorf("%w: validUntil required", ErrInvalidRequest)
	}
	for _, bpn := range req.BusinessPartnerNumbers {
		if err := ValidateBPN(bpn); err != nil {
			return err
		}
	}

	grouped, err := s.Repo.ListAll(ctx)
	if err != nil {
		return err
	}
	for _, policyID := range req.PolicyIDs {
		existing, ok := findPolicy(grouped, policyID)
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, policyID)
		}
		if _, err := s.Repo.Delete(ctx, policyID); err != nil {
			return err
		}
		existing.ValidUntil = req.ValidUntil.UTC()
		for _, bpn := range req.BusinessPartnerNumbers {
			if err := s.Repo.Save(ctx, bpn, existing); err != nil {
				return err
			}
		}
		s.notify(ctx, events.PolicyUpdated, policyID, req.BusinessPartnerNumbers)
	}
	return nil
}

func findPolicy(grouped map[string][]Policy, policyID string) (Policy, bool) {
	bpns := make([]string, 0, len(grouped))
	for bpn := range grouped {
		bpns = append(bpns, bpn)
	}
	sort.Strings(bpns)
	for _, bpn := range bpns {
		for _, p := range grouped[bpn] {
			if p.PolicyID == policyID {
				return p, true
			}
		}
	}
	return Policy{}, false
}

func (s *Service) notify(ctx context.Context, changeType, policyID string, bpns []string) {
	change := events.NewPolicyChange(changeType, policyID, bpns)
	if s.Hub != nil {
		s.Hub.Publish(change)
	}
	if err := s.Publisher.Publish(ctx, change); err != nil {
		log.Printf("policystore: publish %s for %s: %v", changeType, policyID, err)
	}
}
