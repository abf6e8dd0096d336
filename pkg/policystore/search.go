package policystore

import (
	"fmt"
	"strings"
	"time"
)

// Operation is a comparison applied by a search filter.
type Operation string

const (
	OpEquals          Operation = "EQUALS"
	OpStartsWith      Operation = "STARTS_WITH"
	OpBeforeLocalDate Operation = "BEFORE_LOCAL_DATE"
	OpAfterLocalDate  Operation = "AFTER_LOCAL_DATE"
)

// Filterable properties.
const (
	PropertyBPN        = "BPN"
	PropertyPolicyID   = "policyId"
	PropertyCreatedOn  = "createdOn"
	PropertyValidUntil = "validUntil"
)

const localDateLayout = "2006-01-02"

// SearchCriterion is one parsed "property,OPERATION,value" filter.
type SearchCriterion struct {
	Property  string
	Operation Operation
	Value     string
}

// ParseSearchParameters turns raw query values of the form
// "property,OPERATION,value" into criteria. The value may itself
// contain commas; only the first two separators are structural.
func ParseSearchParameters(params []string) ([]SearchCriterion, error) {
	criteria := make([]SearchCriterion, 0, len(params))
	for _, raw := range params {
		c, err := parseSearchParameter(raw)
		if err != nil {
			return nil, err
		}
		criteria = append(criteria, c)
	}
	return criteria, nil
}

func parseSearchParameter(raw string) (SearchCriterion, error) {
	parts := strings.SplitN(raw, ",", 3)
	if len(parts) != 3 {
		return SearchCriterion{}, fmt.Errorf("%w: search filter %q must be 'property,operation,value'", ErrInvalidRequest, raw)
	}
	c := SearchCriterion{
		Property:  strings.TrimSpace(parts[0]),
		Operation: Operation(strings.ToUpper(strings.TrimSpace(parts[1]))),
		Value:     strings.TrimSpace(parts[2]),
	}
	if c.Value == "" {
		return SearchCriterion{}, fmt.Errorf("%w: search filter %q has an empty value", ErrInvalidRequest, raw)
	}
	switch c.Property {
	case PropertyBPN, PropertyPolicyID:
		if c.Operation != OpEquals && c.Operation != OpStartsWith {
			return SearchCriterion{}, fmt.Errorf("%w: property %q supports EQUALS and STARTS_WITH only", ErrInvalidRequest, c.Property)
		}
	case PropertyCreatedOn, PropertyValidUntil:
		if c.Operation != OpBeforeLocalDate && c.Operation != OpAfterLocalDate {
			return SearchCriterion{}, fmt.Errorf("%w: property %q supports BEFORE_LOCAL_DATE and AFTER_LOCAL_DATE only", ErrInvalidRequest, c.Property)
		}
		if _, err := time.Parse(localDateLayout, c.Value); err != nil {
			return SearchCriterion{}, fmt.Errorf("%w: %q is not a date in format yyyy-MM-dd", ErrInvalidRequest, c.Value)
		}
	default:
		return SearchCriterion{}, fmt.Errorf("%w: unknown search property %q", ErrInvalidRequest, c.Property)
	}
	return c, nil
}

// matches reports whether one association passes the criterion.
func (c SearchCriterion) matches(item PolicyWithBPN) bool {
	switch c.Property {
	case PropertyBPN:
		return matchString(item.BPN, c)
	case PropertyPolicyID:
		return matchString(item.Policy.PolicyID, c)
	case PropertyCreatedOn:
		return matchDate(item.Policy.CreatedOn, c)
	case PropertyValidUntil:
		return matchDate(item.Policy.ValidUntil, c)
	}
	return false
}

func matchString(value string, c SearchCriterion) bool {
	switch c.Operation {
	case OpEquals:
		return strings.EqualFold(value, c.Value)
	case OpStartsWith:
		return strings.HasPrefix(strings.ToLower(value), strings.ToLower(c.Value))
	}
	return false
}

func matchDate(value time.Time, c SearchCriterion) bool {
	boundary, err := time.Parse(localDateLayout, c.Value)
	if err != nil {
		return false
	}
	day := value.UTC().Truncate(24 * time.Hour)
	switch c.Operation {
	case OpBeforeLocalDate:
		return day.Before(boundary)
	case OpAfterLocalDate:
		return day.After(boundary)
	}
	return false
}
