package policystore

import (
	"fmt"
	"sort"
	"strings"
)

const (
	DefaultPageSize = 10
	MaxPageSize     = 1000
)

// SortOrder requests ordering by one property.
type SortOrder struct {
	Property   string
	Descending bool
}

// ParseSortParameter parses "property,asc" or "property,desc". A bare
// property sorts ascending.
func ParseSortParameter(raw string) (SortOrder, error) {
	parts := strings.SplitN(raw, ",", 2)
	order := SortOrder{Property: strings.TrimSpace(parts[0])}
	switch order.Property {
	case PropertyBPN, PropertyPolicyID, PropertyCreatedOn, PropertyValidUntil:
	default:
		return SortOrder{}, fmt.Errorf("%w: cannot sort by %q", ErrInvalidRequest, order.Property)
	}
	if len(parts) == 2 {
		switch strings.ToLower(strings.TrimSpace(parts[1])) {
		case "asc", "":
		case "desc":
			order.Descending = true
		default:
			return SortOrder{}, fmt.Errorf("%w: sort direction must be asc or desc", ErrInvalidRequest)
		}
	}
	return order, nil
}

// PageRequest selects one page of filtered, sorted associations.
type PageRequest struct {
	Page int
	Size int
	Sort []SortOrder
}

// Page is one slice of the result set plus paging metadata.
type Page struct {
	Content    []PolicyWithBPN `json:"content"`
	Page       int             `json:"page"`
	Size       int             `json:"size"`
	TotalItems int             `json:"totalItems"`
	TotalPages int             `json:"totalPages"`
}

// Paginate filters items by the criteria, sorts them and cuts out the
// requested page. Items failing any criterion are dropped.
func Paginate(items []PolicyWithBPN, req PageRequest, criteria []SearchCriterion) (Page, error) {
	if req.Page < 0 {
		return Page{}, fmt.Errorf("%w: page must not be negative", ErrInvalidRequest)
	}
	if req.Size <= 0 {
		req.Size = DefaultPageSize
	}
	if req.Size > MaxPageSize {
		return Page{}, fmt.Errorf("%w: page size must not exceed %d", ErrInvalidRequest, MaxPageSize)
	}

	filtered := make([]PolicyWithBPN, 0, len(items))
	for _, item := range items {
		keep := true
		for _, c := range criteria {
			if !c.matches(item) {
				keep = false
				break
			}
		}
		if keep {
			filtered = append(filtered, item)
		}
	}

	orders := req.Sort
	if len(orders) == 0 {
		orders = []SortOrder{{Property: PropertyBPN}}
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		return lessByOrders(filtered[i], filtered[j], orders)
	})

	total := len(filtered)
	totalPages := (total + req.Size - 1) / req.Size
	start := req.Page * req.Size
	if start > total {
		start = total
	}
	end := start + req.Size
	if end > total {
		end = total
	}
	return Page{
		Content:    filtered[start:end],
		Page:       req.Page,
		Size:       req.Size,
		TotalItems: total,
		TotalPages: totalPages,
	}, nil
}

func lessByOrders(a, b PolicyWithBPN, orders []SortOrder) bool {
	for _, o := range orders {
		cmp := compareBy(a, b, o.Property)
		if cmp == 0 {
			continue
		}
		if o.Descending {
			return cmp > 0
		}
		return cmp < 0
	}
	return false
}

func compareBy(a, b PolicyWithBPN, property string) int {
	switch property {
	case PropertyBPN:
		return strings.Compare(a.BPN, b.BPN)
	case PropertyPolicyID:
		return strings.Compare(a.Policy.PolicyID, b.Policy.PolicyID)
	case PropertyCreatedOn:
		return a.Policy.CreatedOn.Compare(b.Policy.CreatedOn)
	case PropertyValidUntil:
		return a.Policy.ValidUntil.Compare(b.Policy.ValidUntil)
	}
	return 0
}
