// Package odrl serializes a policy object graph into a JSON-LD
// expanded-form document. Encoding is pure: the input graph is never
// mutated and the whole call either succeeds with a complete document or
// fails with an error, never with partial output.
package odrl

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/mkanal/item-relationship-service/pkg/policy"
)

// Document is a generic JSON-LD object tree. Values are Document,
// []any or string.
type Document map[string]any

// ParticipantIDMapper resolves an internal participant identifier to a
// globally unique IRI. ok=false means no mapping exists; the encoder
// then omits the field entirely.
type ParticipantIDMapper interface {
	ToIRI(id string) (iri string, ok bool)
}

// MapperFunc adapts a plain function to a ParticipantIDMapper.
type MapperFunc func(id string) (string, bool)

func (f MapperFunc) ToIRI(id string) (string, bool) { return f(id) }

// ErrUnsupportedVariant reports a policy, constraint or expression
// variant outside the closed set, or a constraint/duty recursion that
// exceeds the depth guard. It signals a contract violation upstream and
// is never recoverable within the call.
var ErrUnsupportedVariant = errors.New("unsupported policy variant")

// maxDepth bounds constraint nesting and duty consequence chains.
// The model assumes acyclic input; the guard turns a cycle into an
// error instead of unbounded recursion.
const maxDepth = 64

// Encode transforms a policy into its JSON-LD expanded form. The
// top-level "@id" is freshly generated on every call, so two encodes of
// the same policy differ in that one field and nowhere else. A nil
// mapper behaves as a mapper without any mappings.
func Encode(p policy.Policy, mapper ParticipantIDMapper) (Document, error) {
	if mapper == nil {
		mapper = MapperFunc(func(string) (string, bool) { return "", false })
	}
	enc := encoder{mapper: mapper}
	return enc.policy(p)
}

// PolicyTypeIRI maps a policy type to its ODRL IRI. The mapping is
// total over the closed set and fails for anything else.
func PolicyTypeIRI(t policy.PolicyType) (string, error) {
	switch t {
	case policy.TypeSet:
		return PolicyTypeSetIRI, nil
	case policy.TypeOffer:
		return PolicyTypeOfferIRI, nil
	case policy.TypeContract:
		return PolicyTypeAgreementIRI, nil
	default:
		return "", fmt.Errorf("%w: policy type %d", ErrUnsupportedVariant, t)
	}
}

type encoder struct {
	mapper ParticipantIDMapper
}

func (e encoder) policy(p policy.Policy) (Document, error) {
	typeIRI, err := PolicyTypeIRI(p.Type)
	if err != nil {
		return nil, err
	}

	permissions := make([]any, 0, len(p.Permissions))
	for _, perm := range p.Permissions {
		obj, err := e.permission(perm)
		if err != nil {
			return nil, err
		}
		permissions = append(permissions, obj)
	}
	prohibitions := make([]any, 0, len(p.Prohibitions))
	for _, prohibition := range p.Prohibitions {
		obj, err := e.prohibition(prohibition)
		if err != nil {
			return nil, err
		}
		prohibitions = append(prohibitions, obj)
	}
	obligations := make([]any, 0, len(p.Obligations))
	for _, duty := range p.Obligations {
		obj, err := e.duty(duty, 0)
		if err != nil {
			return nil, err
		}
		obligations = append(obligations, obj)
	}

	doc := Document{
		KeywordID:       uuid.NewString(),
		KeywordType:     typeIRI,
		AttrPermission:  permissions,
		AttrProhibition: prohibitions,
		AttrObligation:  obligations,
	}
	if p.Assignee != "" {
		if iri, ok := e.mapper.ToIRI(p.Assignee); ok {
			doc[AttrAssignee] = idReference(iri)
		}
	}
	if p.Assigner != "" {
		if iri, ok := e.mapper.ToIRI(p.Assigner); ok {
			doc[AttrAssigner] = idReference(iri)
		}
	}
	if p.Target != "" {
		doc[AttrTarget] = idReference(p.Target)
	}
	return doc, nil
}

func (e encoder) permission(p policy.Permission) (Document, error) {
	doc, err := e.rule(p.Rule)
	if err != nil {
		return nil, err
	}
	if len(p.Duties) > 0 {
		duties := make([]any, 0, len(p.Duties))
		for _, duty := range p.Duties {
			obj, err := e.duty(duty, 0)
			if err != nil {
				return nil, err
			}
			duties = append(duties, obj)
		}
		doc[AttrDuty] = duties
	}
	return doc, nil
}

func (e encoder) prohibition(p policy.Prohibition) (Document, error) {
	return e.rule(p.Rule)
}

func (e encoder) duty(d policy.Duty, depth int) (Document, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("%w: duty consequence chain deeper than %d", ErrUnsupportedVariant, maxDepth)
	}
	doc, err := e.rule(d.Rule)
	if err != nil {
		return nil, err
	}
	if d.Consequence != nil {
		consequence, err := e.duty(*d.Consequence, depth+1)
		if err != nil {
			return nil, err
		}
		doc[AttrConsequence] = consequence
	}
	return doc, nil
}

func (e encoder) rule(r policy.Rule) (Document, error) {
	action, err := e.action(r.Action)
	if err != nil {
		return nil, err
	}
	doc := Document{AttrAction: action}
	if len(r.Constraints) > 0 {
		constraints := make([]any, 0, len(r.Constraints))
		for _, c := range r.Constraints {
			obj, err := e.constraint(c, 0)
			if err != nil {
				return nil, err
			}
			constraints = append(constraints, obj)
		}
		doc[AttrConstraint] = constraints
	}
	return doc, nil
}

func (e encoder) action(a policy.Action) (Document, error) {
	if a.IsZero() {
		return Document{}, nil
	}
	doc := Document{AttrActionType: a.Type}
	if a.IncludedIn != "" {
		doc[AttrIncludedIn] = a.IncludedIn
	}
	if a.Refinement != nil {
		refinement, err := e.constraint(a.Refinement, 0)
		if err != nil {
			return nil, err
		}
		doc[AttrRefinement] = refinement
	}
	return doc, nil
}

func (e encoder) constraint(c policy.Constraint, depth int) (Document, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("%w: constraint tree deeper than %d", ErrUnsupportedVariant, maxDepth)
	}
	switch t := c.(type) {
	case policy.AtomicConstraint:
		return e.atomicConstraint(t)
	case policy.MultiplicityConstraint:
		return e.multiplicityConstraint(t, depth)
	default:
		return nil, fmt.Errorf("%w: constraint %T", ErrUnsupportedVariant, c)
	}
}

func (e encoder) atomicConstraint(c policy.AtomicConstraint) (Document, error) {
	left, err := e.expression(c.Left)
	if err != nil {
		return nil, err
	}
	right, err := e.expression(c.Right)
	if err != nil {
		return nil, err
	}
	return Document{
		AttrLeftOperand:  left,
		AttrOperator:     idReference(c.Operator),
		AttrRightOperand: right,
	}, nil
}

func (e encoder) multiplicityConstraint(c policy.MultiplicityConstraint, depth int) (Document, error) {
	var key string
	switch c.Operator {
	case policy.OperatorAnd:
		key = AttrAnd
	case policy.OperatorOr:
		key = AttrOr
	case policy.OperatorXone:
		key = AttrXone
	default:
		return nil, fmt.Errorf("%w: logical operator %d", ErrUnsupportedVariant, c.Operator)
	}
	children := make([]any, 0, len(c.Constraints))
	for _, child := range c.Constraints {
		obj, err := e.constraint(child, depth+1)
		if err != nil {
			return nil, err
		}
		children = append(children, obj)
	}
	return Document{key: children}, nil
}

func (e encoder) expression(x policy.Expression) (Document, error) {
	switch t := x.(type) {
	case policy.LiteralExpression:
		return Document{KeywordValue: literalString(t.Value)}, nil
	default:
		return nil, fmt.Errorf("%w: expression %T", ErrUnsupportedVariant, x)
	}
}

// idReference wraps an IRI in the expanded-form single-element array of
// {"@id": iri}.
func idReference(iri string) []any {
	return []any{Document{KeywordID: iri}}
}

// literalString renders a literal operand as its wire string. Integral
// floats keep a trailing ".0" so decimal literals survive the round
// trip unchanged.
func literalString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return formatDecimal(t)
	case float32:
		return formatDecimal(float64(t))
	case int:
		return strconv.Itoa(t)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}

func formatDecimal(f float64) string {
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}
