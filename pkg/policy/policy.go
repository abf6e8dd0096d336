// Package policy holds the usage-policy object model: a policy with its
// permissions, prohibitions and obligations, plus the constraint and
// expression trees attached to them. Values are built once and never
// mutated after construction.
package policy

// PolicyType is the closed set of policy kinds.
type PolicyType int

const (
	TypeSet PolicyType = iota + 1
	TypeOffer
	TypeContract
)

func (t PolicyType) String() string {
	switch t {
	case TypeSet:
		return "set"
	case TypeOffer:
		return "offer"
	case TypeContract:
		return "contract"
	default:
		return "unknown"
	}
}

// Policy is the root of the object graph handed to the encoder.
// Assignee, Assigner and Target are absent when empty.
type Policy struct {
	Type         PolicyType
	Permissions  []Permission
	Prohibitions []Prohibition
	Obligations  []Duty
	Assignee     string
	Assigner     string
	Target       string
}

// Rule is the shape shared by permissions, prohibitions and duties.
type Rule struct {
	Action      Action
	Constraints []Constraint
}

type Permission struct {
	Rule
	Duties []Duty
}

type Prohibition struct {
	Rule
}

// Duty optionally carries a consequence duty, forming a singly linked
// chain. Chains are assumed acyclic; the encoder guards against cycles.
type Duty struct {
	Rule
	Consequence *Duty
}

// Action identifies what a rule permits, prohibits or obliges.
// Refinement, when set, narrows the action with a constraint.
type Action struct {
	Type       string
	IncludedIn string
	Refinement Constraint
}

// IsZero reports whether the action carries no fields at all.
func (a Action) IsZero() bool {
	return a.Type == "" && a.IncludedIn == "" && a.Refinement == nil
}
