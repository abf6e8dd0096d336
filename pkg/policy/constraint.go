package policy

// Constraint is a closed variant set: AtomicConstraint or
// MultiplicityConstraint. The marker method seals the set so encoders can
// type-switch exhaustively and treat anything else as a contract violation.
type Constraint interface {
	isConstraint()
}

// AtomicConstraint compares a left expression to a right expression
// through an ODRL operator IRI.
type AtomicConstraint struct {
	Left     Expression
	Operator string
	Right    Expression
}

func (AtomicConstraint) isConstraint() {}

// LogicalOperator is the combinator of a multiplicity constraint.
type LogicalOperator int

const (
	OperatorAnd LogicalOperator = iota + 1
	OperatorOr
	OperatorXone
)

func (op LogicalOperator) String() string {
	switch op {
	case OperatorAnd:
		return "and"
	case OperatorOr:
		return "or"
	case OperatorXone:
		return "xone"
	default:
		return "unknown"
	}
}

// MultiplicityConstraint combines child constraints with a logical
// operator. Children may themselves be multiplicity constraints.
type MultiplicityConstraint struct {
	Operator    LogicalOperator
	Constraints []Constraint
}

func (MultiplicityConstraint) isConstraint() {}

// Expression is a closed variant set; LiteralExpression is currently the
// only member.
type Expression interface {
	isExpression()
}

// LiteralExpression wraps a literal operand value. The value is
// stringified at encode time.
type LiteralExpression struct {
	Value any
}

func (LiteralExpression) isExpression() {}
