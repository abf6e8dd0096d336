package odrl

// JSON-LD keywords used by the expanded form.
const (
	KeywordID    = "@id"
	KeywordType  = "@type"
	KeywordValue = "@value"
)

// Namespace is the ODRL vocabulary prefix; every attribute of the
// expanded document is a full IRI under it.
const Namespace = "http://www.w3.org/ns/odrl/2/"

// Policy type IRIs. The set is closed: every policy.PolicyType maps to
// exactly one of these.
const (
	PolicyTypeSetIRI       = Namespace + "Set"
	PolicyTypeOfferIRI     = Namespace + "Offer"
	PolicyTypeAgreementIRI = Namespace + "Agreement"
)

// Attribute IRIs of the expanded document.
const (
	AttrPermission   = Namespace + "permission"
	AttrProhibition  = Namespace + "prohibition"
	AttrObligation   = Namespace + "obligation"
	AttrAssignee     = Namespace + "assignee"
	AttrAssigner     = Namespace + "assigner"
	AttrTarget       = Namespace + "target"
	AttrAction       = Namespace + "action"
	AttrActionType   = Namespace + "type"
	AttrIncludedIn   = Namespace + "includedIn"
	AttrRefinement   = Namespace + "refinement"
	AttrConstraint   = Namespace + "constraint"
	AttrLeftOperand  = Namespace + "leftOperand"
	AttrOperator     = Namespace + "operator"
	AttrRightOperand = Namespace + "rightOperand"
	AttrAnd          = Namespace + "and"
	AttrOr           = Namespace + "or"
	AttrXone         = Namespace + "xone"
	AttrDuty         = Namespace + "duty"
	AttrConsequence  = Namespace + "consequence"
)
