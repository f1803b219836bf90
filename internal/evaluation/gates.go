package evaluation

import "context"

// Subject is what a gate inspects: one revision on disk plus the
// artifact's requirements brief.
type Subject struct {
	Name     string
	Revision int
	Path     string
	Brief    string
}

// ValidityGate executes the program and reports whether it ran.
type ValidityGate interface {
	CheckValidity(ctx context.Context, s Subject) (ValidityResult, error)
}

// ComplianceGate judges the program against its requirements.
type ComplianceGate interface {
	CheckCompliance(ctx context.Context, s Subject) (ComplianceResult, error)
}

// AlignmentGate judges the program's physical and semantic consistency.
type AlignmentGate interface {
	CheckAlignment(ctx context.Context, s Subject) (AlignmentResult, error)
}

// WinnabilityGate plays the program and reports whether it can be won.
type WinnabilityGate interface {
	CheckWinnability(ctx context.Context, s Subject) (WinnabilityResult, error)
}

// Gates bundles the collaborators a Chain calls. Downstream gates may be
// nil when their switch is off.
type Gates struct {
	Validity    ValidityGate
	Compliance  ComplianceGate
	Alignment   AlignmentGate
	Winnability WinnabilityGate
}
