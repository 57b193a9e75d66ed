// Package reconciliation holds the pure core of the finding/ticket sync: the
// finding and ticket models, identity derivation, severity mapping, ticket
// body rendering and the diff that decides which tickets to close and which
// to create. Nothing in this package performs I/O.
package reconciliation

const (
	// DefaultIdentityPrefix is prepended to every finding title to form its identity.
	DefaultIdentityPrefix = "SecurityHub Finding"

	// NoRecommendationURL and NoRecommendationText fill in remediation data
	// the source did not provide.
	NoRecommendationURL  = "No Recommendation URL provided."
	NoRecommendationText = "No Recommendation Text provided."
)

// Resource is a cloud resource a finding applies to.
type Resource struct {
	Type   string
	ID     string
	Region string
}

// Finding is a single active security finding as reported by the source.
// Findings are fetched fresh on every run and never persisted.
type Finding struct {
	Title               string
	Severity            Severity
	Description         string
	Region              string
	AccountID           string
	AccountAlias        string
	RemediationURL      string
	RemediationText     string
	Resources           []Resource
	StandardsControlARN string
	ProductName         string
	UpdatedAt           string
}

// WithRemediationDefaults returns a copy of f with placeholder remediation
// text filled in where the source left it empty.
func (f Finding) WithRemediationDefaults() Finding {
	if f.RemediationURL == "" {
		f.RemediationURL = NoRecommendationURL
	}
	if f.RemediationText == "" {
		f.RemediationText = NoRecommendationText
	}
	return f
}

// Identity is the sole correlation key between a finding and its ticket.
// It is stored as the ticket title.
type Identity string

// String returns the string representation of the Identity.
func (i Identity) String() string { return string(i) }

// IdentityFor derives the identity of f. The title is used verbatim, so
// titles differing only in case or whitespace are distinct identities.
func IdentityFor(prefix string, f Finding) Identity {
	return Identity(prefix + " - " + f.Title)
}

// DedupeFindings collapses findings sharing an identity. The last finding
// seen for an identity wins; the result keeps first-seen order.
func DedupeFindings(prefix string, findings []Finding) []Finding {
	index := make(map[Identity]int, len(findings))
	out := make([]Finding, 0, len(findings))
	for _, f := range findings {
		id := IdentityFor(prefix, f)
		if i, ok := index[id]; ok {
			out[i] = f
			continue
		}
		index[id] = len(out)
		out = append(out, f)
	}
	return out
}
