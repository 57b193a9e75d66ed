package reconciliation

import (
	"fmt"
	"strings"
)

// DefaultMarkerLabel is the fixed label carried by every ticket this sync owns.
const DefaultMarkerLabel = "security-hub"

// PlanOptions carries everything BuildPlan needs besides the two input sets.
type PlanOptions struct {
	IdentityPrefix string
	MarkerLabel    string
	Region         string
	AccountID      string
	ExtraLabels    []string
	Statuses       StatusPolicy

	// ResolvedSuffix marks tickets that were already renamed instead of
	// closed. Tickets whose title ends with it are left alone. Empty when
	// stale tickets are closed outright.
	ResolvedSuffix string

	IssueType    string
	ParentKey    string
	Assignee     string
	CustomFields map[string]any
}

// Plan is the outcome of diffing tickets against findings.
type Plan struct {
	// Close holds open tickets with no active finding behind them.
	Close []Ticket
	// Keep holds tickets whose finding is still active.
	Keep []Ticket
	// Create holds one ticket per active finding identity with no ticket yet.
	Create []NewTicket
}

// Empty reports whether the plan requires no tracker writes.
func (p Plan) Empty() bool { return len(p.Close) == 0 && len(p.Create) == 0 }

// IdentityLabels returns the labels, besides the marker label, that scope a
// ticket to one account and region.
func IdentityLabels(accountID, region string) []string {
	return []string{accountID, region}
}

// BuildPlan computes which tickets to close and which findings need a new
// ticket. Findings are deduplicated by identity first, so duplicate titles
// never produce more than one ticket. All priorities are resolved before the
// plan is returned; an unknown severity fails the whole plan so nothing is
// written for a run that cannot complete.
func BuildPlan(tickets []Ticket, findings []Finding, opts PlanOptions) (Plan, error) {
	findings = DedupeFindings(opts.IdentityPrefix, findings)

	expected := make(map[Identity]struct{}, len(findings))
	for _, f := range findings {
		expected[IdentityFor(opts.IdentityPrefix, f)] = struct{}{}
	}

	var plan Plan
	existing := make(map[string]struct{}, len(tickets))
	for _, t := range tickets {
		existing[t.Title] = struct{}{}

		if _, ok := expected[Identity(t.Title)]; ok {
			plan.Keep = append(plan.Keep, t)
			continue
		}
		if !opts.Statuses.IsOpen(t.Status) {
			continue
		}
		if opts.ResolvedSuffix != "" && strings.HasSuffix(t.Title, opts.ResolvedSuffix) {
			continue
		}
		plan.Close = append(plan.Close, t)
	}

	for _, f := range findings {
		id := IdentityFor(opts.IdentityPrefix, f)
		if _, ok := existing[id.String()]; ok {
			continue
		}

		nt, err := newTicketFor(f, id, opts)
		if err != nil {
			return Plan{}, err
		}
		plan.Create = append(plan.Create, nt)
	}

	return plan, nil
}

func newTicketFor(f Finding, id Identity, opts PlanOptions) (NewTicket, error) {
	priority, err := f.Severity.PriorityID()
	if err != nil {
		return NewTicket{}, fmt.Errorf("finding %q: %w", f.Title, err)
	}

	body, err := RenderBody(f)
	if err != nil {
		return NewTicket{}, err
	}

	return NewTicket{
		Identity:     id,
		Title:        id.String(),
		Body:         body,
		Labels:       TicketLabels(f, opts),
		PriorityID:   priority,
		IssueType:    opts.IssueType,
		ParentKey:    opts.ParentKey,
		Assignee:     opts.Assignee,
		CustomFields: opts.CustomFields,
	}, nil
}

// TicketLabels returns the label set for a new ticket: the marker label, the
// identity labels, the severity and any configured extras, without
// duplicates or blanks.
func TicketLabels(f Finding, opts PlanOptions) []string {
	candidates := []string{opts.MarkerLabel}
	candidates = append(candidates, IdentityLabels(opts.AccountID, opts.Region)...)
	candidates = append(candidates, f.Severity.String())
	candidates = append(candidates, opts.ExtraLabels...)

	seen := make(map[string]struct{}, len(candidates))
	labels := make([]string, 0, len(candidates))
	for _, l := range candidates {
		if l == "" {
			continue
		}
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		labels = append(labels, l)
	}
	return labels
}
