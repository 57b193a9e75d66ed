package reconciliation

import "slices"

// Ticket is an issue-tracker item as seen by the sync. It is owned by the
// tracker; the sync only creates, closes or renames it.
type Ticket struct {
	Key    string
	ID     string
	Title  string
	Status string
	Labels []string
	Body   string
}

// NewTicket is the payload for a ticket the sync wants created.
type NewTicket struct {
	Identity   Identity
	Title      string
	Body       string
	Labels     []string
	PriorityID string
	IssueType  string
	ParentKey  string
	Assignee   string
	// CustomFields are merged verbatim into the create payload. Keys are
	// tracker field ids; reserved keys are rejected during configuration.
	CustomFields map[string]any
}

// StatusPolicy classifies tracker workflow statuses as open or closed.
type StatusPolicy struct {
	ClosedStatuses []string
	// OpenStatuses, when non-empty, restricts "open" to exactly these
	// statuses. When empty, anything not closed counts as open.
	OpenStatuses []string
}

// DefaultClosedStatuses is used when no closed statuses are configured.
var DefaultClosedStatuses = []string{"Done"}

// IsOpen reports whether a ticket in status still needs action.
func (p StatusPolicy) IsOpen(status string) bool {
	if slices.Contains(p.ClosedStatuses, status) {
		return false
	}
	if len(p.OpenStatuses) == 0 {
		return true
	}
	return slices.Contains(p.OpenStatuses, status)
}
