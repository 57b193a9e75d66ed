package reconciliation

import (
	"context"

	domain "github.com/ahrav/securityhub-sync/internal/domain/reconciliation"
)

// FindingSource supplies the active findings for one account and region.
type FindingSource interface {
	// AccountID returns the 12 digit account id the source reports for.
	AccountID(ctx context.Context) (string, error)
	// FetchActiveFindings returns all active findings with one of the given
	// severities, with every page read and duplicates collapsed by identity.
	FetchActiveFindings(ctx context.Context, severities []domain.Severity, region string) ([]domain.Finding, error)
}

// TicketTracker is the issue tracker the sync writes to.
type TicketTracker interface {
	// Search returns the open tickets carrying the marker label and all
	// identity labels. It refuses queries that are not scoped to an account.
	Search(ctx context.Context, identityLabels []string) ([]domain.Ticket, error)
	Create(ctx context.Context, ticket domain.NewTicket) (domain.Ticket, error)
	Close(ctx context.Context, key string) error
	Rename(ctx context.Context, key, title string) error
	Comment(ctx context.Context, key, text string) error
}
