package jira

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	regexp "github.com/wasilibs/go-re2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/ahrav/securityhub-sync/internal/domain/reconciliation"
)

// searchPageSize is the page size requested from /search. Jira may return
// fewer; paging follows the reported total.
const searchPageSize = 100

// accountLabelClause matches a label clause carrying a 12 digit AWS account id.
var accountLabelClause = regexp.MustCompile(`labels = '[0-9]{12}'`)

var searchFields = []string{"summary", "status", "labels", "description"}

func labelClause(label string) string { return "labels = " + quote(label) }

// quote wraps s in single quotes for JQL, escaping embedded quotes and backslashes.
func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	return "'" + s + "'"
}

// BuildSearchQuery builds the JQL selecting every open ticket in project
// that carries the marker label and all identity labels.
func BuildSearchQuery(project, markerLabel string, identityLabels, closedStatuses []string) string {
	clauses := make([]string, 0, len(identityLabels)+3)
	clauses = append(clauses, labelClause(markerLabel))
	for _, l := range identityLabels {
		if l == "" || l == markerLabel {
			continue
		}
		clauses = append(clauses, labelClause(l))
	}
	clauses = append(clauses, "project = "+quote(project))

	if len(closedStatuses) > 0 {
		quoted := make([]string, len(closedStatuses))
		for i, s := range closedStatuses {
			quoted[i] = quote(s)
		}
		clauses = append(clauses, "status not in ("+strings.Join(quoted, ",")+")")
	}
	return strings.Join(clauses, " AND ")
}

// CheckQueryScope refuses queries that are not pinned to both the marker
// label and an account id label.
func CheckQueryScope(query, markerLabel string) error {
	if !strings.Contains(query, labelClause(markerLabel)) {
		return &domain.QueryTooBroadError{
			Query:  query,
			Reason: fmt.Sprintf("missing the %q marker label", markerLabel),
		}
	}
	if !accountLabelClause.MatchString(query) {
		return &domain.QueryTooBroadError{
			Query:  query,
			Reason: "missing an AWS account id label",
		}
	}
	return nil
}

type searchRequest struct {
	JQL        string   `json:"jql"`
	StartAt    int      `json:"startAt"`
	MaxResults int      `json:"maxResults"`
	Fields     []string `json:"fields"`
}

type searchResponse struct {
	StartAt    int     `json:"startAt"`
	MaxResults int     `json:"maxResults"`
	Total      int     `json:"total"`
	Issues     []issue `json:"issues"`
}

type issue struct {
	ID     string      `json:"id"`
	Key    string      `json:"key"`
	Fields issueFields `json:"fields"`
}

type issueFields struct {
	Summary     string   `json:"summary"`
	Description string   `json:"description"`
	Labels      []string `json:"labels"`
	Status      struct {
		Name string `json:"name"`
	} `json:"status"`
}

func (i issue) toTicket() domain.Ticket {
	return domain.Ticket{
		Key:    i.Key,
		ID:     i.ID,
		Title:  i.Fields.Summary,
		Status: i.Fields.Status.Name,
		Labels: i.Fields.Labels,
		Body:   i.Fields.Description,
	}
}

// Search returns every open ticket in the project carrying the marker label
// and all of identityLabels, following pagination until Jira's reported
// total is reached.
func (c *Client) Search(ctx context.Context, identityLabels []string) ([]domain.Ticket, error) {
	ctx, span := c.tracer.Start(ctx, "jira_client.search",
		trace.WithAttributes(
			attribute.StringSlice("identity_labels", identityLabels),
		))
	defer span.End()

	query := BuildSearchQuery(c.cfg.Project, c.cfg.MarkerLabel, identityLabels, c.cfg.ClosedStatuses)
	span.SetAttributes(attribute.String("jql", query))
	if err := CheckQueryScope(query, c.cfg.MarkerLabel); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query too broad")
		return nil, err
	}

	var tickets []domain.Ticket
	startAt := 0
	for {
		var page searchResponse
		err := c.do(ctx, request{
			op:     "search",
			method: http.MethodPost,
			path:   "search",
			in: searchRequest{
				JQL:        query,
				StartAt:    startAt,
				MaxResults: searchPageSize,
				Fields:     searchFields,
			},
			out: &page,
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "search failed")
			return nil, err
		}

		for _, is := range page.Issues {
			tickets = append(tickets, is.toTicket())
		}
		startAt += len(page.Issues)

		if len(page.Issues) == 0 || startAt >= page.Total {
			break
		}
	}

	c.logger.Debug(ctx, "searched tickets", "jql", query, "count", len(tickets))
	span.SetAttributes(attribute.Int("ticket_count", len(tickets)))
	span.SetStatus(codes.Ok, "search completed")
	return tickets, nil
}
