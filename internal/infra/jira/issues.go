package jira

import (
	"context"
	"net/http"
	"net/url"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/ahrav/securityhub-sync/internal/domain/reconciliation"
)

type keyRef struct {
	Key string `json:"key"`
}

type idRef struct {
	ID string `json:"id"`
}

type createResponse struct {
	ID   string `json:"id"`
	Key  string `json:"key"`
	Self string `json:"self"`
}

type user struct {
	Name      string `json:"name"`
	AccountID string `json:"accountId"`
}

// createFields builds the fields object for a create request. Custom fields
// never replace a field set here.
func (c *Client) createFields(nt domain.NewTicket, assignee map[string]string) map[string]any {
	fields := map[string]any{
		"project":     keyRef{Key: c.cfg.Project},
		"issuetype":   map[string]string{"name": nt.IssueType},
		"summary":     nt.Title,
		"description": nt.Body,
		"labels":      nt.Labels,
	}
	if nt.PriorityID != "" {
		fields["priority"] = idRef{ID: nt.PriorityID}
	}
	if nt.ParentKey != "" {
		fields["parent"] = keyRef{Key: nt.ParentKey}
	}
	if assignee != nil {
		fields["assignee"] = assignee
	}
	for k, v := range nt.CustomFields {
		if _, ok := fields[k]; ok {
			continue
		}
		fields[k] = v
	}
	return fields
}

// Create files a new ticket. The assignee is only set when the user exists.
// Linking the new ticket and dropping the API user as a watcher are
// best-effort follow-ups; their failures are logged, not returned.
func (c *Client) Create(ctx context.Context, nt domain.NewTicket) (domain.Ticket, error) {
	ctx, span := c.tracer.Start(ctx, "jira_client.create",
		trace.WithAttributes(
			attribute.String("title", nt.Title),
			attribute.String("priority_id", nt.PriorityID),
		))
	defer span.End()

	var assignee map[string]string
	if nt.Assignee != "" {
		if c.userExists(ctx, nt.Assignee) {
			assignee = c.userRef(nt.Assignee)
		} else {
			c.logger.Warn(ctx, "assignee not found, creating ticket unassigned", "assignee", nt.Assignee)
		}
	}

	var created createResponse
	err := c.do(ctx, request{
		op:     "create",
		method: http.MethodPost,
		path:   "issue",
		in:     map[string]any{"fields": c.createFields(nt, assignee)},
		out:    &created,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create ticket")
		return domain.Ticket{}, err
	}
	span.SetAttributes(attribute.String("key", created.Key))

	if c.cfg.LinkIssueKey != "" {
		if err := c.linkIssues(ctx, created.Key, c.cfg.LinkIssueKey); err != nil {
			c.logger.Warn(ctx, "failed to link ticket", "key", created.Key, "link_key", c.cfg.LinkIssueKey, "error", err)
		}
	}
	if c.cfg.RemoveWatcher {
		if err := c.removeSelfAsWatcher(ctx, created.Key); err != nil {
			c.logger.Warn(ctx, "failed to remove api user as watcher", "key", created.Key, "error", err)
		}
	}

	c.logger.Info(ctx, "created ticket",
		"key", created.Key,
		"title", nt.Title,
		"url", c.BrowseURL(created.Key),
	)
	span.SetStatus(codes.Ok, "ticket created")
	return domain.Ticket{
		Key:    created.Key,
		ID:     created.ID,
		Title:  nt.Title,
		Labels: nt.Labels,
		Body:   nt.Body,
	}, nil
}

// Rename replaces the ticket summary.
func (c *Client) Rename(ctx context.Context, key, title string) error {
	ctx, span := c.tracer.Start(ctx, "jira_client.rename",
		trace.WithAttributes(
			attribute.String("key", key),
			attribute.String("title", title),
		))
	defer span.End()

	err := c.do(ctx, request{
		op:     "rename",
		key:    key,
		method: http.MethodPut,
		path:   "issue/" + key,
		in:     map[string]any{"fields": map[string]string{"summary": title}},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to rename ticket")
		return err
	}
	span.SetStatus(codes.Ok, "ticket renamed")
	return nil
}

// Comment adds a wiki markup comment to the ticket.
func (c *Client) Comment(ctx context.Context, key, text string) error {
	ctx, span := c.tracer.Start(ctx, "jira_client.comment",
		trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	err := c.do(ctx, request{
		op:     "comment",
		key:    key,
		method: http.MethodPost,
		path:   "issue/" + key + "/comment",
		in:     map[string]string{"body": text},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to comment on ticket")
		return err
	}
	span.SetStatus(codes.Ok, "comment added")
	return nil
}

// BrowseURL returns the human facing URL of a ticket.
func (c *Client) BrowseURL(key string) string {
	return c.baseURL.JoinPath("browse", key).String()
}

func (c *Client) linkIssues(ctx context.Context, newKey, otherKey string) error {
	return c.do(ctx, request{
		op:     "link",
		key:    newKey,
		method: http.MethodPost,
		path:   "issueLink",
		in: map[string]any{
			"type":         map[string]string{"name": c.cfg.LinkType},
			"inwardIssue":  keyRef{Key: newKey},
			"outwardIssue": keyRef{Key: otherKey},
		},
	})
}

// userRef addresses a user the way the deployment expects: by username on
// Server/Data Center and by account id on Cloud.
func (c *Client) userRef(id string) map[string]string {
	if c.isServer() {
		return map[string]string{"name": id}
	}
	return map[string]string{"accountId": id}
}

func (c *Client) userQuery(id string) url.Values {
	if c.isServer() {
		return url.Values{"username": {id}}
	}
	return url.Values{"accountId": {id}}
}

// userExists reports whether id resolves to a Jira user. Any lookup failure
// counts as "does not exist".
func (c *Client) userExists(ctx context.Context, id string) bool {
	var u user
	err := c.do(ctx, request{
		op:     "get_user",
		method: http.MethodGet,
		path:   "user",
		query:  c.userQuery(id),
		out:    &u,
	})
	if err != nil {
		if statusCode(err) != http.StatusNotFound {
			c.logger.Warn(ctx, "failed to look up assignee", "assignee", id, "error", err)
		}
		return false
	}
	return true
}

func (c *Client) removeSelfAsWatcher(ctx context.Context, key string) error {
	var me user
	if err := c.do(ctx, request{
		op:     "myself",
		method: http.MethodGet,
		path:   "myself",
		out:    &me,
	}); err != nil {
		return err
	}

	id := me.AccountID
	if c.isServer() {
		id = me.Name
	}
	return c.do(ctx, request{
		op:     "remove_watcher",
		key:    key,
		method: http.MethodDelete,
		path:   "issue/" + key + "/watchers",
		query:  c.userQuery(id),
	})
}
