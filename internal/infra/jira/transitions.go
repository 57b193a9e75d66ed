package jira

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/ahrav/securityhub-sync/internal/domain/reconciliation"
)

// maxWorkflowSteps bounds the transition walk for workflows without a
// direct done transition.
const maxWorkflowSteps = 10

var (
	// opposedTransitions would move a ticket away from resolution.
	opposedTransitions = []string{"canceled", "cancelled", "backout", "rejected"}
	// doneStatuses end the workflow walk.
	doneStatuses = []string{"done", "closed", "close", "complete"}
)

type transition struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	To   struct {
		Name           string `json:"name"`
		StatusCategory struct {
			Key string `json:"key"`
		} `json:"statusCategory"`
	} `json:"to"`
}

type transitionsResponse struct {
	Transitions []transition `json:"transitions"`
}

// Close moves the ticket to a closed status. The configured done transition
// is used when the ticket offers it. Otherwise the workflow is walked one
// transition at a time, avoiding cancel-like transitions, until a done
// status is reached.
func (c *Client) Close(ctx context.Context, key string) error {
	ctx, span := c.tracer.Start(ctx, "jira_client.close",
		trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	available, err := c.listTransitions(ctx, key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list transitions")
		return err
	}

	for _, t := range available {
		if t.Name == c.cfg.DoneTransition {
			if err := c.transition(ctx, key, t.ID); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "failed to transition ticket")
				return err
			}
			span.SetAttributes(attribute.String("transition", t.Name))
			span.SetStatus(codes.Ok, "ticket closed")
			return nil
		}
	}

	if err := c.walkWorkflow(ctx, key, available); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to close ticket")
		return err
	}
	span.SetStatus(codes.Ok, "ticket closed through workflow")
	return nil
}

func (c *Client) walkWorkflow(ctx context.Context, key string, available []transition) error {
	logger := c.logger.With("operation", "walk_workflow", "key", key)

	var taken []string
	for step := 0; step < maxWorkflowSteps; step++ {
		next, ok := nextTransition(available, taken)
		if !ok {
			if len(taken) == 0 {
				return &domain.NoCloseTransitionError{Key: key, Reason: "no usable transition available"}
			}
			return &domain.NoCloseTransitionError{
				Key:    key,
				Reason: fmt.Sprintf("workflow stopped after %s without reaching any of %s", strings.Join(taken, " -> "), strings.Join(doneStatuses, ", ")),
			}
		}

		if err := c.transition(ctx, key, next.ID); err != nil {
			return err
		}
		taken = append(taken, strings.ToLower(next.Name))
		logger.Debug(ctx, "transitioned ticket to next stage", "transition", next.Name, "status", next.To.Name)

		if c.reachesDone(next) {
			return nil
		}

		var err error
		if available, err = c.listTransitions(ctx, key); err != nil {
			return err
		}
	}

	return &domain.NoCloseTransitionError{
		Key:    key,
		Reason: fmt.Sprintf("no done status within %d transitions", maxWorkflowSteps),
	}
}

// nextTransition returns the first transition that is neither cancel-like
// nor already taken.
func nextTransition(available []transition, taken []string) (transition, bool) {
	for _, t := range available {
		name := strings.ToLower(t.Name)
		if slices.Contains(opposedTransitions, name) || slices.Contains(taken, name) {
			continue
		}
		return t, true
	}
	return transition{}, false
}

func (c *Client) reachesDone(t transition) bool {
	if slices.Contains(doneStatuses, strings.ToLower(t.Name)) ||
		slices.Contains(doneStatuses, strings.ToLower(t.To.Name)) {
		return true
	}
	if slices.Contains(c.cfg.ClosedStatuses, t.To.Name) {
		return true
	}
	return t.To.StatusCategory.Key == "done"
}

func (c *Client) listTransitions(ctx context.Context, key string) ([]transition, error) {
	var resp transitionsResponse
	err := c.do(ctx, request{
		op:     "list_transitions",
		key:    key,
		method: http.MethodGet,
		path:   "issue/" + key + "/transitions",
		out:    &resp,
	})
	if err != nil {
		return nil, err
	}
	return resp.Transitions, nil
}

func (c *Client) transition(ctx context.Context, key, id string) error {
	return c.do(ctx, request{
		op:     "transition",
		key:    key,
		method: http.MethodPost,
		path:   "issue/" + key + "/transitions",
		in:     map[string]any{"transition": idRef{ID: id}},
	})
}
