package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Deployment enumerates the Jira deployment flavours the tracker client supports.
type Deployment string

const (
	// DeploymentCloud authenticates with basic auth (user + API token) and
	// addresses users by account id.
	DeploymentCloud Deployment = "cloud"
	// DeploymentServer authenticates with a bearer personal access token and
	// addresses users by username.
	DeploymentServer Deployment = "server"
)

// reservedFields are create-payload fields the sync owns. Custom fields may
// not override them.
var reservedFields = map[string]struct{}{
	"project":     {},
	"issuetype":   {},
	"summary":     {},
	"description": {},
	"labels":      {},
	"priority":    {},
	"parent":      {},
	"assignee":    {},
}

// Config represents the top-level configuration for a sync run.
type Config struct {
	AWS       AWSConfig       `yaml:"aws"`
	Jira      JiraConfig      `yaml:"jira"`
	Sync      SyncConfig      `yaml:"sync"`
	Lock      LockConfig      `yaml:"lock"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// AWSConfig scopes the finding source.
type AWSConfig struct {
	Region     string   `yaml:"region" validate:"required"`
	Severities []string `yaml:"severities" validate:"min=1,dive,oneof=INFORMATIONAL LOW MEDIUM HIGH CRITICAL"`
}

// JiraConfig describes the target project and how tickets are created in it.
type JiraConfig struct {
	Host       string     `yaml:"host" validate:"required"`
	Username   string     `yaml:"username" validate:"required_if=Deployment cloud"`
	Token      string     `yaml:"token" validate:"required"`
	Project    string     `yaml:"project" validate:"required"`
	Deployment Deployment `yaml:"deployment" validate:"oneof=cloud server"`
	IssueType  string     `yaml:"issue_type" validate:"required"`

	// ClosedStatuses are excluded from searches and never closed again.
	ClosedStatuses []string `yaml:"closed_statuses" validate:"min=1,dive,required"`
	// OpenStatuses, when set, restricts which statuses are eligible for closing.
	OpenStatuses []string `yaml:"open_statuses" validate:"dive,required"`
	// DoneTransition is tried first when closing a ticket.
	DoneTransition string `yaml:"done_transition" validate:"required"`

	EpicKey       string         `yaml:"epic_key"`
	LinkIssueKey  string         `yaml:"link_issue_key"`
	LinkType      string         `yaml:"link_type"`
	Assignee      string         `yaml:"assignee"`
	RemoveWatcher bool           `yaml:"remove_watcher"`
	ExtraLabels   []string       `yaml:"extra_labels" validate:"dive,required"`
	CustomFields  map[string]any `yaml:"custom_fields"`

	RateLimit  float64       `yaml:"rate_limit" validate:"gt=0"`
	Burst      int           `yaml:"burst" validate:"gte=1"`
	MaxRetries int           `yaml:"max_retries" validate:"gte=0,lte=10"`
	RetryWait  time.Duration `yaml:"retry_wait" validate:"gte=0"`
	Timeout    time.Duration `yaml:"timeout" validate:"gt=0"`
}

// SyncConfig controls reconciliation behaviour.
type SyncConfig struct {
	IdentityPrefix string `yaml:"identity_prefix" validate:"required"`
	MarkerLabel    string `yaml:"marker_label" validate:"required"`
	// AutoClose transitions stale tickets to a closed state. When false they
	// are renamed with ResolvedSuffix and commented instead.
	AutoClose       bool   `yaml:"auto_close"`
	ResolvedSuffix  string `yaml:"resolved_suffix" validate:"required_if=AutoClose false"`
	ContinueOnError bool   `yaml:"continue_on_error"`
	DryRun          bool   `yaml:"dry_run"`
}

// LockConfig configures the optional Kubernetes lease that keeps concurrent
// runs against the same project from racing each other.
type LockConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Namespace     string        `yaml:"namespace" validate:"required_if=Enabled true"`
	Name          string        `yaml:"name" validate:"required_if=Enabled true"`
	Identity      string        `yaml:"identity"`
	LeaseDuration time.Duration `yaml:"lease_duration" validate:"omitempty,gte=3s"`
	// Kubeconfig is used outside a cluster. Empty means ~/.kube/config.
	Kubeconfig string `yaml:"kubeconfig"`
}

// TelemetryConfig configures logging and OTLP export.
type TelemetryConfig struct {
	ServiceName      string  `yaml:"service_name"`
	LogLevel         string  `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
	ExporterEndpoint string  `yaml:"exporter_endpoint"`
	SamplingRatio    float64 `yaml:"sampling_ratio" validate:"gte=0,lte=1"`
	Insecure         bool    `yaml:"insecure"`
}

// Default returns a Config with every default in one place. Loaders decode
// on top of it, so anything a source leaves unset keeps these values.
func Default() *Config {
	return &Config{
		AWS: AWSConfig{
			Region:     "us-east-1",
			Severities: []string{"HIGH", "CRITICAL"},
		},
		Jira: JiraConfig{
			Deployment:     DeploymentCloud,
			IssueType:      "Task",
			ClosedStatuses: []string{"Done"},
			DoneTransition: "Done",
			LinkType:       "Relates",
			RemoveWatcher:  true,
			RateLimit:      5,
			Burst:          10,
			MaxRetries:     3,
			RetryWait:      time.Second,
			Timeout:        30 * time.Second,
		},
		Sync: SyncConfig{
			IdentityPrefix: "SecurityHub Finding",
			MarkerLabel:    "security-hub",
			AutoClose:      true,
			ResolvedSuffix: " - Resolved",
		},
		Lock: LockConfig{
			Name:          "securityhub-sync",
			LeaseDuration: 30 * time.Second,
		},
		Telemetry: TelemetryConfig{
			ServiceName:   "securityhub-sync",
			LogLevel:      "info",
			SamplingRatio: 1,
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and rejects custom fields that would
// override fields the sync sets itself.
func (c *Config) Validate() error {
	var errs []error

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("validating config: %w", err)
		}
		for _, fe := range verrs {
			errs = append(errs, fmt.Errorf("%s: failed %q constraint", fe.Namespace(), fe.Tag()))
		}
	}

	// Jira labels cannot contain whitespace.
	for _, l := range append([]string{c.Sync.MarkerLabel}, c.Jira.ExtraLabels...) {
		if strings.ContainsAny(l, " \t\n") {
			errs = append(errs, fmt.Errorf("label %q: labels may not contain whitespace", l))
		}
	}

	if reserved := c.reservedCustomFields(); len(reserved) > 0 {
		errs = append(errs, fmt.Errorf("jira custom fields: reserved keys may not be overridden: %s", strings.Join(reserved, ", ")))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

func (c *Config) reservedCustomFields() []string {
	var out []string
	for k := range c.Jira.CustomFields {
		if _, ok := reservedFields[strings.ToLower(k)]; ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
