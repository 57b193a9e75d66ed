// Package envloader overlays process environment variables, optionally
// seeded from a .env file, on top of another configuration source.
package envloader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/ahrav/securityhub-sync/internal/config"
)

var _ config.Loader = (*EnvLoader)(nil)

// Environment variables understood by the loader.
const (
	EnvAWSRegion  = "AWS_REGION"
	EnvSeverities = "SEVERITIES"

	EnvJiraHost           = "JIRA_HOST"
	EnvJiraUsername       = "JIRA_USERNAME"
	EnvJiraToken          = "JIRA_TOKEN"
	EnvJiraProject        = "JIRA_PROJECT"
	EnvJiraDeployment     = "JIRA_DEPLOYMENT"
	EnvJiraIssueType      = "JIRA_ISSUE_TYPE"
	EnvJiraClosedStatuses = "JIRA_CLOSED_STATUSES"
	EnvJiraOpenStatuses   = "JIRA_OPEN_STATUSES"
	EnvJiraDoneTransition = "JIRA_DONE_TRANSITION"
	EnvJiraEpicKey        = "JIRA_EPIC_KEY"
	EnvJiraLinkID         = "JIRA_LINK_ID"
	EnvJiraLinkType       = "JIRA_LINK_TYPE"
	EnvJiraLabels         = "JIRA_LABELS"
	EnvJiraCustomFields   = "JIRA_CUSTOM_FIELDS"
	EnvJiraRemoveWatcher  = "JIRA_REMOVE_WATCHER"
	EnvAssignee           = "ASSIGNEE"

	EnvIdentityPrefix  = "IDENTITY_PREFIX"
	EnvAutoClose       = "AUTO_CLOSE"
	EnvContinueOnError = "CONTINUE_ON_ERROR"
	EnvDryRun          = "DRY_RUN"

	EnvLockEnabled   = "LOCK_ENABLED"
	EnvLockNamespace = "LOCK_NAMESPACE"
	EnvLockName      = "LOCK_NAME"
	EnvPodName       = "POD_NAME"
	EnvKubeconfig    = "KUBECONFIG"

	EnvLogLevel     = "LOG_LEVEL"
	EnvOTLPEndpoint = "OTEL_EXPORTER_OTLP_ENDPOINT"
	EnvServiceName  = "OTEL_SERVICE_NAME"
)

// serverHostMarker identifies self-hosted Jira instances by host name when no
// deployment is set explicitly.
const serverHostMarker = "jiraent"

// EnvLoader applies environment overrides to the configuration produced by
// its base loader. Variables that are unset leave the base value untouched.
type EnvLoader struct {
	base     config.Loader
	envFiles []string
	v        *viper.Viper
}

// Option configures an EnvLoader.
type Option func(*EnvLoader)

// WithEnvFiles sets the .env files tried, in order, before reading the
// environment. The first file that loads wins. Missing files are ignored.
func WithEnvFiles(paths ...string) Option {
	return func(l *EnvLoader) { l.envFiles = paths }
}

// New creates an EnvLoader on top of base. A nil base starts from config.Default.
func New(base config.Loader, opts ...Option) *EnvLoader {
	if base == nil {
		base = config.DefaultLoader{}
	}
	l := &EnvLoader{base: base, envFiles: []string{".env"}}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load resolves the base configuration and overlays the environment.
func (l *EnvLoader) Load(ctx context.Context) (*config.Config, error) {
	if err := l.loadEnvFiles(); err != nil {
		return nil, err
	}

	cfg, err := l.base.Load(ctx)
	if err != nil {
		return nil, err
	}

	l.v = viper.New()
	l.v.AutomaticEnv()

	l.applyAWS(&cfg.AWS)
	if err := l.applyJira(&cfg.Jira); err != nil {
		return nil, err
	}
	l.applySync(&cfg.Sync)
	l.applyLock(&cfg.Lock)
	l.applyTelemetry(&cfg.Telemetry)

	return cfg, nil
}

// loadEnvFiles never overrides variables already present in the process
// environment.
func (l *EnvLoader) loadEnvFiles() error {
	for _, path := range l.envFiles {
		err := godotenv.Load(path)
		if err == nil {
			return nil
		}
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

func (l *EnvLoader) applyAWS(c *config.AWSConfig) {
	l.setString(EnvAWSRegion, &c.Region)
	l.setList(EnvSeverities, &c.Severities)
}

func (l *EnvLoader) applyJira(c *config.JiraConfig) error {
	l.setString(EnvJiraHost, &c.Host)
	l.setString(EnvJiraUsername, &c.Username)
	l.setString(EnvJiraToken, &c.Token)
	l.setString(EnvJiraProject, &c.Project)
	l.setString(EnvJiraIssueType, &c.IssueType)
	l.setList(EnvJiraClosedStatuses, &c.ClosedStatuses)
	l.setList(EnvJiraOpenStatuses, &c.OpenStatuses)
	l.setString(EnvJiraDoneTransition, &c.DoneTransition)
	l.setString(EnvJiraEpicKey, &c.EpicKey)
	l.setString(EnvJiraLinkID, &c.LinkIssueKey)
	l.setString(EnvJiraLinkType, &c.LinkType)
	l.setList(EnvJiraLabels, &c.ExtraLabels)
	l.setString(EnvAssignee, &c.Assignee)
	l.setBool(EnvJiraRemoveWatcher, &c.RemoveWatcher)

	if l.v.IsSet(EnvJiraDeployment) {
		c.Deployment = config.Deployment(strings.ToLower(strings.TrimSpace(l.v.GetString(EnvJiraDeployment))))
	} else if strings.Contains(c.Host, serverHostMarker) {
		c.Deployment = config.DeploymentServer
	}

	if l.v.IsSet(EnvJiraCustomFields) {
		raw := l.v.GetString(EnvJiraCustomFields)
		fields := make(map[string]any)
		if err := json.Unmarshal([]byte(raw), &fields); err != nil {
			return fmt.Errorf("failed to parse %s as a JSON object: %w", EnvJiraCustomFields, err)
		}
		c.CustomFields = fields
	}
	return nil
}

func (l *EnvLoader) applySync(c *config.SyncConfig) {
	l.setString(EnvIdentityPrefix, &c.IdentityPrefix)
	l.setBool(EnvAutoClose, &c.AutoClose)
	l.setBool(EnvContinueOnError, &c.ContinueOnError)
	l.setBool(EnvDryRun, &c.DryRun)
}

func (l *EnvLoader) applyLock(c *config.LockConfig) {
	l.setBool(EnvLockEnabled, &c.Enabled)
	l.setString(EnvLockNamespace, &c.Namespace)
	l.setString(EnvLockName, &c.Name)
	l.setString(EnvPodName, &c.Identity)
	l.setString(EnvKubeconfig, &c.Kubeconfig)
}

func (l *EnvLoader) applyTelemetry(c *config.TelemetryConfig) {
	l.setString(EnvLogLevel, &c.LogLevel)
	l.setString(EnvOTLPEndpoint, &c.ExporterEndpoint)
	l.setString(EnvServiceName, &c.ServiceName)
}

func (l *EnvLoader) setString(key string, dst *string) {
	if l.v.IsSet(key) {
		*dst = strings.TrimSpace(l.v.GetString(key))
	}
}

func (l *EnvLoader) setBool(key string, dst *bool) {
	if l.v.IsSet(key) {
		*dst = l.v.GetBool(key)
	}
}

// setList splits a comma separated variable, trimming entries and dropping
// empty ones.
func (l *EnvLoader) setList(key string, dst *[]string) {
	if !l.v.IsSet(key) {
		return
	}
	*dst = splitList(l.v.GetString(key))
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
