// Package securityhub fetches active findings and the caller's account
// identity from AWS Security Hub, STS and IAM.
package securityhub

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/securityhub"
	"github.com/aws/aws-sdk-go-v2/service/securityhub/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	regexp "github.com/wasilibs/go-re2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/ahrav/securityhub-sync/internal/domain/reconciliation"
	"github.com/ahrav/securityhub-sync/pkg/common/logger"
)

const (
	// pageSize is the largest page GetFindings accepts.
	pageSize = 100

	productSecurityHub  = "Security Hub"
	standardsControlKey = "StandardsControlArn"
)

var accountIDPattern = regexp.MustCompile(`^[0-9]{12}$`)

// identityAPI is the subset of STS the client needs.
type identityAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// aliasAPI is the subset of IAM the client needs.
type aliasAPI interface {
	ListAccountAliases(ctx context.Context, params *iam.ListAccountAliasesInput, optFns ...func(*iam.Options)) (*iam.ListAccountAliasesOutput, error)
}

// Client is the finding source backed by Security Hub.
type Client struct {
	findings securityhub.GetFindingsAPIClient
	identity identityAPI
	aliases  aliasAPI

	logger *logger.Logger
	tracer trace.Tracer
}

// NewClient builds a Client from the default AWS credential chain for region.
func NewClient(ctx context.Context, region string, log *logger.Logger, tracer trace.Tracer) (*Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewClientWithAPIs(
		securityhub.NewFromConfig(cfg),
		sts.NewFromConfig(cfg),
		iam.NewFromConfig(cfg),
		log,
		tracer,
	), nil
}

// NewClientWithAPIs builds a Client from already constructed service clients.
func NewClientWithAPIs(
	findings securityhub.GetFindingsAPIClient,
	identity identityAPI,
	aliases aliasAPI,
	log *logger.Logger,
	tracer trace.Tracer,
) *Client {
	return &Client{
		findings: findings,
		identity: identity,
		aliases:  aliases,
		logger:   log.With("component", "securityhub_client"),
		tracer:   tracer,
	}
}

// AccountID returns the 12 digit account id of the calling identity.
func (c *Client) AccountID(ctx context.Context) (string, error) {
	ctx, span := c.tracer.Start(ctx, "securityhub_client.account_id")
	defer span.End()

	out, err := c.identity.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get caller identity")
		return "", &domain.SourceUnavailableError{Op: "get_caller_identity", Err: err}
	}

	id := aws.ToString(out.Account)
	if !accountIDPattern.MatchString(id) {
		err := &domain.InvalidAccountIDError{AccountID: id}
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid account id")
		return "", err
	}

	span.SetAttributes(attribute.String("account_id", id))
	span.SetStatus(codes.Ok, "account id resolved")
	return id, nil
}

// AccountAlias returns the first IAM account alias. It is best-effort: any
// failure is logged and yields an empty alias.
func (c *Client) AccountAlias(ctx context.Context) string {
	ctx, span := c.tracer.Start(ctx, "securityhub_client.account_alias")
	defer span.End()

	out, err := c.aliases.ListAccountAliases(ctx, &iam.ListAccountAliasesInput{})
	if err != nil {
		span.RecordError(err)
		c.logger.Warn(ctx, "failed to look up account alias", "error", err)
		return ""
	}
	if len(out.AccountAliases) == 0 {
		return ""
	}
	return out.AccountAliases[0]
}

// findingFilters selects active, unresolved Security Hub findings with one of
// the given severities.
func findingFilters(severities []domain.Severity) *types.AwsSecurityFindingFilters {
	equals := func(v string) types.StringFilter {
		return types.StringFilter{Comparison: types.StringFilterComparisonEquals, Value: aws.String(v)}
	}

	labels := make([]types.StringFilter, 0, len(severities))
	for _, s := range severities {
		labels = append(labels, equals(s.String()))
	}

	return &types.AwsSecurityFindingFilters{
		RecordState:    []types.StringFilter{equals(string(types.RecordStateActive))},
		WorkflowStatus: []types.StringFilter{equals(string(types.WorkflowStatusNew)), equals(string(types.WorkflowStatusNotified))},
		ProductName:    []types.StringFilter{equals(productSecurityHub)},
		SeverityLabel:  labels,
	}
}

// FetchActiveFindings returns every active finding in region with one of the
// given severities. All pages are read before returning and the result is
// deduplicated by identity.
func (c *Client) FetchActiveFindings(ctx context.Context, severities []domain.Severity, region string) ([]domain.Finding, error) {
	ctx, span := c.tracer.Start(ctx, "securityhub_client.fetch_active_findings",
		trace.WithAttributes(
			attribute.String("region", region),
			attribute.Int("severity_count", len(severities)),
		))
	defer span.End()

	var regionOpt []func(*securityhub.Options)
	if region != "" {
		regionOpt = append(regionOpt, func(o *securityhub.Options) { o.Region = region })
	}

	paginator := securityhub.NewGetFindingsPaginator(c.findings,
		&securityhub.GetFindingsInput{
			Filters:    findingFilters(severities),
			MaxResults: aws.Int32(pageSize),
		},
		func(o *securityhub.GetFindingsPaginatorOptions) { o.Limit = pageSize },
	)

	var (
		findings []domain.Finding
		pages    int
	)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx, regionOpt...)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to get findings")
			return nil, &domain.SourceUnavailableError{Op: "get_findings", Err: err}
		}
		pages++
		for _, f := range page.Findings {
			findings = append(findings, toFinding(f, region))
		}
	}

	if len(findings) > 0 {
		if alias := c.AccountAlias(ctx); alias != "" {
			for i := range findings {
				findings[i].AccountAlias = alias
			}
		}
	}

	raw := len(findings)
	findings = domain.DedupeFindings(domain.DefaultIdentityPrefix, findings)

	c.logger.Info(ctx, "fetched active findings",
		"region", region,
		"pages", pages,
		"findings", raw,
		"unique", len(findings),
	)
	span.SetAttributes(
		attribute.Int("pages", pages),
		attribute.Int("finding_count", len(findings)),
	)
	span.SetStatus(codes.Ok, "findings fetched")
	return findings, nil
}

func toFinding(f types.AwsSecurityFinding, region string) domain.Finding {
	out := domain.Finding{
		Title:               aws.ToString(f.Title),
		Description:         aws.ToString(f.Description),
		Region:              aws.ToString(f.Region),
		AccountID:           aws.ToString(f.AwsAccountId),
		ProductName:         aws.ToString(f.ProductName),
		UpdatedAt:           aws.ToString(f.UpdatedAt),
		StandardsControlARN: f.ProductFields[standardsControlKey],
	}
	if out.Region == "" {
		out.Region = region
	}
	if f.Severity != nil {
		out.Severity = domain.Severity(f.Severity.Label)
	}
	if f.Remediation != nil && f.Remediation.Recommendation != nil {
		out.RemediationURL = aws.ToString(f.Remediation.Recommendation.Url)
		out.RemediationText = aws.ToString(f.Remediation.Recommendation.Text)
	}
	for _, r := range f.Resources {
		out.Resources = append(out.Resources, domain.Resource{
			Type:   aws.ToString(r.Type),
			ID:     aws.ToString(r.Id),
			Region: aws.ToString(r.Region),
		})
	}
	return out
}
