package reconciliation

import (
	"fmt"
	"net/url"
	"strings"
	"text/template"
)

// DefaultRegion is used for console links when a finding carries no region.
const DefaultRegion = "us-east-1"

// FindingTitleMarker prefixes the machine-readable title line of every body.
const FindingTitleMarker = "Finding Title: "

// bodyTemplate renders Jira wiki markup. Keep the marker line at the start
// of a line: older tooling greps for it.
var bodyTemplate = template.Must(template.New("ticket_body").Parse(
	`----
*This issue was generated from Security Hub data and is managed through automation.*
Please do not edit the title or body of this issue, or remove its identifying labels. All other edits and comments are welcome.
` + FindingTitleMarker + `{{.Title}}
----

h2. Type of Issue:
* Security Hub Finding

h2. Title:
{{.Title}}

h2. Description:
{{.Description}}

h2. Remediation:
{{.RemediationURL}}
{{.RemediationText}}

h2. AWS Account:
{{.AccountID}}{{if .AccountAlias}} ({{.AccountAlias}}){{end}}

h2. Severity:
{{.Severity}}
{{if .StandardsControlARN}}
h2. Standards Control:
{{.StandardsControlARN}}
{{end}}
h2. Resources:
{{if .Resources}}||Type||ID||Region||
{{range .Resources}}|{{.Type}}|{{.ID}}|{{.Region}}|
{{end}}{{else}}No resources listed.
{{end}}
h2. Security Hub:
[View this finding in the Security Hub console|{{.ConsoleURL}}]

h2. AC:
* All findings of this type are resolved or suppressed, indicated by a Workflow Status of Resolved or Suppressed. (Note: this issue will automatically close when the AC is met.)
`))

type bodyData struct {
	Finding
	ConsoleURL string
}

// RenderBody renders the ticket description for f. Identical findings
// always render to byte-identical bodies.
func RenderBody(f Finding) (string, error) {
	f = f.WithRemediationDefaults()

	var sb strings.Builder
	if err := bodyTemplate.Execute(&sb, bodyData{Finding: f, ConsoleURL: ConsoleURL(f)}); err != nil {
		return "", fmt.Errorf("rendering ticket body for %q: %w", f.Title, err)
	}
	return sb.String(), nil
}

// ConsoleURL returns a deep link into the Security Hub console filtered to
// findings with f's title.
func ConsoleURL(f Finding) string {
	region := f.Region
	if region == "" {
		region = DefaultRegion
	}

	// The console expects a doubly encoded "Title=\operator\:EQUALS\:<title>" filter.
	filter := "Title=" + url.QueryEscape(`\operator\:EQUALS\:`+f.Title)
	return fmt.Sprintf(
		"https://%s.console.aws.amazon.com/securityhub/home?region=%s#/findings?search=%s",
		region, region, url.QueryEscape(filter),
	)
}
