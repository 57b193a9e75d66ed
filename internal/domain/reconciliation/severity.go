package reconciliation

import "fmt"

// Severity is the Security Hub severity label attached to a finding.
type Severity string

const (
	SeverityInformational Severity = "INFORMATIONAL"
	SeverityLow           Severity = "LOW"
	SeverityMedium        Severity = "MEDIUM"
	SeverityHigh          Severity = "HIGH"
	SeverityCritical      Severity = "CRITICAL"
)

// DefaultSeverities is the severity filter used when none is configured.
var DefaultSeverities = []Severity{SeverityHigh, SeverityCritical}

// priorityIDs maps each known severity onto the tracker priority id.
// Lower ids are more urgent.
var priorityIDs = map[Severity]string{
	SeverityInformational: "5",
	SeverityLow:           "4",
	SeverityMedium:        "3",
	SeverityHigh:          "2",
	SeverityCritical:      "1",
}

// InvalidSeverityError is returned for any severity outside the known
// enumeration. Unknown severities never fall back to a default priority.
type InvalidSeverityError struct {
	Severity string
}

func (e *InvalidSeverityError) Error() string {
	return fmt.Sprintf("invalid severity: %s", e.Severity)
}

// ParseSeverity converts s into a Severity. Matching is exact: "high" is
// rejected just like "UNKNOWN".
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(s)
	if _, ok := priorityIDs[sev]; !ok {
		return "", &InvalidSeverityError{Severity: s}
	}
	return sev, nil
}

// ParseSeverities parses every entry of ss, failing on the first unknown value.
func ParseSeverities(ss []string) ([]Severity, error) {
	out := make([]Severity, 0, len(ss))
	for _, s := range ss {
		sev, err := ParseSeverity(s)
		if err != nil {
			return nil, err
		}
		out = append(out, sev)
	}
	return out, nil
}

// String returns the string representation of the Severity.
func (s Severity) String() string { return string(s) }

// PriorityID returns the tracker priority id for the severity.
func (s Severity) PriorityID() (string, error) {
	id, ok := priorityIDs[s]
	if !ok {
		return "", &InvalidSeverityError{Severity: string(s)}
	}
	return id, nil
}

// SeverityToPriority maps a raw severity label to a tracker priority id.
func SeverityToPriority(severity string) (string, error) {
	sev, err := ParseSeverity(severity)
	if err != nil {
		return "", err
	}
	return sev.PriorityID()
}
