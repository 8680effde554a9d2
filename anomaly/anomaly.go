// Package anomaly defines the flag record produced by detection and
// persisted by the flag store.
package anomaly

import (
	"encoding/json"
	"fmt"
	"time"
)

// Category is the closed set of flag kinds.
type Category int

const (
	SystemAnomaly Category = iota + 1
	BehaviorAnomaly
	PerformanceIssue
	SecurityConcern
	HealthConcern
	ProductivityAlert
)

var categoryNames = map[Category]string{
	SystemAnomaly:     "SystemAnomaly",
	BehaviorAnomaly:   "BehaviorAnomaly",
	PerformanceIssue:  "PerformanceIssue",
	SecurityConcern:   "SecurityConcern",
	HealthConcern:     "HealthConcern",
	ProductivityAlert: "ProductivityAlert",
}

// Categories lists every category in declaration order.
func Categories() []Category {
	return []Category{SystemAnomaly, BehaviorAnomaly, PerformanceIssue, SecurityConcern, HealthConcern, ProductivityAlert}
}

func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Category(%d)", int(c))
}

// ParseCategory maps a category name back to its value.
func ParseCategory(name string) (Category, error) {
	for c, n := range categoryNames {
		if n == name {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown flag category %q", name)
}

type categoryTag struct {
	Type string `json:"type"`
}

// MarshalJSON encodes the category as an internally tagged object,
// {"type": "HealthConcern"}, which is the on-disk flag_type shape.
func (c Category) MarshalJSON() ([]byte, error) {
	if _, ok := categoryNames[c]; !ok {
		return nil, fmt.Errorf("cannot marshal invalid category %d", int(c))
	}
	return json.Marshal(categoryTag{Type: c.String()})
}

func (c *Category) UnmarshalJSON(data []byte) error {
	var tag categoryTag
	if err := json.Unmarshal(data, &tag); err != nil {
		return fmt.Errorf("flag_type: %w", err)
	}
	parsed, err := ParseCategory(tag.Type)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Severity is totally ordered: Low < Medium < High < Critical.
type Severity int

const (
	Low Severity = iota + 1
	Medium
	High
	Critical
)

var severityNames = map[Severity]string{
	Low:      "Low",
	Medium:   "Medium",
	High:     "High",
	Critical: "Critical",
}

// Severities lists every severity from lowest to highest.
func Severities() []Severity {
	return []Severity{Low, Medium, High, Critical}
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Severity(%d)", int(s))
}

func ParseSeverity(name string) (Severity, error) {
	for s, n := range severityNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown severity %q", name)
}

func (s Severity) MarshalJSON() ([]byte, error) {
	if _, ok := severityNames[s]; !ok {
		return nil, fmt.Errorf("cannot marshal invalid severity %d", int(s))
	}
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("severity: %w", err)
	}
	parsed, err := ParseSeverity(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// MaxSeverity returns the worst severity in the list, or zero for none.
func MaxSeverity(severities ...Severity) Severity {
	var worst Severity
	for _, s := range severities {
		if s > worst {
			worst = s
		}
	}
	return worst
}

// Flag is one anomaly finding. It is built once by the detector and
// written once by the store; nothing updates it afterwards.
type Flag struct {
	ID string `json:"id"`
	// Timestamp is when the detector produced the flag, not when the
	// snapshot was captured. Consumers correlating with snapshots must use
	// the snapshot's own timestamp.
	Timestamp   time.Time              `json:"timestamp"`
	SessionID   string                 `json:"session_id"`
	Type        Category               `json:"flag_type"`
	Severity    Severity               `json:"severity"`
	Title       string                 `json:"title"`
	Description string                 `json:"description"`
	DataSource  string                 `json:"data_source"`
	Metrics     map[string]interface{} `json:"metrics"`
	Confidence  float64                `json:"confidence"`
}
