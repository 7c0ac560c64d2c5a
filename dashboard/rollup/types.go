// Package rollup aggregates PuppetDB report events into per-class status
// rollups and keeps a per-environment snapshot of them in a shared cache so
// that only reports not seen before are fetched on each refresh.
package rollup

import (
	"fmt"
	"sort"
	"strings"
)

// Status is an event outcome and, collapsed, a class outcome.
type Status string

const (
	StatusFailure Status = "failure"
	StatusSuccess Status = "success"
	StatusNoop    Status = "noop"
	StatusSkipped Status = "skipped"
)

// AllStatuses lists every status in collapse precedence order.
var AllStatuses = []Status{StatusFailure, StatusSuccess, StatusNoop, StatusSkipped}

// DefaultStatusColumns are the buckets shown when none are configured.
var DefaultStatusColumns = []Status{StatusFailure, StatusSuccess, StatusNoop}

// countedStatuses are the only statuses an event increments.
// skipped is the absence-of-evidence label and is never counted.
var countedStatuses = map[Status]bool{
	StatusFailure: true,
	StatusSuccess: true,
	StatusNoop:    true,
}

// ParseStatus validates a status name.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllStatuses {
		if st == known {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// ParseStatusColumns validates and de-duplicates a configured column list,
// keeping the configured order.
func ParseStatusColumns(names []string) ([]Status, error) {
	seen := make(map[Status]bool, len(names))
	out := make([]Status, 0, len(names))
	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			continue
		}
		st, err := ParseStatus(name)
		if err != nil {
			return nil, err
		}
		if seen[st] {
			continue
		}
		seen[st] = true
		out = append(out, st)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no status columns enabled")
	}
	return out, nil
}

// Event is one resource outcome inside a report.
type Event struct {
	Status          string `json:"status"`
	ContainingClass string `json:"containing_class,omitempty"` // empty = excluded from rollup
}

// Report is one configuration run of one node.
type Report struct {
	Hash       string  `json:"hash"`
	NodeName   string  `json:"node_name"`
	NodeStatus string  `json:"node_status"`
	Events     []Event `json:"events"`
}

// Node is the status view of a managed host.
type Node struct {
	Name             string `json:"name"`
	LatestReportHash string `json:"latest_report_hash"`
	Status           string `json:"status"`
	Deactivated      bool   `json:"deactivated"`
}

// Active reports whether the node takes part in the rollup.
func (n Node) Active() bool {
	return n.LatestReportHash != "" && !n.Deactivated
}

// ClassReportRecord is the rollup unit for one (class, report) pair.
type ClassReportRecord struct {
	Class       string         `json:"class"`
	ReportHash  string         `json:"report_hash"`
	NodeName    string         `json:"node_name"`
	NodeStatus  string         `json:"node_status"`
	ClassStatus Status         `json:"class_status"`
	Counts      map[Status]int `json:"nb_events_per_status"`
}

// Key returns the record's identity in a snapshot.
func (r ClassReportRecord) Key() RecordKey {
	return RecordKey{Class: r.Class, ReportHash: r.ReportHash}
}

func (r ClassReportRecord) clone() ClassReportRecord {
	counts := make(map[Status]int, len(r.Counts))
	for k, v := range r.Counts {
		counts[k] = v
	}
	r.Counts = counts
	return r
}

// ClassRollup is the per-class summary handed to the view layer.
type ClassRollup struct {
	NbNodes               int            `json:"nb_nodes"`
	NbEventsPerStatus     map[Status]int `json:"nb_events_per_status"`
	NbNodesPerClassStatus map[Status]int `json:"nb_nodes_per_class_status"`
}

func newClassRollup(columns []Status) ClassRollup {
	return ClassRollup{
		NbEventsPerStatus:     zeroCounts(columns),
		NbNodesPerClassStatus: zeroCounts(columns),
	}
}

// Response maps class name to its rollup.
type Response map[string]ClassRollup

// Classes returns the class names in sorted order.
func (r Response) Classes() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NodeClassStatus is one node's outcome for a single class.
type NodeClassStatus struct {
	NodeName    string         `json:"node_name"`
	NodeStatus  string         `json:"node_status"`
	ReportHash  string         `json:"report_hash"`
	ClassStatus Status         `json:"class_status"`
	Counts      map[Status]int `json:"nb_events_per_status"`
}

func zeroCounts(columns []Status) map[Status]int {
	m := make(map[Status]int, len(columns))
	for _, s := range columns {
		m[s] = 0
	}
	return m
}
