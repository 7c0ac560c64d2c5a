// Package puppetdb is a read-only client for the PuppetDB v4 query API.
package puppetdb

import "time"

// Environment is one entry of /pdb/query/v4/environments.
type Environment struct {
	Name string `json:"name"`
}

// Node is one entry of /pdb/query/v4/nodes.
type Node struct {
	Certname           string     `json:"certname"`
	Deactivated        *time.Time `json:"deactivated"`
	Expired            *time.Time `json:"expired"`
	CatalogEnvironment string     `json:"catalog_environment"`
	FactsEnvironment   string     `json:"facts_environment"`
	ReportEnvironment  string     `json:"report_environment"`
	CatalogTimestamp   *time.Time `json:"catalog_timestamp"`
	FactsTimestamp     *time.Time `json:"facts_timestamp"`
	ReportTimestamp    *time.Time `json:"report_timestamp"`
	LatestReportHash   string     `json:"latest_report_hash"`
	LatestReportStatus string     `json:"latest_report_status"`
	LatestReportNoop   bool       `json:"latest_report_noop"`
}

// Report is one entry of /pdb/query/v4/reports. Metrics, logs and
// resource_events are left as links and not decoded.
type Report struct {
	Hash                 string     `json:"hash"`
	Certname             string     `json:"certname"`
	Environment          string     `json:"environment"`
	Status               string     `json:"status"`
	Noop                 bool       `json:"noop"`
	PuppetVersion        string     `json:"puppet_version"`
	ConfigurationVersion string     `json:"configuration_version"`
	TransactionUUID      string     `json:"transaction_uuid"`
	CorrectiveChange     *bool      `json:"corrective_change"`
	StartTime            time.Time  `json:"start_time"`
	EndTime              time.Time  `json:"end_time"`
	ReceiveTime          *time.Time `json:"receive_time"`
}

// Event is one entry of /pdb/query/v4/events.
type Event struct {
	Certname        string      `json:"certname"`
	Report          string      `json:"report"`
	Environment     string      `json:"environment"`
	Status          string      `json:"status"`
	Timestamp       time.Time   `json:"timestamp"`
	ResourceType    string      `json:"resource_type"`
	ResourceTitle   string      `json:"resource_title"`
	Property        string      `json:"property"`
	OldValue        interface{} `json:"old_value"`
	NewValue        interface{} `json:"new_value"`
	Message         string      `json:"message"`
	File            string      `json:"file"`
	Line            *int        `json:"line"`
	ContainingClass string      `json:"containing_class"`
}

// ServiceStatus is the puppetdb-status service entry of /status/v1.
type ServiceStatus struct {
	ServiceVersion string `json:"service_version"`
	State          string `json:"state"`
	DetailLevel    string `json:"detail_level"`
}

// Running reports whether PuppetDB considers itself healthy.
func (s ServiceStatus) Running() bool {
	return s.State == "running"
}
