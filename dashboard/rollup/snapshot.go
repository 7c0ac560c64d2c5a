package rollup

import (
	"encoding/json"
	"fmt"
	"sort"
)

// RecordKey identifies a record inside a snapshot.
type RecordKey struct {
	Class      string
	ReportHash string
}

// Snapshot is the cached rollup state of one environment: every class record
// of every live report, plus a report index for the "already known" check.
// A nil *Snapshot reads as empty.
type Snapshot struct {
	records  map[RecordKey]ClassReportRecord
	byReport map[string]map[string]struct{} // report hash -> classes
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		records:  make(map[RecordKey]ClassReportRecord),
		byReport: make(map[string]map[string]struct{}),
	}
}

// Put stores a copy of rec, replacing any record with the same key.
func (s *Snapshot) Put(rec ClassReportRecord) {
	s.records[rec.Key()] = rec.clone()
	classes, ok := s.byReport[rec.ReportHash]
	if !ok {
		classes = make(map[string]struct{})
		s.byReport[rec.ReportHash] = classes
	}
	classes[rec.Class] = struct{}{}
}

// Get returns a copy of the record for (class, reportHash).
func (s *Snapshot) Get(class, reportHash string) (ClassReportRecord, bool) {
	if s == nil {
		return ClassReportRecord{}, false
	}
	rec, ok := s.records[RecordKey{Class: class, ReportHash: reportHash}]
	if !ok {
		return ClassReportRecord{}, false
	}
	return rec.clone(), true
}

// HasReport reports whether any class has a record for reportHash.
func (s *Snapshot) HasReport(reportHash string) bool {
	if s == nil {
		return false
	}
	return len(s.byReport[reportHash]) > 0
}

// ReportRecords returns copies of every record of one report, sorted by class.
func (s *Snapshot) ReportRecords(reportHash string) []ClassReportRecord {
	if s == nil {
		return nil
	}
	classes := s.byReport[reportHash]
	out := make([]ClassReportRecord, 0, len(classes))
	for class := range classes {
		out = append(out, s.records[RecordKey{Class: class, ReportHash: reportHash}].clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Class < out[j].Class })
	return out
}

// Reports returns the distinct report hashes, sorted.
func (s *Snapshot) Reports() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.byReport))
	for hash := range s.byReport {
		out = append(out, hash)
	}
	sort.Strings(out)
	return out
}

// Records returns copies of every record sorted by class then report hash.
func (s *Snapshot) Records() []ClassReportRecord {
	if s == nil {
		return nil
	}
	out := make([]ClassReportRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Class != out[j].Class {
			return out[i].Class < out[j].Class
		}
		return out[i].ReportHash < out[j].ReportHash
	})
	return out
}

// Len returns the number of records.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.records)
}

type snapshotWire struct {
	Records []ClassReportRecord `json:"records"`
}

// MarshalJSON encodes the snapshot as a sorted record list.
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	recs := s.Records()
	if recs == nil {
		recs = []ClassReportRecord{}
	}
	return json.Marshal(snapshotWire{Records: recs})
}

// UnmarshalJSON decodes a record list. Records missing their identity are
// rejected so a damaged entry is treated as a cache miss by the caller.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var wire snapshotWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	fresh := NewSnapshot()
	for i, rec := range wire.Records {
		if rec.Class == "" || rec.ReportHash == "" {
			return fmt.Errorf("snapshot record %d has no class or report hash", i)
		}
		if rec.Counts == nil {
			rec.Counts = map[Status]int{}
		}
		fresh.Put(rec)
	}
	*s = *fresh
	return nil
}
