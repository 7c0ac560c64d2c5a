package rollup

import "sort"

// CollapseStatus reduces per-status event counts to one class status.
// Precedence is fixed: failure, then success, then noop; anything else is
// skipped. Map ordering has no influence on the result.
func CollapseStatus(counts map[Status]int) Status {
	for _, st := range []Status{StatusFailure, StatusSuccess, StatusNoop} {
		if counts[st] > 0 {
			return st
		}
	}
	return StatusSkipped
}

// collapseEnabled collapses only the buckets that are currently enabled, so
// records built under another column configuration are judged by today's.
func collapseEnabled(counts map[Status]int, columns []Status) Status {
	filtered := make(map[Status]int, len(columns))
	for _, st := range columns {
		filtered[st] = counts[st]
	}
	return CollapseStatus(filtered)
}

// IngestReport turns one report's events into class records keyed by class
// name. Events without a containing class are ignored entirely. Each record
// starts with a zero count per enabled column and only failure, success and
// noop events increment it. The returned records share no state with the
// caller or with each other.
func IngestReport(report Report, node Node, columns []Status) map[string]ClassReportRecord {
	counted := make(map[Status]bool, len(columns))
	for _, st := range columns {
		if countedStatuses[st] {
			counted[st] = true
		}
	}

	nodeName := node.Name
	if nodeName == "" {
		nodeName = report.NodeName
	}
	nodeStatus := node.Status
	if nodeStatus == "" {
		nodeStatus = report.NodeStatus
	}

	records := make(map[string]ClassReportRecord)
	for _, ev := range report.Events {
		if ev.ContainingClass == "" {
			continue
		}
		rec, ok := records[ev.ContainingClass]
		if !ok {
			rec = ClassReportRecord{
				Class:       ev.ContainingClass,
				ReportHash:  report.Hash,
				NodeName:    nodeName,
				NodeStatus:  nodeStatus,
				ClassStatus: StatusSkipped,
				Counts:      zeroCounts(columns),
			}
			records[ev.ContainingClass] = rec
		}
		if st := Status(ev.Status); counted[st] {
			rec.Counts[st]++
		}
	}

	for class, rec := range records {
		rec.ClassStatus = CollapseStatus(rec.Counts)
		records[class] = rec
	}
	return records
}

// Summarize derives the per-class response from a snapshot. Class status is
// recomputed per record; a class with no record in any enabled bucket is
// dropped.
func Summarize(snap *Snapshot, columns []Status) Response {
	resp := make(Response)
	for _, rec := range snap.Records() {
		cr, ok := resp[rec.Class]
		if !ok {
			cr = newClassRollup(columns)
		}
		cr.NbNodes++
		for _, st := range columns {
			cr.NbEventsPerStatus[st] += rec.Counts[st]
		}
		st := collapseEnabled(rec.Counts, columns)
		if _, enabled := cr.NbNodesPerClassStatus[st]; enabled {
			cr.NbNodesPerClassStatus[st]++
		}
		resp[rec.Class] = cr
	}

	for class, cr := range resp {
		if allZero(cr.NbNodesPerClassStatus) {
			delete(resp, class)
		}
	}
	return resp
}

func allZero(m map[Status]int) bool {
	for _, v := range m {
		if v != 0 {
			return false
		}
	}
	return true
}

// NodesForClass lists every node whose latest report carries class, with the
// class status recomputed under columns. Sorted by node name.
func NodesForClass(snap *Snapshot, class string, columns []Status) []NodeClassStatus {
	var out []NodeClassStatus
	for _, rec := range snap.Records() {
		if rec.Class != class {
			continue
		}
		counts := zeroCounts(columns)
		for _, st := range columns {
			counts[st] = rec.Counts[st]
		}
		out = append(out, NodeClassStatus{
			NodeName:    rec.NodeName,
			NodeStatus:  rec.NodeStatus,
			ReportHash:  rec.ReportHash,
			ClassStatus: collapseEnabled(rec.Counts, columns),
			Counts:      counts,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NodeName != out[j].NodeName {
			return out[i].NodeName < out[j].NodeName
		}
		return out[i].ReportHash < out[j].ReportHash
	})
	return out
}
