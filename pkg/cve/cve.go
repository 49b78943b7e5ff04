package cve

import (
	"fmt"
	"regexp"
	"sort"
)

var idPattern = regexp.MustCompile(`^CVE-(\d{4})-\d+$`)

// Record is a single vulnerability moving through the enrichment pipeline.
// CWE is filled by the fetcher; CAPEC and Techniques are added by the joins.
type Record struct {
	ID         string
	Year       string
	CWE        []string
	CAPEC      []string
	Techniques []string
}

// Entry is the persisted form of a record, keyed by CVE id in the JSONL files:
//
//	{"CVE-2024-1234": {"CWE": ["79"], "CAPEC": ["63"], "TECHNIQUES": ["T1059.007"]}}
type Entry struct {
	CWE        []string `json:"CWE"`
	CAPEC      []string `json:"CAPEC"`
	Techniques []string `json:"TECHNIQUES"`
}

// YearOf returns the year component of a CVE id.
func YearOf(id string) (string, error) {
	m := idPattern.FindStringSubmatch(id)
	if m == nil {
		return "", fmt.Errorf("malformed CVE id %q", id)
	}
	return m[1], nil
}

// New builds a record for id with the given leaf CWE ids.
func New(id string, cwes []string) (Record, error) {
	year, err := YearOf(id)
	if err != nil {
		return Record{}, err
	}
	return Record{ID: id, Year: year, CWE: Normalize(cwes)}, nil
}

// FromEntry rebuilds a record from its persisted form.
func FromEntry(id string, e Entry) (Record, error) {
	r, err := New(id, e.CWE)
	if err != nil {
		return Record{}, err
	}
	r.CAPEC = Normalize(e.CAPEC)
	r.Techniques = Normalize(e.Techniques)
	return r, nil
}

// Entry returns the persisted form with every set sorted and non-nil.
func (r Record) Entry() Entry {
	return Entry{
		CWE:        Normalize(r.CWE),
		CAPEC:      Normalize(r.CAPEC),
		Techniques: Normalize(r.Techniques),
	}
}

// Normalize dedupes and sorts ids. The result is never nil so that empty
// sets encode as [] rather than null.
func Normalize(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// SetToSlice returns the sorted members of set.
func SetToSlice(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// GroupByYear partitions records by year, preserving input order inside each group.
func GroupByYear(records []Record) map[string][]Record {
	out := make(map[string][]Record)
	for _, r := range records {
		out[r.Year] = append(out[r.Year], r)
	}
	return out
}
