package nvd

import (
	"regexp"

	"github.com/rs/zerolog"

	"github.com/mcoops/go-cve2attack/pkg/cve"
)

const (
	weaknessPrimary   = "Primary"
	weaknessSecondary = "Secondary"
)

// NVD-CWE-Other and NVD-CWE-noinfo do not match and are dropped.
var cwePattern = regexp.MustCompile(`^CWE-(\d{1,4})$`)

// loadRecords turns one API page into records holding only leaf CWE ids.
func loadRecords(page *Response, logger zerolog.Logger) []cve.Record {
	records := make([]cve.Record, 0, len(page.Vulnerabilities))
	for _, v := range page.Vulnerabilities {
		r, err := cve.New(v.CVE.ID, extractCWEs(v.CVE.Weaknesses))
		if err != nil {
			logger.Warn().Str("cve", v.CVE.ID).Err(err).Msg("skipping vulnerability")
			continue
		}
		records = append(records, r)
	}
	return records
}

// extractCWEs returns the numeric CWE ids of the Primary weaknesses, falling
// back to Secondary ones when no Primary id survives filtering.
func extractCWEs(weaknesses []Weakness) []string {
	if ids := cwesOfType(weaknesses, weaknessPrimary); len(ids) > 0 {
		return ids
	}
	return cwesOfType(weaknesses, weaknessSecondary)
}

func cwesOfType(weaknesses []Weakness, kind string) []string {
	var ids []string
	for _, w := range weaknesses {
		if w.Type != kind {
			continue
		}
		for _, d := range w.Description {
			if m := cwePattern.FindStringSubmatch(d.Value); m != nil {
				ids = append(ids, m[1])
			}
		}
	}
	return cve.Normalize(ids)
}
