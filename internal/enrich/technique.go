package enrich

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/mcoops/go-cve2attack/pkg/cve"
)

// mappingMarker introduces an ATT&CK entry inside a CAPEC taxonomy mapping, e.g.
//
//	::TAXONOMY NAME:ATTACK:ENTRY ID:1059.007:ENTRY NAME:Command and Scripting Interpreter::
const mappingMarker = "NAME:ATTACK:ENTRY "

// ErrMalformedMapping reports a mapping segment without a technique field.
var ErrMalformedMapping = errors.New("malformed technique mapping")

// MappingSource resolves the raw taxonomy mapping of a CAPEC entry.
type MappingSource interface {
	Mapping(capecID string) string
}

// ParseTechniqueMapping extracts technique codes from a raw CAPEC taxonomy
// mapping. Text before the first marker is ignored; for every following
// segment the second ':'-separated field is the code. Segments lacking that
// field contribute nothing and are reported in err, which wraps
// ErrMalformedMapping once per skipped segment. codes holds every valid code
// even when err is non-nil.
func ParseTechniqueMapping(raw string) (codes []string, err error) {
	segments := strings.Split(raw, mappingMarker)
	if len(segments) < 2 {
		return nil, nil
	}

	codes = make([]string, 0, len(segments)-1)
	var errs []error
	for i, segment := range segments[1:] {
		fields := strings.Split(segment, ":")
		if len(fields) < 2 || fields[1] == "" {
			errs = append(errs, fmt.Errorf("%w: segment %d %q", ErrMalformedMapping, i+1, segment))
			continue
		}
		codes = append(codes, fields[1])
	}
	return codes, errors.Join(errs...)
}

// Techniques returns the sorted union of technique codes mapped from capecs.
// Unknown CAPEC ids and empty mappings contribute nothing; malformed segments
// are logged with their CAPEC id and skipped.
func Techniques(capecs []string, src MappingSource, logger zerolog.Logger) []string {
	set := make(map[string]struct{})
	for _, id := range capecs {
		codes, err := ParseTechniqueMapping(src.Mapping(id))
		if err != nil {
			logger.Warn().Str("capec", id).Err(err).Msg("skipping malformed technique mapping segment")
		}
		for _, code := range codes {
			set[code] = struct{}{}
		}
	}
	return cve.SetToSlice(set)
}
