// Package reference loads the read-only CWE, CAPEC and ATT&CK technique
// snapshots consumed by the enrichment stages.
package reference

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"

	"github.com/mcoops/go-cve2attack/internal/config"
	"github.com/mcoops/go-cve2attack/pkg/cve"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrLoad is wrapped by every failure to read a required snapshot.
var ErrLoad = errors.New("reference snapshot load failed")

// CweNode is one weakness and its ChildOf parents under the research view.
type CweNode struct {
	ID              string
	ParentIDs       []string
	RelatedCapecIDs []string
}

// CapecEntry is one attack pattern and its raw taxonomy mapping string.
type CapecEntry struct {
	ID                  string
	Name                string
	TechniqueMappingRaw string
}

// The snapshot builders emit ChildOf/RelatedAttackPatterns and techniques;
// both spellings are accepted.
type cweJSON struct {
	ParentIDs             []string `json:"parentIds"`
	ChildOf               []string `json:"ChildOf"`
	RelatedCapecIDs       []string `json:"relatedCapecIds"`
	RelatedAttackPatterns []string `json:"RelatedAttackPatterns"`
}

type capecJSON struct {
	Name                string `json:"name"`
	TechniqueMappingRaw string `json:"techniqueMappingRaw"`
	Techniques          string `json:"techniques"`
}

// Context is built once per run and shared by every enrichment worker. It is
// never written after Load returns.
type Context struct {
	CWE        map[string]CweNode
	CAPEC      map[string]CapecEntry
	Techniques map[string][]string
}

// Load reads the three snapshots named by cfg. The CWE graph and CAPEC table
// are required; a missing technique registry only yields an empty registry.
func Load(cfg config.ReferenceConfig, logger zerolog.Logger) (*Context, error) {
	cwes, err := LoadCWE(cfg.CWEPath(), logger)
	if err != nil {
		return nil, err
	}
	capecs, err := LoadCAPEC(cfg.CAPECPath(), logger)
	if err != nil {
		return nil, err
	}
	techniques, err := LoadTechniques(cfg.TechniquePath(), logger)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Warn().Str("path", cfg.TechniquePath()).Msg("technique registry not found, tactics will be unavailable")
		techniques, err = map[string][]string{}, nil
	}
	if err != nil {
		return nil, err
	}

	logger.Info().
		Int("cwe", len(cwes)).
		Int("capec", len(capecs)).
		Int("techniques", len(techniques)).
		Msg("Loaded reference snapshots")

	return &Context{CWE: cwes, CAPEC: capecs, Techniques: techniques}, nil
}

// LoadCWE reads the CWE graph snapshot.
func LoadCWE(path string, logger zerolog.Logger) (map[string]CweNode, error) {
	raw, err := readObject(path)
	if err != nil {
		return nil, err
	}

	nodes := make(map[string]CweNode, len(raw))
	for id, msg := range raw {
		var n cweJSON
		if err := json.Unmarshal(msg, &n); err != nil {
			logger.Warn().Str("cwe", id).Err(err).Msg("malformed CWE entry, using empty relations")
			n = cweJSON{}
		}
		nodes[id] = CweNode{
			ID:              id,
			ParentIDs:       cve.Normalize(append(n.ParentIDs, n.ChildOf...)),
			RelatedCapecIDs: cve.Normalize(append(n.RelatedCapecIDs, n.RelatedAttackPatterns...)),
		}
	}
	return nodes, nil
}

// LoadCAPEC reads the CAPEC table snapshot.
func LoadCAPEC(path string, logger zerolog.Logger) (map[string]CapecEntry, error) {
	raw, err := readObject(path)
	if err != nil {
		return nil, err
	}

	entries := make(map[string]CapecEntry, len(raw))
	for id, msg := range raw {
		var c capecJSON
		if err := json.Unmarshal(msg, &c); err != nil {
			logger.Warn().Str("capec", id).Err(err).Msg("malformed CAPEC entry, using empty mapping")
			c = capecJSON{}
		}
		mapping := c.TechniqueMappingRaw
		if mapping == "" {
			mapping = c.Techniques
		}
		entries[id] = CapecEntry{ID: id, Name: c.Name, TechniqueMappingRaw: mapping}
	}
	return entries, nil
}

// LoadTechniques reads the technique → tactics registry.
func LoadTechniques(path string, logger zerolog.Logger) (map[string][]string, error) {
	raw, err := readObject(path)
	if err != nil {
		return nil, err
	}

	registry := make(map[string][]string, len(raw))
	for id, msg := range raw {
		var tactics []string
		if err := json.Unmarshal(msg, &tactics); err != nil {
			logger.Warn().Str("technique", id).Err(err).Msg("malformed technique entry, using no tactics")
			tactics = nil
		}
		registry[id] = cve.Normalize(tactics)
	}
	return registry, nil
}

func readObject(path string) (map[string]jsoniter.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoad, err)
	}
	var raw map[string]jsoniter.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrLoad, path, err)
	}
	return raw, nil
}

// Parents returns the ChildOf parents of id, or nil for unknown ids.
func (c *Context) Parents(id string) []string {
	return c.CWE[id].ParentIDs
}

// RelatedCapec returns the CAPEC ids linked to weakness id.
func (c *Context) RelatedCapec(id string) []string {
	return c.CWE[id].RelatedCapecIDs
}

// Mapping returns the raw technique mapping of a CAPEC entry.
func (c *Context) Mapping(capecID string) string {
	return c.CAPEC[capecID].TechniqueMappingRaw
}

// Tactics returns the tactics a technique belongs to.
func (c *Context) Tactics(technique string) []string {
	return c.Techniques[technique]
}
