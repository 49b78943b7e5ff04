// Package store persists enriched CVE records in per-year JSON Lines
// partitions. Only one run may mutate a store directory at a time; there is no
// inter-process locking.
package store

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"

	"github.com/mcoops/go-cve2attack/pkg/cve"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const maxLineSize = 16 << 20

// Partition maps CVE ids to their persisted entries for one year.
type Partition map[string]cve.Entry

type Store struct {
	dir        string
	latestPath string
	maxLine    int
	log        zerolog.Logger
}

// MergeResult summarizes one Merge call.
type MergeResult struct {
	// Years lists the partitions rewritten, sorted.
	Years []string
	// Merged is the number of batch records written per year.
	Merged map[string]int
	// Total is the partition size per year after the merge.
	Total map[string]int
}

func New(dir, latestPath string, logger zerolog.Logger) *Store {
	return &Store{
		dir:        dir,
		latestPath: latestPath,
		maxLine:    maxLineSize,
		log:        logger.With().Str("component", "store").Logger(),
	}
}

// PartitionPath returns the file holding year's records.
func (s *Store) PartitionPath(year string) string {
	return filepath.Join(s.dir, fmt.Sprintf("CVE-%s.jsonl", year))
}

// Load reads year's partition. A missing file is an empty partition and
// malformed lines are logged and skipped.
func (s *Store) Load(year string) (Partition, error) {
	path := s.PartitionPath(year)
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		s.log.Debug().Str("path", path).Msg("partition not found, starting empty")
		return Partition{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening partition %s: %w", path, err)
	}
	defer f.Close()

	part, err := s.decode(f, path)
	if err != nil {
		return nil, err
	}
	s.log.Debug().Str("path", path).Int("records", len(part)).Msg("Loaded partition")
	return part, nil
}

// ReadBatch reads a JSON Lines batch file into records, e.g. the latest-run
// file or an operator-supplied input batch.
func (s *Store) ReadBatch(path string) ([]cve.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening batch %s: %w", path, err)
	}
	defer f.Close()

	part, err := s.decode(f, path)
	if err != nil {
		return nil, err
	}

	records := make([]cve.Record, 0, len(part))
	for _, id := range sortedIDs(part) {
		r, err := cve.FromEntry(id, part[id])
		if err != nil {
			s.log.Warn().Str("path", path).Err(err).Msg("skipping record")
			continue
		}
		records = append(records, r)
	}
	return records, nil
}

func (s *Store) decode(r io.Reader, path string) (Partition, error) {
	part := Partition{}
	br := bufio.NewReaderSize(r, 64*1024)

	for line := 1; ; line++ {
		raw, err := readLine(br, s.maxLine)
		if errors.Is(err, errLineTooLong) {
			s.log.Warn().Str("path", path).Int("line", line).Int("limit", s.maxLine).Msg("skipping oversized line")
			continue
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}

		if raw = bytes.TrimSpace(raw); len(raw) > 0 {
			var obj map[string]cve.Entry
			if uerr := json.Unmarshal(raw, &obj); uerr != nil {
				s.log.Warn().Str("path", path).Int("line", line).Err(uerr).Msg("skipping malformed line")
			} else {
				for id, e := range obj {
					part[id] = e
				}
			}
		}

		if errors.Is(err, io.EOF) {
			return part, nil
		}
	}
}

var errLineTooLong = errors.New("line too long")

// readLine returns the next line including its newline. A line longer than
// limit is consumed without being buffered and reported as errLineTooLong.
func readLine(br *bufio.Reader, limit int) ([]byte, error) {
	var line []byte
	for {
		chunk, err := br.ReadSlice('\n')
		if len(line)+len(chunk) > limit {
			for errors.Is(err, bufio.ErrBufferFull) {
				_, err = br.ReadSlice('\n')
			}
			if err != nil && !errors.Is(err, io.EOF) {
				return nil, err
			}
			return nil, errLineTooLong
		}
		line = append(line, chunk...)
		if !errors.Is(err, bufio.ErrBufferFull) {
			return line, err
		}
	}
}

// Merge overlays records onto their year partitions and rewrites each touched
// partition atomically. Ids in the batch overwrite; all others are retained.
func (s *Store) Merge(records []cve.Record) (MergeResult, error) {
	res := MergeResult{Merged: map[string]int{}, Total: map[string]int{}}

	groups := cve.GroupByYear(records)
	years := make([]string, 0, len(groups))
	for y := range groups {
		years = append(years, y)
	}
	sort.Strings(years)

	for _, year := range years {
		part, err := s.Load(year)
		if err != nil {
			return res, err
		}
		for _, r := range groups[year] {
			part[r.ID] = r.Entry()
		}
		if err := s.writePartition(year, part); err != nil {
			return res, err
		}
		res.Years = append(res.Years, year)
		res.Merged[year] = len(groups[year])
		res.Total[year] = len(part)

		s.log.Info().
			Str("year", year).
			Int("merged", len(groups[year])).
			Int("total", len(part)).
			Msg("Partition updated")
	}
	return res, nil
}

// WriteLatest replaces the latest-run file with the full batch.
func (s *Store) WriteLatest(records []cve.Record) error {
	part := make(Partition, len(records))
	for _, r := range records {
		part[r.ID] = r.Entry()
	}
	if err := writeFileAtomic(s.latestPath, func(w io.Writer) error {
		return encode(w, part)
	}); err != nil {
		return err
	}
	s.log.Info().Str("path", s.latestPath).Int("records", len(part)).Msg("Wrote latest run")
	return nil
}

// Lookup returns the stored entries for ids. Ids that are malformed or not
// stored are returned in missing.
func (s *Store) Lookup(ids []string) (found map[string]cve.Entry, missing []string, err error) {
	found = make(map[string]cve.Entry, len(ids))
	cache := map[string]Partition{}

	for _, id := range ids {
		year, yerr := cve.YearOf(id)
		if yerr != nil {
			s.log.Warn().Str("cve", id).Msg("could not extract year")
			missing = append(missing, id)
			continue
		}
		part, ok := cache[year]
		if !ok {
			if part, err = s.Load(year); err != nil {
				return nil, nil, err
			}
			cache[year] = part
		}
		e, ok := part[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		found[id] = e
	}
	return found, missing, nil
}

func (s *Store) writePartition(year string, part Partition) error {
	return writeFileAtomic(s.PartitionPath(year), func(w io.Writer) error {
		return encode(w, part)
	})
}

// encode writes one {"<id>": entry} object per line in id order.
func encode(w io.Writer, part Partition) error {
	for _, id := range sortedIDs(part) {
		e := part[id]
		line, err := json.Marshal(map[string]cve.Entry{id: {
			CWE:        cve.Normalize(e.CWE),
			CAPEC:      cve.Normalize(e.CAPEC),
			Techniques: cve.Normalize(e.Techniques),
		}})
		if err != nil {
			return fmt.Errorf("encoding %s: %w", id, err)
		}
		line = append(line, '\n')
		if _, err := w.Write(line); err != nil {
			return err
		}
	}
	return nil
}

func sortedIDs(part Partition) []string {
	ids := make([]string, 0, len(part))
	for id := range part {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
