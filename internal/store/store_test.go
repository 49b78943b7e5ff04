package store

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcoops/go-cve2attack/pkg/cve"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	return New(filepath.Join(dir, "database"), filepath.Join(dir, "results", "new_cves.jsonl"), zerolog.Nop()), dir
}

func seedPartition(t *testing.T, s *Store, year string) {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", "CVE-"+year+".jsonl"))
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(s.dir, 0o755))
	require.NoError(t, os.WriteFile(s.PartitionPath(year), data, 0o644))
}

func record(t *testing.T, id string, cwe, capec, techniques []string) cve.Record {
	t.Helper()
	r, err := cve.New(id, cwe)
	require.NoError(t, err)
	r.CAPEC = capec
	r.Techniques = techniques
	return r
}

func TestLoadMissingPartition(t *testing.T) {
	s, _ := newTestStore(t)
	part, err := s.Load("1999")
	require.NoError(t, err)
	assert.Empty(t, part)
}

func TestLoadSkipsMalformedLines(t *testing.T) {
	s, _ := newTestStore(t)
	seedPartition(t, s, "2024")

	part, err := s.Load("2024")
	require.NoError(t, err)
	require.Len(t, part, 2)
	assert.Equal(t, []string{"T1"}, part["CVE-2024-1"].Techniques)
	assert.Equal(t, []string{"20"}, part["CVE-2024-2"].CWE)
}

func TestLoadSkipsOversizedLines(t *testing.T) {
	var logs bytes.Buffer
	s, _ := newTestStore(t)
	s.log = zerolog.New(&logs)
	s.maxLine = 80 << 10

	huge := `{"CVE-2024-9": {"CWE": ["` + strings.Repeat("7", 100<<10) + `"]}}`
	data := `{"CVE-2024-1": {"CWE": ["79"]}}` + "\n" +
		huge + "\n" +
		`{"CVE-2024-2": {"CWE": ["20"]}}` + "\n" +
		huge
	require.NoError(t, os.MkdirAll(s.dir, 0o755))
	require.NoError(t, os.WriteFile(s.PartitionPath("2024"), []byte(data), 0o644))

	part, err := s.Load("2024")
	require.NoError(t, err)
	require.Len(t, part, 2)
	assert.Equal(t, []string{"79"}, part["CVE-2024-1"].CWE)
	assert.Equal(t, []string{"20"}, part["CVE-2024-2"].CWE)
	assert.Equal(t, 2, strings.Count(logs.String(), "skipping oversized line"))
	assert.Contains(t, logs.String(), `"line":2`)
	assert.Contains(t, logs.String(), `"line":4`)
}

func TestReadLineLimit(t *testing.T) {
	br := bufio.NewReaderSize(strings.NewReader("short\n"+strings.Repeat("x", 40)+"\nafter"), 16)

	line, err := readLine(br, 32)
	require.NoError(t, err)
	assert.Equal(t, "short\n", string(line))

	_, err = readLine(br, 32)
	assert.ErrorIs(t, err, errLineTooLong)

	line, err = readLine(br, 32)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "after", string(line))
}

func TestMergeGolden(t *testing.T) {
	s, _ := newTestStore(t)
	seedPartition(t, s, "2024")

	res, err := s.Merge([]cve.Record{
		record(t, "CVE-2024-3", nil, nil, nil),
		record(t, "CVE-2024-1", []string{"79", "74"}, []string{"63"}, []string{"1059.007"}),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"2024"}, res.Years)
	assert.Equal(t, 2, res.Merged["2024"])
	assert.Equal(t, 3, res.Total["2024"])

	data, err := os.ReadFile(s.PartitionPath("2024"))
	require.NoError(t, err)

	g := goldie.New(t, goldie.WithFixtureDir(filepath.Join("testdata", "golden")))
	g.Assert(t, "merged_partition", data)
}

func TestMergeRetainsAbsentIDs(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Merge([]cve.Record{record(t, "CVE-2024-2", []string{"20"}, nil, nil)})
	require.NoError(t, err)

	_, err = s.Merge([]cve.Record{record(t, "CVE-2024-1", []string{"79"}, nil, nil)})
	require.NoError(t, err)

	part, err := s.Load("2024")
	require.NoError(t, err)
	assert.Contains(t, part, "CVE-2024-1")
	assert.Contains(t, part, "CVE-2024-2")
}

func TestMergeSpansYears(t *testing.T) {
	s, _ := newTestStore(t)
	res, err := s.Merge([]cve.Record{
		record(t, "CVE-2024-1", []string{"79"}, nil, nil),
		record(t, "CVE-2019-9", []string{"89"}, nil, nil),
		record(t, "CVE-2024-2", nil, nil, nil),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"2019", "2024"}, res.Years)

	p2019, err := s.Load("2019")
	require.NoError(t, err)
	assert.Len(t, p2019, 1)

	p2024, err := s.Load("2024")
	require.NoError(t, err)
	assert.Len(t, p2024, 2)
}

func TestMergeThenReloadRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	batch := []cve.Record{
		record(t, "CVE-2023-10", []string{"79", "74", "79"}, []string{"63", "10"}, []string{"1059.007"}),
		record(t, "CVE-2023-2", nil, nil, nil),
	}
	_, err := s.Merge(batch)
	require.NoError(t, err)

	part, err := s.Load("2023")
	require.NoError(t, err)
	require.Len(t, part, len(batch))
	for _, r := range batch {
		assert.Equal(t, r.Entry(), part[r.ID])
	}
}

func TestMergeEmptyBatchLeavesPartition(t *testing.T) {
	s, _ := newTestStore(t)
	seedPartition(t, s, "2024")
	before, err := s.Load("2024")
	require.NoError(t, err)

	res, err := s.Merge(nil)
	require.NoError(t, err)
	assert.Empty(t, res.Years)

	after, err := s.Load("2024")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestMergeLeavesNoTempFiles(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Merge([]cve.Record{record(t, "CVE-2022-1", nil, nil, nil)})
	require.NoError(t, err)

	entries, err := os.ReadDir(s.dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "CVE-2022.jsonl", entries[0].Name())
}

func TestWriteFileAtomicSyncsNewDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "out.jsonl")
	require.NoError(t, writeFileAtomic(path, func(w io.Writer) error {
		_, err := io.WriteString(w, "{}\n")
		return err
	}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{}\n", string(data))

	require.NoError(t, syncDir(filepath.Dir(path)))
	assert.Error(t, syncDir(filepath.Join(t.TempDir(), "missing")))
}

func TestWriteLatestAndReadBatch(t *testing.T) {
	s, _ := newTestStore(t)
	batch := []cve.Record{
		record(t, "CVE-2024-1", []string{"79"}, []string{"63"}, []string{"1059.007"}),
		record(t, "CVE-2021-44228", []string{"917"}, nil, nil),
	}
	require.NoError(t, s.WriteLatest(batch))

	data, err := os.ReadFile(s.latestPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], `{"CVE-2021-44228":`))

	got, err := s.ReadBatch(s.latestPath)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "CVE-2021-44228", got[0].ID)
	assert.Equal(t, "2021", got[0].Year)
	assert.Equal(t, []string{"1059.007"}, got[1].Techniques)
}

func TestReadBatchSkipsBadIDs(t *testing.T) {
	s, dir := newTestStore(t)
	path := filepath.Join(dir, "input.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"CVE-2024-5": {"CWE": ["79"]}}
{"not-a-cve": {"CWE": ["79"]}}
`), 0o644))

	got, err := s.ReadBatch(path)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []string{"79"}, got[0].CWE)
	assert.NotNil(t, got[0].CAPEC)
}

func TestLookup(t *testing.T) {
	s, _ := newTestStore(t)
	seedPartition(t, s, "2024")

	found, missing, err := s.Lookup([]string{"CVE-2024-1", "CVE-2024-404", "CVE-2020-1", "bogus"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, []string{"T1"}, found["CVE-2024-1"].Techniques)
	assert.Equal(t, []string{"CVE-2024-404", "CVE-2020-1", "bogus"}, missing)
}

func TestCheckpoint(t *testing.T) {
	cp := NewCheckpoint(filepath.Join(t.TempDir(), "lastUpdate.txt"))

	_, err := cp.Read()
	assert.ErrorIs(t, err, ErrNoCheckpoint)

	ts := time.Date(2024, 5, 1, 12, 30, 45, 999, time.FixedZone("CEST", 2*3600))
	require.NoError(t, cp.Write(ts))

	data, err := os.ReadFile(cp.Path())
	require.NoError(t, err)
	assert.Equal(t, "2024-05-01T10:30:45Z", string(data))

	got, err := cp.Read()
	require.NoError(t, err)
	assert.True(t, got.Equal(ts.Truncate(time.Second)))
}

func TestCheckpointMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lastUpdate.txt")
	require.NoError(t, os.WriteFile(path, []byte("yesterday"), 0o644))

	_, err := NewCheckpoint(path).Read()
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoCheckpoint)
}
