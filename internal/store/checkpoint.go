package store

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"
)

// CheckpointLayout is the on-disk timestamp format, always UTC.
const CheckpointLayout = "2006-01-02T15:04:05Z"

// ErrNoCheckpoint is returned when no checkpoint has been written yet.
var ErrNoCheckpoint = errors.New("no checkpoint recorded")

// Checkpoint is the file holding the end of the last committed fetch window.
type Checkpoint struct {
	path string
}

func NewCheckpoint(path string) *Checkpoint {
	return &Checkpoint{path: path}
}

func (c *Checkpoint) Path() string { return c.path }

// Read returns the stored timestamp.
func (c *Checkpoint) Read() (time.Time, error) {
	data, err := os.ReadFile(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		return time.Time{}, ErrNoCheckpoint
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("reading checkpoint: %w", err)
	}
	ts, err := time.Parse(time.RFC3339, strings.TrimSpace(string(data)))
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing checkpoint %s: %w", c.path, err)
	}
	return ts.UTC(), nil
}

// Write atomically replaces the stored timestamp.
func (c *Checkpoint) Write(ts time.Time) error {
	return writeFileAtomic(c.path, func(w io.Writer) error {
		_, err := io.WriteString(w, Format(ts))
		return err
	})
}

// Format renders ts in the checkpoint layout.
func Format(ts time.Time) string {
	return ts.UTC().Truncate(time.Second).Format(CheckpointLayout)
}
