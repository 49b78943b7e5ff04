// Package ledger keeps a history of pipeline runs in a local sqlite database.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/mod/semver"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Run statuses.
const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusNoData  = "no_data"
	StatusFailed  = "failed"
)

type Run struct {
	gorm.Model
	RunID       string `gorm:"uniqueIndex"`
	ToolVersion string
	Source      string
	WindowStart time.Time
	WindowEnd   time.Time
	Status      string `gorm:"index"`
	Fetched     int
	Enriched    int
	Dropped     int
	Stored      int
	Years       string
	Error       string
}

type Ledger struct {
	db      *gorm.DB
	version string
	log     zerolog.Logger
}

// Open creates or migrates the ledger at path. version is the running tool
// version, stamped on every recorded run.
func Open(path, version string, logger zerolog.Logger) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating ledger dir: %w", err)
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening ledger %s: %w", path, err)
	}
	if err := db.AutoMigrate(&Run{}); err != nil {
		return nil, fmt.Errorf("migrating ledger: %w", err)
	}

	l := &Ledger{
		db:      db,
		version: version,
		log:     logger.With().Str("component", "ledger").Logger(),
	}
	l.checkVersion()
	return l, nil
}

// checkVersion warns when the ledger was last written by a newer release.
func (l *Ledger) checkVersion() {
	var last Run
	err := l.db.Order("id desc").First(&last).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return
	}
	if err != nil {
		l.log.Warn().Err(err).Msg("could not read last run")
		return
	}
	if NewerThan(last.ToolVersion, l.version) {
		l.log.Warn().
			Str("ledger_version", last.ToolVersion).
			Str("version", l.version).
			Msg("store was last written by a newer release")
	}
}

// Record stores r, assigning a run id when it has none.
func (l *Ledger) Record(ctx context.Context, r *Run) error {
	if r.RunID == "" {
		r.RunID = uuid.NewString()
	}
	r.ToolVersion = l.version
	if err := l.db.WithContext(ctx).Create(r).Error; err != nil {
		return fmt.Errorf("recording run %s: %w", r.RunID, err)
	}
	return nil
}

// Recent returns up to limit runs, newest first.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]Run, error) {
	var runs []Run
	if err := l.db.WithContext(ctx).Order("id desc").Limit(limit).Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	return runs, nil
}

func (l *Ledger) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Canonical returns v as a semver string with a leading "v", or "" when v is
// not a valid version.
func Canonical(v string) string {
	if v != "" && !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return semver.Canonical(v)
}

// NewerThan reports whether a is a valid version greater than b. Invalid
// versions never compare as newer.
func NewerThan(a, b string) bool {
	ca, cb := Canonical(a), Canonical(b)
	if ca == "" || cb == "" {
		return false
	}
	return semver.Compare(ca, cb) > 0
}

// JoinYears renders the years touched by a run for storage.
func JoinYears(years []string) string {
	return strings.Join(years, ",")
}
