/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package history persists an index of finished runs so that results can be compared
// across runs.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alexandremahdhaoui/vmconform/pkg/report"
	"github.com/glebarez/sqlite"
	"github.com/go-logr/logr"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	DefaultLimit = 20
)

var (
	ErrRunNotFound       = errors.New("run not found")
	ErrUnsupportedDriver = errors.New("unsupported database driver")
	ErrNotStarted        = errors.New("history store not started")
)

// Config selects and configures the database.
type Config struct {
	Driver   string         `json:"driver"`
	SQLite   SQLiteConfig   `json:"sqlite,omitempty"`
	Postgres PostgresConfig `json:"postgres,omitempty"`
}

type SQLiteConfig struct {
	Path string `json:"path"`
}

type PostgresConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password,omitempty"`
	Database string `json:"database"`
	SSLMode  string `json:"sslMode,omitempty"`
}

// Validate reports every missing setting at once.
func (c Config) Validate() error {
	var errs []error
	switch c.Driver {
	case DriverSQLite:
		if c.SQLite.Path == "" {
			errs = append(errs, errors.New("history.sqlite.path is required"))
		}
	case DriverPostgres:
		if c.Postgres.Host == "" {
			errs = append(errs, errors.New("history.postgres.host is required"))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, errors.New("history.postgres.database is required"))
		}
		if c.Postgres.User == "" {
			errs = append(errs, errors.New("history.postgres.user is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("%w: %q", ErrUnsupportedDriver, c.Driver))
	}
	return errors.Join(errs...)
}

func (c Config) dialector() (gorm.Dialector, error) {
	switch c.Driver {
	case DriverSQLite:
		return sqlite.Open(c.SQLite.Path), nil
	case DriverPostgres:
		port, sslMode := c.Postgres.Port, c.Postgres.SSLMode
		if port == 0 {
			port = 5432
		}
		if sslMode == "" {
			sslMode = "disable"
		}
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Postgres.Host, port, c.Postgres.User, c.Postgres.Password, c.Postgres.Database, sslMode)
		return postgres.Open(dsn), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, c.Driver)
	}
}

// ListOptions filters ListRuns.
type ListOptions struct {
	Suite string
	// Limit caps the number of runs, DefaultLimit when zero.
	Limit int
}

// Store persists run reports.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Record stores rep, replacing a previous record of the same run.
	Record(ctx context.Context, rep *report.RunReport, reportDir string) error
	// ListRuns returns runs, most recent first.
	ListRuns(ctx context.Context, opts ListOptions) ([]Run, error)
	// GetRun returns a run and its results in plan order.
	GetRun(ctx context.Context, runID string) (*Run, []Result, error)
	// TestHistory returns the last results of a test across runs, most recent first.
	TestHistory(ctx context.Context, testID string, limit int) ([]Result, error)
}

var _ Store = (*store)(nil)

type store struct {
	cfg Config
	db  *gorm.DB
	log logr.Logger
	now func() time.Time
}

func NewStore(cfg Config, log logr.Logger) Store {
	return &store{cfg: cfg, log: log.WithName("history"), now: time.Now}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	dialector, err := s.cfg.dialector()
	if err != nil {
		return err
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Discard})
	if err != nil {
		return fmt.Errorf("opening history database: %w", err)
	}
	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(&Run{}, &Result{}); err != nil {
		return fmt.Errorf("running history migrations: %w", err)
	}

	s.log.V(1).Info("history database connected", "driver", s.cfg.Driver)
	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}
	return sqlDB.Close()
}

func (s *store) Record(ctx context.Context, rep *report.RunReport, reportDir string) error {
	if s.db == nil {
		return ErrNotStarted
	}
	run, err := newRun(rep, reportDir, s.now())
	if err != nil {
		return fmt.Errorf("encoding run errors: %w", err)
	}
	results := newResults(rep)

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Run
		err := tx.Select("id").Where("run_id = ?", run.RunID).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
		case err != nil:
			return fmt.Errorf("looking up run: %w", err)
		default:
			run.ID = existing.ID
		}
		// Save writes zero values too, so a re-recorded run carries no stale counts.
		if err := tx.Save(run).Error; err != nil {
			return fmt.Errorf("upserting run: %w", err)
		}
		if err := tx.Where("run_id = ?", run.RunID).Delete(&Result{}).Error; err != nil {
			return fmt.Errorf("replacing results: %w", err)
		}
		if len(results) == 0 {
			return nil
		}
		if err := tx.CreateInBatches(results, 100).Error; err != nil {
			return fmt.Errorf("inserting results: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.log.V(1).Info("recorded run", "run", rep.RunID, "results", len(results))
	return nil
}

func (s *store) ListRuns(ctx context.Context, opts ListOptions) ([]Run, error) {
	if s.db == nil {
		return nil, ErrNotStarted
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	q := s.db.WithContext(ctx).Order("started_at DESC").Order("id DESC").Limit(limit)
	if opts.Suite != "" {
		q = q.Where("suite = ?", opts.Suite)
	}

	var runs []Run
	if err := q.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	return runs, nil
}

func (s *store) GetRun(ctx context.Context, runID string) (*Run, []Result, error) {
	if s.db == nil {
		return nil, nil, ErrNotStarted
	}

	var run Run
	err := s.db.WithContext(ctx).Where("run_id = ?", runID).First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("getting run: %w", err)
	}

	var results []Result
	if err := s.db.WithContext(ctx).Where("run_id = ?", runID).Order("position").Find(&results).Error; err != nil {
		return nil, nil, fmt.Errorf("listing results: %w", err)
	}
	return &run, results, nil
}

func (s *store) TestHistory(ctx context.Context, testID string, limit int) ([]Result, error) {
	if s.db == nil {
		return nil, ErrNotStarted
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	var results []Result
	if err := s.db.WithContext(ctx).
		Where("test_id = ?", testID).
		Order("started_at DESC").
		Limit(limit).
		Find(&results).Error; err != nil {
		return nil, fmt.Errorf("listing test history: %w", err)
	}
	return results, nil
}
