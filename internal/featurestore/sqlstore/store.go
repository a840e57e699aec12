package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/i474232898/aqi-forecast/internal/featurestore"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Drivers accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// timestamps are stored fixed-width so that text ordering matches time ordering.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

func formatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Options configures a SQL-backed feature store.
type Options struct {
	Driver  string
	DSN     string
	Project string

	// PollInterval is how often the materializer looks for pending jobs.
	// Defaults to 500ms.
	PollInterval time.Duration
	// DisableMaterializer leaves pending jobs untouched (another process materializes them).
	DisableMaterializer bool
	Logger              *slog.Logger
}

// Store is a feature store and model registry over database/sql.
// SQLite (modernc.org/sqlite) and Postgres (pgx stdlib) share the same schema.
type Store struct {
	db      *sql.DB
	driver  string
	project string
	logger  *slog.Logger

	worker *Materializer
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Open connects, runs pending migrations and starts the materializer.
// For SQLite, DSN is a file path or ":memory:".
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Project == "" {
		return nil, fmt.Errorf("sqlstore: project is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var (
		driverName string
		dsn        = opts.DSN
	)
	switch opts.Driver {
	case "", DriverSQLite:
		opts.Driver = DriverSQLite
		driverName = "sqlite"
		if dsn != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
				return nil, fmt.Errorf("creating data directory: %w", err)
			}
		}
	case DriverPostgres:
		driverName = "pgx"
	default:
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", opts.Driver)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if opts.Driver == DriverSQLite {
		// Limit to single connection to avoid "database is locked" errors.
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting busy timeout: %w", err)
		}
		if dsn != ":memory:" {
			if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
				db.Close()
				return nil, fmt.Errorf("setting journal mode: %w", err)
			}
		}
	}

	s := &Store{db: db, driver: opts.Driver, project: opts.Project, logger: logger}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	s.worker = NewMaterializer(s, opts.PollInterval)
	if !opts.DisableMaterializer {
		wctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.worker.Run(wctx)
		}()
	}
	return s, nil
}

// FeatureStore implements featurestore.Project.
func (s *Store) FeatureStore() featurestore.Store { return s }

// ModelRegistry implements featurestore.Project.
func (s *Store) ModelRegistry() featurestore.Registry { return s }

// Materializer returns the job worker bound to this store.
func (s *Store) Materializer() *Materializer { return s.worker }

// Close stops the materializer and closes the database.
func (s *Store) Close() error {
	if s.cancel != nil {
		s.cancel()
		s.wg.Wait()
	}
	return s.db.Close()
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRowContext(ctx, s.rebind("SELECT COUNT(*) FROM schema_version WHERE version = ?"), version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, s.rebind("INSERT INTO schema_version (version, applied_at) VALUES (?, ?)"), version, formatTS(time.Now())); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the applied migration versions in ascending order.
func (s *Store) AppliedMigrations(ctx context.Context) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}
