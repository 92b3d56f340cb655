package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/ahmedG3far44/DevPilot-server/db"
)

// Runner applies the deployment store schema with goose over an existing
// pgx pool.
type Runner struct {
	pool   *pgxpool.Pool
	sqlDB  *sql.DB
	source fs.FS
	origin string
	log    *slog.Logger
}

// Source picks where migrations are read from: dir when set, otherwise the
// copy embedded in the binary.
func Source(dir string) (fs.FS, string, error) {
	if dir == "" {
		return db.Migrations(), "embedded", nil
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, "", fmt.Errorf("locate migrations dir: %w", err)
	}
	if !info.IsDir() {
		return nil, "", fmt.Errorf("migrations path %s is not a directory", dir)
	}
	return os.DirFS(dir), dir, nil
}

// New returns a runner for the migrations in dir, or the embedded ones when
// dir is empty.
func New(pool *pgxpool.Pool, dir string, log *slog.Logger) (Runner, error) {
	if pool == nil {
		return Runner{}, errors.New("migrate: nil pool")
	}
	source, origin, err := Source(dir)
	if err != nil {
		return Runner{}, err
	}
	if log == nil {
		log = slog.Default()
	}
	return Runner{
		pool:   pool,
		sqlDB:  stdlib.OpenDBFromPool(pool),
		source: source,
		origin: origin,
		log:    log.With("component", "migrate", "source", origin),
	}, nil
}

// Ping checks the pool can reach the database.
func (r Runner) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// Ensure applies every pending migration.
func (r Runner) Ensure(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	return r.run(func(p *goose.Provider) error {
		results, err := p.Up(ctx)
		r.logResults(results)
		if err != nil {
			return fmt.Errorf("migrate up: %w", err)
		}
		r.log.Info("schema up to date", "applied", len(results))
		return nil
	})
}

// Status logs every known migration with its state.
func (r Runner) Status(ctx context.Context) error {
	return r.run(func(p *goose.Provider) error {
		statuses, err := p.Status(ctx)
		if err != nil {
			return fmt.Errorf("migrate status: %w", err)
		}
		for _, st := range statuses {
			attrs := []any{"version", st.Source.Version, "file", st.Source.Path, "state", string(st.State)}
			if !st.AppliedAt.IsZero() {
				attrs = append(attrs, "applied_at", st.AppliedAt)
			}
			r.log.Info("migration", attrs...)
		}
		return nil
	})
}

// Down rolls back one migration, or down to target when target is positive.
func (r Runner) Down(ctx context.Context, target int64) error {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	return r.run(func(p *goose.Provider) error {
		if target > 0 {
			results, err := p.DownTo(ctx, target)
			r.logResults(results)
			if err != nil {
				return fmt.Errorf("migrate down to %d: %w", target, err)
			}
			return nil
		}
		res, err := p.Down(ctx)
		if err != nil {
			return fmt.Errorf("migrate down: %w", err)
		}
		r.logResults([]*goose.MigrationResult{res})
		return nil
	})
}

// Close releases the pool.
func (r Runner) Close() {
	_ = r.sqlDB.Close()
	r.pool.Close()
}

func (r Runner) run(fn func(*goose.Provider) error) error {
	provider, err := goose.NewProvider(goose.DialectPostgres, r.sqlDB, r.source)
	if err != nil {
		return fmt.Errorf("configure goose: %w", err)
	}
	return fn(provider)
}

func (r Runner) logResults(results []*goose.MigrationResult) {
	for _, res := range results {
		if res == nil || res.Source == nil {
			continue
		}
		r.log.Info("migration",
			"version", res.Source.Version,
			"direction", res.Direction,
			"duration_ms", res.Duration.Milliseconds(),
		)
	}
}
