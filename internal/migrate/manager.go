package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const defaultHistoryTable = "schema_history"

const (
	kindMigration = "migration"
	kindSeed      = "seed"
)

// Runner applies SQL migration and seed files stored on disk. Both kinds are
// tracked in one history table, keyed by file name, so re-running is a no-op.
type Runner struct {
	db            *sql.DB
	migrationsDir string
	seedsDir      string
	historyTable  string
}

// Option configures Runner.
type Option func(*Runner)

// WithHistoryTable overrides the default bookkeeping table.
func WithHistoryTable(name string) Option {
	return func(r *Runner) {
		if name != "" {
			r.historyTable = name
		}
	}
}

// NewRunner constructs a Runner over an open pool.
func NewRunner(db *sql.DB, migrationsDir, seedsDir string, opts ...Option) *Runner {
	r := &Runner{
		db:            db,
		migrationsDir: migrationsDir,
		seedsDir:      seedsDir,
		historyTable:  defaultHistoryTable,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Up applies all pending *.up.sql migrations in lexical order.
func (r *Runner) Up(ctx context.Context) error {
	return r.applyPending(ctx, r.migrationsDir, ".up.sql", kindMigration)
}

// Seed applies pending seed files. Seeds run after migrations and are
// tracked the same way, so each file executes at most once.
func (r *Runner) Seed(ctx context.Context) error {
	return r.applyPending(ctx, r.seedsDir, ".sql", kindSeed)
}

// Down rolls back the most recently applied migration using its .down.sql
// counterpart.
func (r *Runner) Down(ctx context.Context) error {
	if err := r.ensureHistory(ctx); err != nil {
		return err
	}
	applied, err := r.Applied(ctx)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		return errors.New("no migrations applied")
	}
	last := applied[len(applied)-1]
	downPath := strings.TrimSuffix(filepath.Join(r.migrationsDir, last), ".up.sql") + ".down.sql"
	if _, err := os.Stat(downPath); err != nil {
		return fmt.Errorf("missing down migration for %s", last)
	}
	if err := r.execFile(ctx, downPath); err != nil {
		return fmt.Errorf("rollback migration %s: %w", last, err)
	}
	_, err = r.db.ExecContext(ctx,
		fmt.Sprintf(`delete from %s where name = $1 and kind = $2`, r.historyTable),
		last, kindMigration)
	return err
}

// Applied returns applied migrations in application order.
func (r *Runner) Applied(ctx context.Context) ([]string, error) {
	if err := r.ensureHistory(ctx); err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(
		`select name from %s where kind = $1 order by applied_at asc`, r.historyTable), kindMigration)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		res = append(res, name)
	}
	return res, rows.Err()
}

func (r *Runner) applyPending(ctx context.Context, dir, suffix, kind string) error {
	if err := r.ensureHistory(ctx); err != nil {
		return err
	}
	done, err := r.executed(ctx, kind)
	if err != nil {
		return err
	}
	files, err := collectSQL(dir, suffix)
	if err != nil {
		return err
	}
	for _, f := range files {
		if done[f.base] {
			continue
		}
		if err := r.execFile(ctx, f.path); err != nil {
			return fmt.Errorf("apply %s %s: %w", kind, f.base, err)
		}
		if _, err := r.db.ExecContext(ctx, fmt.Sprintf(
			`insert into %s(name, kind, applied_at) values ($1, $2, $3)`, r.historyTable),
			f.base, kind, time.Now().UTC()); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) ensureHistory(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, fmt.Sprintf(`
		create table if not exists %s (
			name text not null,
			kind text not null,
			applied_at timestamptz not null default now(),
			primary key (name, kind)
		);`, r.historyTable))
	return err
}

func (r *Runner) executed(ctx context.Context, kind string) (map[string]bool, error) {
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(
		`select name from %s where kind = $1`, r.historyTable), kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	done := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		done[name] = true
	}
	return done, rows.Err()
}

// execFile runs one file as a single transaction, statement by statement.
func (r *Runner) execFile(ctx context.Context, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(string(raw)) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

type sqlFile struct {
	base string
	path string
}

func collectSQL(dir, suffix string) ([]sqlFile, error) {
	if dir == "" {
		return nil, nil
	}
	var files []sqlFile
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), suffix) {
			files = append(files, sqlFile{base: d.Name(), path: path})
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].base < files[j].base })
	return files, nil
}

// splitStatements splits on semicolons outside single-quoted strings. Enough
// for the schema files shipped here; no dollar-quoted bodies.
func splitStatements(sql string) []string {
	var stmts []string
	var cur strings.Builder
	inString := false
	for _, r := range sql {
		cur.WriteRune(r)
		switch r {
		case '\'':
			inString = !inString
		case ';':
			if !inString {
				stmts = append(stmts, cur.String())
				cur.Reset()
			}
		}
	}
	if strings.TrimSpace(cur.String()) != "" {
		stmts = append(stmts, cur.String())
	}
	return stmts
}
