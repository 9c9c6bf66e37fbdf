package postgres

import (
	"cmp"
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

// leaseColumn — колонка версии аренды, по которой фенсятся обновления леджера и очередей.
const leaseColumn = "lease_version"

const (
	migrationLockKey = int64(0x62696c6c) // "bill"
	schemaTableDDL   = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version BIGINT PRIMARY KEY,
    name TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
)

var (
	//go:embed sql/migrations/*.sql
	migrationsFS embed.FS

	migrationFileRe = regexp.MustCompile(`^(\d+)_([a-z0-9_]+)\.(up|down)\.sql$`)
	createTableRe   = regexp.MustCompile(`(?is)CREATE TABLE IF NOT EXISTS\s+([a-z0-9_]+)\s*\((.*?)\n\);`)
	leaseColumnRe   = regexp.MustCompile(`(?m)^\s*` + leaseColumn + `\s`)

	// ErrSchemaNotReady возвращается, когда схема отстает от встроенных миграций.
	ErrSchemaNotReady = errors.New("billing schema is not ready")
)

type migration struct {
	Version int64
	Name    string
	Up      string
	Down    string
}

// ID — имя миграции в том виде, в каком оно лежит в sql/migrations.
func (m migration) ID() string {
	return fmt.Sprintf("%04d_%s", m.Version, m.Name)
}

type migrationSet []migration

func (ms migrationSet) find(version int64) (migration, bool) {
	i, ok := slices.BinarySearchFunc(ms, version, func(m migration, v int64) int { return cmp.Compare(m.Version, v) })
	if !ok {
		return migration{}, false
	}
	return ms[i], true
}

// pending возвращает неприменённые миграции по возрастанию версии.
func (ms migrationSet) pending(applied []int64) migrationSet {
	var out migrationSet
	for _, m := range ms {
		if !slices.Contains(applied, m.Version) {
			out = append(out, m)
		}
	}
	return out
}

// rollbackPlan берет steps последних применённых версий, начиная с самой новой.
func (ms migrationSet) rollbackPlan(applied []int64, steps int) (migrationSet, error) {
	plan := make(migrationSet, 0, steps)
	for i := len(applied) - 1; i >= 0 && len(plan) < steps; i-- {
		m, ok := ms.find(applied[i])
		if !ok {
			return nil, fmt.Errorf("cannot rollback unknown migration version %d", applied[i])
		}
		plan = append(plan, m)
	}
	return plan, nil
}

// fencedTables — таблицы, чьи CREATE TABLE объявляют lease_version.
func (ms migrationSet) fencedTables() []string {
	var tables []string
	for _, m := range ms {
		for _, match := range createTableRe.FindAllStringSubmatch(m.Up, -1) {
			if leaseColumnRe.MatchString(match[2]) {
				tables = append(tables, strings.ToLower(match[1]))
			}
		}
	}
	slices.Sort(tables)
	return slices.Compact(tables)
}

func parseMigrations(fsys fs.FS) (migrationSet, error) {
	files, err := fs.Glob(fsys, "sql/migrations/*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	if len(files) == 0 {
		return nil, errors.New("no migration files found")
	}

	byVersion := make(map[int64]*migration, len(files)/2)
	for _, file := range files {
		base := path.Base(file)
		parts := migrationFileRe.FindStringSubmatch(base)
		if parts == nil {
			return nil, fmt.Errorf("invalid migration file name: %s", base)
		}
		version, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse migration version from %s: %w", base, err)
		}

		raw, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("read migration file %s: %w", file, err)
		}
		body := strings.TrimSpace(string(raw))
		if body == "" {
			return nil, fmt.Errorf("migration file is empty: %s", base)
		}

		m, ok := byVersion[version]
		if !ok {
			m = &migration{Version: version, Name: parts[2]}
			byVersion[version] = m
		}
		if m.Name != parts[2] {
			return nil, fmt.Errorf("migration name mismatch for version %d: %s vs %s", version, m.Name, parts[2])
		}
		target := &m.Up
		if parts[3] == "down" {
			target = &m.Down
		}
		if *target != "" {
			return nil, fmt.Errorf("duplicate %s migration for version %d", parts[3], version)
		}
		*target = body
	}

	set := make(migrationSet, 0, len(byVersion))
	for _, m := range byVersion {
		if m.Up == "" || m.Down == "" {
			return nil, fmt.Errorf("migration %s must have both up and down files", m.ID())
		}
		set = append(set, *m)
	}
	slices.SortFunc(set, func(a, b migration) int { return cmp.Compare(a.Version, b.Version) })
	return set, nil
}

// MigrateUp применяет up-миграции. steps=0 применяет все.
func (s *Store) MigrateUp(ctx context.Context, steps int) error {
	return s.withMigrationLock(ctx, func(conn *sql.Conn, set migrationSet, applied []int64) error {
		plan := set.pending(applied)
		if steps > 0 && len(plan) > steps {
			plan = plan[:steps]
		}
		for _, m := range plan {
			if err := runStep(ctx, conn, m, true); err != nil {
				return err
			}
		}
		return nil
	})
}

// MigrateDown откатывает миграции. steps<=0 интерпретируется как 1 шаг.
func (s *Store) MigrateDown(ctx context.Context, steps int) error {
	if steps <= 0 {
		steps = 1
	}
	return s.withMigrationLock(ctx, func(conn *sql.Conn, set migrationSet, applied []int64) error {
		plan, err := set.rollbackPlan(applied, steps)
		if err != nil {
			return err
		}
		for _, m := range plan {
			if err := runStep(ctx, conn, m, false); err != nil {
				return err
			}
		}
		return nil
	})
}

// MigrationState описывает состояние схемы биллинга.
type MigrationState struct {
	Version   int64
	Applied   int
	Available int
	Pending   []string
	// Таблицы с фенсингом по аренде, у которых в базе нет lease_version.
	Unfenced []string
}

// Ready сообщает, что все миграции применены и фенсинг аренды на месте.
func (st MigrationState) Ready() bool {
	return len(st.Pending) == 0 && len(st.Unfenced) == 0
}

// MigrationStatus сверяет базу со встроенными миграциями.
func (s *Store) MigrationStatus(ctx context.Context) (MigrationState, error) {
	if s == nil || s.db == nil {
		return MigrationState{}, errStoreNotInitialized
	}
	set, err := parseMigrations(migrationsFS)
	if err != nil {
		return MigrationState{}, err
	}

	queryCtx, cancel := context.WithTimeout(ctx, defaultConnTimeout)
	defer cancel()

	if _, err := s.db.ExecContext(queryCtx, schemaTableDDL); err != nil {
		return MigrationState{}, fmt.Errorf("ensure migration table: %w", err)
	}
	applied, err := appliedVersions(queryCtx, s.db)
	if err != nil {
		return MigrationState{}, err
	}

	state := MigrationState{Applied: len(applied), Available: len(set)}
	if len(applied) > 0 {
		state.Version = applied[len(applied)-1]
	}
	for _, m := range set.pending(applied) {
		state.Pending = append(state.Pending, m.ID())
	}

	present, err := tablesWithColumn(queryCtx, s.db, leaseColumn)
	if err != nil {
		return MigrationState{}, err
	}
	for _, table := range set.fencedTables() {
		if !slices.Contains(present, table) {
			state.Unfenced = append(state.Unfenced, table)
		}
	}
	return state, nil
}

// VerifySchema возвращает ErrSchemaNotReady, если хранилище нельзя отдавать воркерам.
func (s *Store) VerifySchema(ctx context.Context) error {
	state, err := s.MigrationStatus(ctx)
	if err != nil {
		return err
	}
	if state.Ready() {
		return nil
	}
	return fmt.Errorf("%w: pending=%v unfenced=%v", ErrSchemaNotReady, state.Pending, state.Unfenced)
}

func (s *Store) withMigrationLock(ctx context.Context, fn func(*sql.Conn, migrationSet, []int64) error) error {
	if s == nil || s.db == nil {
		return errStoreNotInitialized
	}
	set, err := parseMigrations(migrationsFS)
	if err != nil {
		return err
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire db connection: %w", err)
	}
	defer conn.Close()

	lockCtx, cancel := context.WithTimeout(ctx, defaultConnTimeout)
	defer cancel()
	if _, err := conn.ExecContext(lockCtx, "SELECT pg_advisory_lock($1)", migrationLockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", migrationLockKey)
	}()

	if _, err := conn.ExecContext(ctx, schemaTableDDL); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	applied, err := appliedVersions(ctx, conn)
	if err != nil {
		return err
	}
	return fn(conn, set, applied)
}

// runStep применяет или откатывает одну миграцию вместе с записью в schema_migrations.
func runStep(ctx context.Context, conn *sql.Conn, m migration, up bool) error {
	direction, body := "up", m.Up
	record, args := `INSERT INTO schema_migrations (version, name, applied_at) VALUES ($1, $2, NOW())`, []any{m.Version, m.Name}
	if !up {
		direction, body = "down", m.Down
		record, args = `DELETE FROM schema_migrations WHERE version = $1`, []any{m.Version}
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s migration %s: %w", direction, m.ID(), err)
	}
	if _, err := tx.ExecContext(ctx, body); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("execute %s migration %s: %w", direction, m.ID(), err)
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record %s migration %s: %w", direction, m.ID(), err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s migration %s: %w", direction, m.ID(), err)
	}
	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// appliedVersions возвращает применённые версии по возрастанию.
func appliedVersions(ctx context.Context, q queryer) ([]int64, error) {
	rows, err := q.QueryContext(ctx, `SELECT version FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("query applied migrations: %w", err)
	}
	defer rows.Close()

	var versions []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied migrations: %w", err)
	}
	return versions, nil
}

func tablesWithColumn(ctx context.Context, q queryer, column string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT table_name
		FROM information_schema.columns
		WHERE table_schema = current_schema() AND column_name = $1
	`, column)
	if err != nil {
		return nil, fmt.Errorf("query %s columns: %w", column, err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var table string
		if err := rows.Scan(&table); err != nil {
			return nil, fmt.Errorf("scan %s column: %w", column, err)
		}
		tables = append(tables, table)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s columns: %w", column, err)
	}
	return tables, nil
}
