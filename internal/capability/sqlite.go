// sqlite.go implements the sqlite capability over database/sql with the
// modernc.org/sqlite driver.
//
// Query connections open read-only; execute opens read-write. Handles are
// cached per (path, mode) so repeated calls against the same database reuse
// the connection pool instead of reopening the file.

package capability

import (
	"database/sql"
	"fmt"
	"regexp"
	"sync"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	_ "modernc.org/sqlite"
)

type sqliteCache struct {
	mu  sync.Mutex
	dbs map[string]*sql.DB
}

func newSQLiteCache() *sqliteCache {
	return &sqliteCache{dbs: make(map[string]*sql.DB)}
}

func (c *sqliteCache) open(path string, readOnly bool) (*sql.DB, error) {
	mode := "rw"
	if readOnly {
		mode = "ro"
	}
	key := mode + ":" + path

	c.mu.Lock()
	defer c.mu.Unlock()
	if db, ok := c.dbs[key]; ok {
		return db, nil
	}

	dsn := "file:" + path
	if readOnly {
		dsn += "?mode=ro"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	c.dbs[key] = db
	return db, nil
}

func (c *sqliteCache) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, db := range c.dbs {
		_ = db.Close()
	}
	c.dbs = make(map[string]*sql.DB)
}

func (s *Set) sqliteModule() *starlarkstruct.Module {
	return &starlarkstruct.Module{
		Name: "sqlite",
		Members: starlark.StringDict{
			"query":          starlark.NewBuiltin("query", s.sqliteQuery),
			"execute":        starlark.NewBuiltin("execute", s.sqliteExecute),
			"list_tables":    starlark.NewBuiltin("list_tables", s.sqliteListTables),
			"describe_table": starlark.NewBuiltin("describe_table", s.sqliteDescribeTable),
		},
	}
}

func (s *Set) sqliteQuery(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path, query string
	var params starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "db_path", &path, "query", &query, "params?", &params); err != nil {
		return nil, err
	}
	return s.runSQLiteQuery(thread, path, query, params)
}

func (s *Set) sqliteExecute(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path, statement string
	var params starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "db_path", &path, "statement", &statement, "params?", &params); err != nil {
		return nil, err
	}

	sqlArgs, err := sqlParams(params)
	if err != nil {
		return nil, fmt.Errorf("sqlite.execute: %w", err)
	}

	db, err := s.sqlite.open(path, false)
	if err != nil {
		return nil, err
	}

	res, err := db.ExecContext(From(thread).Ctx, statement, sqlArgs...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: statement failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("sqlite: rows affected: %w", err)
	}
	return starlark.MakeInt64(affected), nil
}

func (s *Set) sqliteListTables(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "db_path", &path); err != nil {
		return nil, err
	}
	const query = "SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%' ORDER BY name"
	return s.runSQLiteQuery(thread, path, query, nil)
}

var sqlIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func (s *Set) sqliteDescribeTable(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path, table string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "db_path", &path, "table_name", &table); err != nil {
		return nil, err
	}
	if !sqlIdentifier.MatchString(table) {
		return nil, fmt.Errorf("sqlite.describe_table: invalid table name %q", table)
	}
	// PRAGMA table_info returns: cid, name, type, notnull, dflt_value, pk.
	return s.runSQLiteQuery(thread, path, fmt.Sprintf("PRAGMA table_info(%s)", table), nil)
}

func (s *Set) runSQLiteQuery(thread *starlark.Thread, path, query string, params starlark.Value) (starlark.Value, error) {
	sqlArgs, err := sqlParams(params)
	if err != nil {
		return nil, fmt.Errorf("sqlite.query: %w", err)
	}

	db, err := s.sqlite.open(path, true)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(From(thread).Ctx, query, sqlArgs...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query failed: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("sqlite: columns: %w", err)
	}

	var out []starlark.Value
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("sqlite: scan: %w", err)
		}

		row := starlark.NewDict(len(cols))
		for i, col := range cols {
			if err := row.SetKey(starlark.String(col), sqlValue(values[i])); err != nil {
				return nil, err
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: rows: %w", err)
	}
	return starlark.NewList(out), nil
}

// sqlParams converts an optional Starlark list to positional driver
// arguments.
func sqlParams(params starlark.Value) ([]any, error) {
	if params == nil || params == starlark.None {
		return nil, nil
	}
	iterable, ok := params.(starlark.Iterable)
	if !ok {
		return nil, fmt.Errorf("params must be a list, got %s", params.Type())
	}
	var out []any
	iter := iterable.Iterate()
	defer iter.Done()
	var elem starlark.Value
	for iter.Next(&elem) {
		switch v := elem.(type) {
		case starlark.NoneType:
			out = append(out, nil)
		case starlark.Bool:
			out = append(out, bool(v))
		case starlark.Int:
			i, ok := v.Int64()
			if !ok {
				return nil, fmt.Errorf("integer parameter out of range: %s", v)
			}
			out = append(out, i)
		case starlark.Float:
			out = append(out, float64(v))
		case starlark.String:
			out = append(out, string(v))
		default:
			out = append(out, elem.String())
		}
	}
	return out, nil
}

// sqlValue converts a scanned database value to Starlark.
func sqlValue(v any) starlark.Value {
	switch val := v.(type) {
	case nil:
		return starlark.None
	case bool:
		return starlark.Bool(val)
	case int64:
		return starlark.MakeInt64(val)
	case float64:
		return starlark.Float(val)
	case string:
		return starlark.String(val)
	case []byte:
		return starlark.String(string(val))
	default:
		return starlark.String(fmt.Sprint(val))
	}
}
