// postgres.go implements the postgres capability over pgx connection pools.
//
// Pools are created lazily and cached per connection string for the process
// lifetime; concurrent dispatches against the same database share one pool.
// Error messages pass through pgx, which does not echo credentials.

package capability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

type postgresCache struct {
	mu    sync.Mutex
	pools map[string]*pgxpool.Pool
}

func newPostgresCache() *postgresCache {
	return &postgresCache{pools: make(map[string]*pgxpool.Pool)}
}

func (c *postgresCache) pool(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pool, ok := c.pools[connString]; ok {
		return pool, nil
	}
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	c.pools[connString] = pool
	return pool, nil
}

func (c *postgresCache) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, pool := range c.pools {
		pool.Close()
	}
	c.pools = make(map[string]*pgxpool.Pool)
}

func (s *Set) postgresModule() *starlarkstruct.Module {
	return &starlarkstruct.Module{
		Name: "postgres",
		Members: starlark.StringDict{
			"query":          starlark.NewBuiltin("query", s.postgresQuery),
			"execute":        starlark.NewBuiltin("execute", s.postgresExecute),
			"list_tables":    starlark.NewBuiltin("list_tables", s.postgresListTables),
			"describe_table": starlark.NewBuiltin("describe_table", s.postgresDescribeTable),
		},
	}
}

func (s *Set) postgresQuery(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var connString, query string
	var params starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "connection_string", &connString, "query", &query, "params?", &params); err != nil {
		return nil, err
	}
	sqlArgs, err := sqlParams(params)
	if err != nil {
		return nil, fmt.Errorf("postgres.query: %w", err)
	}
	return s.runPostgresQuery(thread, connString, query, sqlArgs)
}

func (s *Set) postgresExecute(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var connString, statement string
	var params starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "connection_string", &connString, "statement", &statement, "params?", &params); err != nil {
		return nil, err
	}
	sqlArgs, err := sqlParams(params)
	if err != nil {
		return nil, fmt.Errorf("postgres.execute: %w", err)
	}

	cctx := From(thread)
	pool, err := s.postgres.pool(cctx.Ctx, connString)
	if err != nil {
		return nil, err
	}
	tag, err := pool.Exec(cctx.Ctx, statement, sqlArgs...)
	if err != nil {
		return nil, fmt.Errorf("postgres: statement failed: %w", err)
	}
	return starlark.MakeInt64(tag.RowsAffected()), nil
}

func (s *Set) postgresListTables(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var connString string
	schema := "public"
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "connection_string", &connString, "schema?", &schema); err != nil {
		return nil, err
	}
	const query = "SELECT tablename FROM pg_tables WHERE schemaname = $1 ORDER BY tablename"
	return s.runPostgresQuery(thread, connString, query, []any{schema})
}

func (s *Set) postgresDescribeTable(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var connString, table string
	schema := "public"
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "connection_string", &connString, "table_name", &table, "schema?", &schema); err != nil {
		return nil, err
	}
	const query = `
		SELECT column_name, data_type, is_nullable, column_default, character_maximum_length
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`
	return s.runPostgresQuery(thread, connString, query, []any{schema, table})
}

func (s *Set) runPostgresQuery(thread *starlark.Thread, connString, query string, sqlArgs []any) (starlark.Value, error) {
	cctx := From(thread)
	pool, err := s.postgres.pool(cctx.Ctx, connString)
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(cctx.Ctx, query, sqlArgs...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query failed: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []starlark.Value
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("postgres: row values: %w", err)
		}
		row := starlark.NewDict(len(fields))
		for i, field := range fields {
			if err := row.SetKey(starlark.String(field.Name), postgresValue(values[i])); err != nil {
				return nil, err
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows: %w", err)
	}
	return starlark.NewList(out), nil
}

// postgresValue converts a pgx row value to Starlark.
func postgresValue(v any) starlark.Value {
	switch val := v.(type) {
	case nil:
		return starlark.None
	case bool:
		return starlark.Bool(val)
	case int16:
		return starlark.MakeInt(int(val))
	case int32:
		return starlark.MakeInt(int(val))
	case int64:
		return starlark.MakeInt64(val)
	case float32:
		return starlark.Float(float64(val))
	case float64:
		return starlark.Float(val)
	case string:
		return starlark.String(val)
	case []byte:
		return starlark.String(string(val))
	case time.Time:
		return starlark.String(val.Format(time.RFC3339))
	default:
		return starlark.String(fmt.Sprint(val))
	}
}
