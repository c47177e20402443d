package dbexport

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// dialect covers the catalog queries that differ between drivers.
type dialect interface {
	tables(ctx context.Context, q querier) ([]string, error)
	// columns returns the columns in declaration order and the primary key in key order.
	columns(ctx context.Context, q querier, table string) (cols, pk []string, err error)
	quote(ident string) string
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type sqliteDialect struct{}

func (sqliteDialect) quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func (sqliteDialect) tables(ctx context.Context, q querier) ([]string, error) {
	return queryStrings(ctx, q, `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
}

func (d sqliteDialect) columns(ctx context.Context, q querier, table string) ([]string, []string, error) {
	rows, err := q.QueryContext(ctx, "PRAGMA table_info("+d.quote(table)+")")
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	type keyCol struct {
		name string
		pos  int
	}
	var cols []string
	var keys []keyCol
	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, nil, err
		}
		cols = append(cols, name)
		if pk > 0 {
			keys = append(keys, keyCol{name: name, pos: pk})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].pos < keys[j].pos })
	pk := make([]string, len(keys))
	for i, k := range keys {
		pk[i] = k.name
	}
	return cols, pk, nil
}

type mysqlDialect struct{}

func (mysqlDialect) quote(ident string) string {
	return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
}

func (mysqlDialect) tables(ctx context.Context, q querier) ([]string, error) {
	return queryStrings(ctx, q, `SELECT table_name FROM information_schema.tables
		WHERE table_schema = DATABASE() AND table_type = 'BASE TABLE' ORDER BY table_name`)
}

func (mysqlDialect) columns(ctx context.Context, q querier, table string) ([]string, []string, error) {
	cols, err := queryStrings(ctx, q, `SELECT column_name FROM information_schema.columns
		WHERE table_schema = DATABASE() AND table_name = ? ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, nil, err
	}
	pk, err := queryStrings(ctx, q, `SELECT column_name FROM information_schema.key_column_usage
		WHERE table_schema = DATABASE() AND table_name = ? AND constraint_name = 'PRIMARY'
		ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, nil, err
	}
	return cols, pk, nil
}

func queryStrings(ctx context.Context, q querier, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// mysqlDSN builds a DSN from a host that is either host[:port] or a socket path.
func mysqlDSN(host, name, user, password string) string {
	cfg := mysql.NewConfig()
	cfg.User = user
	cfg.Passwd = password
	cfg.DBName = name
	switch {
	case strings.HasPrefix(host, "/"):
		cfg.Net = "unix"
		cfg.Addr = host
	case host == "":
		cfg.Net = "tcp"
		cfg.Addr = "127.0.0.1:3306"
	case !strings.Contains(host, ":"):
		cfg.Net = "tcp"
		cfg.Addr = host + ":3306"
	default:
		cfg.Net = "tcp"
		cfg.Addr = host
	}
	return cfg.FormatDSN()
}

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case "mysql":
		return mysqlDialect{}, nil
	case "sqlite3":
		return sqliteDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %q", driver)
	}
}
