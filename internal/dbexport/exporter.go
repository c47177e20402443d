package dbexport

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	_ "github.com/mattn/go-sqlite3"

	"sitesnap/internal/config"
	"sitesnap/internal/snap"
)

// SQLExporter exports a mysql or sqlite3 site database.
type SQLExporter struct {
	db      *sql.DB
	dialect dialect
	logger  snap.Logger
}

var _ snap.Exporter = (*SQLExporter)(nil)

// Open connects lazily: nothing is dialed until Export pings the server.
func Open(cfg config.DatabaseConfig, logger snap.Logger) (*SQLExporter, error) {
	d, err := dialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}
	var dsn string
	switch cfg.Driver {
	case "mysql":
		dsn = mysqlDSN(cfg.Host, cfg.Name, cfg.User, cfg.Password)
	case "sqlite3":
		dsn = cfg.Name
	}
	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", cfg.Driver, err)
	}
	if cfg.Driver == "sqlite3" {
		db.SetMaxOpenConns(1)
	}
	return NewSQLExporter(db, d, logger), nil
}

// NewSQLExporter wraps an open handle.
func NewSQLExporter(db *sql.DB, d dialect, logger snap.Logger) *SQLExporter {
	if logger == nil {
		logger = snap.NewNopLogger()
	}
	return &SQLExporter{db: db, dialect: d, logger: logger}
}

// Close closes the database handle.
func (e *SQLExporter) Close() error {
	return e.db.Close()
}

type tableInfo struct {
	name    string
	columns []string
	pk      []string
}

// orderBy returns the columns rows are sorted by: the primary key, or every
// column for tables without one.
func (t tableInfo) orderBy() []string {
	if len(t.pk) > 0 {
		return t.pk
	}
	return t.columns
}

// Export writes every table, sorted by name, with rows in primary key order.
func (e *SQLExporter) Export(ctx context.Context, w io.Writer, opts snap.ExportOptions) error {
	if err := e.db.PingContext(ctx); err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}

	names, err := e.dialect.tables(ctx, e.db)
	if err != nil {
		return fmt.Errorf("listing tables: %w", err)
	}
	tables := make([]tableInfo, 0, len(names))
	for _, name := range names {
		cols, pk, err := e.dialect.columns(ctx, e.db, name)
		if err != nil {
			return fmt.Errorf("reading columns of %s: %w", name, err)
		}
		tables = append(tables, tableInfo{name: name, columns: cols, pk: pk})
	}

	enc := NewEncoder(w)
	for _, t := range tables {
		n, err := e.exportTable(ctx, enc, t, opts)
		if err != nil {
			return fmt.Errorf("exporting %s: %w", t.name, err)
		}
		e.logger.Debug("table exported", "table", t.name, "rows", n)
	}
	if err := enc.Flush(); err != nil {
		return err
	}

	if opts.Small && opts.PruneSource {
		return e.prune(ctx, tables, opts.SampleRows)
	}
	return nil
}

func (e *SQLExporter) exportTable(ctx context.Context, enc *Encoder, t tableInfo, opts snap.ExportOptions) (int, error) {
	if err := enc.WriteTable(t.name, t.columns, t.pk); err != nil {
		return 0, err
	}

	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s",
		e.quoteList(t.columns), e.dialect.quote(t.name), e.quoteList(t.orderBy()))
	if opts.Small {
		query += " LIMIT " + strconv.Itoa(opts.SampleRows)
	}
	rows, err := e.db.QueryContext(ctx, query)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	raw := make([]any, len(t.columns))
	dest := make([]any, len(t.columns))
	for i := range raw {
		dest[i] = &raw[i]
	}
	var n int
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return n, err
		}
		values := make([]Value, len(raw))
		for i, v := range raw {
			values[i] = toValue(v)
			if opts.Small && opts.MaxValueBytes > 0 {
				values[i] = truncate(values[i], opts.MaxValueBytes)
			}
		}
		if err := enc.WriteRow(t.name, values); err != nil {
			return n, err
		}
		n++
	}
	return n, rows.Err()
}

// prune deletes rows beyond the sample from the source database, so the
// local site matches what was exported.
func (e *SQLExporter) prune(ctx context.Context, tables []tableInfo, keep int) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, t := range tables {
		if len(t.pk) == 0 {
			e.logger.Warn("not pruning table without primary key", "table", t.name)
			continue
		}
		key := e.quoteList(t.pk)
		if len(t.pk) > 1 {
			key = "(" + key + ")"
		}
		stmt := fmt.Sprintf("DELETE FROM %[1]s WHERE %[2]s NOT IN (SELECT %[3]s FROM (SELECT %[3]s FROM %[1]s ORDER BY %[3]s LIMIT %[4]d) AS keep_rows)",
			e.dialect.quote(t.name), key, e.quoteList(t.pk), keep)
		res, err := tx.ExecContext(ctx, stmt)
		if err != nil {
			return fmt.Errorf("pruning %s: %w", t.name, err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			e.logger.Info("pruned rows from local database", "table", t.name, "rows", n)
		}
	}
	return tx.Commit()
}

func (e *SQLExporter) quoteList(idents []string) string {
	quoted := make([]string, len(idents))
	for i, id := range idents {
		quoted[i] = e.dialect.quote(id)
	}
	return strings.Join(quoted, ", ")
}

// toValue renders a scanned column in a driver-independent text form.
func toValue(v any) Value {
	switch x := v.(type) {
	case nil:
		return Null
	case []byte:
		return Bytes(append([]byte(nil), x...))
	case string:
		return Text(x)
	case int64:
		return Text(strconv.FormatInt(x, 10))
	case float64:
		return Text(strconv.FormatFloat(x, 'g', -1, 64))
	case bool:
		if x {
			return Text("1")
		}
		return Text("0")
	case time.Time:
		return Text(x.UTC().Format(time.RFC3339Nano))
	default:
		return Text(fmt.Sprint(x))
	}
}

// truncate shortens v to at most max bytes without splitting a UTF-8 sequence.
func truncate(v Value, max int) Value {
	if !v.Valid || len(v.Data) <= max {
		return v
	}
	cut := v.Data[:max]
	if utf8.Valid(v.Data) {
		for len(cut) > 0 && !utf8.Valid(cut) {
			cut = cut[:len(cut)-1]
		}
	}
	return Bytes(append([]byte(nil), cut...))
}
