package testutil

import (
	"context"
	"io"
	"sync"

	"sitesnap/internal/dbexport"
	"sitesnap/internal/snap"
)

// StubExporter writes a fixed WordPress-like export.
type StubExporter struct {
	// Err, when set, is returned after the first table has been written.
	Err error

	mu    sync.Mutex
	calls []snap.ExportOptions
}

func NewStubExporter() *StubExporter {
	return &StubExporter{}
}

// Users are the rows of the stub wp_users table.
var Users = [][]string{
	{"1", "admin", "admin@example.com", "Site Admin"},
	{"2", "jane", "jane@example.com", "Jane Doe"},
	{"3", "joe", "joe@example.com", "Joe Bloggs"},
}

func (e *StubExporter) Export(ctx context.Context, w io.Writer, opts snap.ExportOptions) error {
	e.mu.Lock()
	e.calls = append(e.calls, opts)
	e.mu.Unlock()

	enc := dbexport.NewEncoder(w)
	if err := enc.WriteTable("wp_options", []string{"option_id", "option_name", "option_value"}, []string{"option_id"}); err != nil {
		return err
	}
	if err := enc.WriteRow("wp_options", []dbexport.Value{dbexport.Text("1"), dbexport.Text("blogname"), dbexport.Text("My Blog")}); err != nil {
		return err
	}
	if e.Err != nil {
		enc.Flush()
		return e.Err
	}

	if err := enc.WriteTable("wp_users", []string{"ID", "user_login", "user_email", "display_name"}, []string{"ID"}); err != nil {
		return err
	}
	rows := Users
	if opts.Small && opts.SampleRows > 0 && opts.SampleRows < len(rows) {
		rows = rows[:opts.SampleRows]
	}
	for _, u := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		values := make([]dbexport.Value, len(u))
		for i, v := range u {
			values[i] = dbexport.Text(v)
		}
		if err := enc.WriteRow("wp_users", values); err != nil {
			return err
		}
	}
	return enc.Flush()
}

// Calls returns the options of every Export call.
func (e *StubExporter) Calls() []snap.ExportOptions {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]snap.ExportOptions(nil), e.calls...)
}

var _ snap.Exporter = (*StubExporter)(nil)
