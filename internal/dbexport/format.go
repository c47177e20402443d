// Package dbexport writes and reads the logical database export stream: one
// JSON document per line, a table header followed by that table's rows.
//
//	{"kind":"table","table":"wp_users","columns":["ID","user_email"],"primary_key":["ID"]}
//	{"kind":"row","table":"wp_users","values":["1","jane@example.com"]}
//
// Values are null, a string, or {"b64":"..."} for bytes that are not UTF-8.
package dbexport

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

// Line kinds.
const (
	KindTable = "table"
	KindRow   = "row"
)

// Value is one column value. The zero Value is SQL NULL.
type Value struct {
	Valid bool
	Data  []byte
}

// Text returns a non-null value holding s.
func Text(s string) Value { return Value{Valid: true, Data: []byte(s)} }

// Bytes returns a non-null value holding b.
func Bytes(b []byte) Value { return Value{Valid: true, Data: b} }

// Null is SQL NULL.
var Null = Value{}

func (v Value) String() string {
	if !v.Valid {
		return "NULL"
	}
	return string(v.Data)
}

type binaryValue struct {
	B64 string `json:"b64"`
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch {
	case !v.Valid:
		return []byte("null"), nil
	case utf8.Valid(v.Data):
		return json.Marshal(string(v.Data))
	default:
		return json.Marshal(binaryValue{B64: base64.StdEncoding.EncodeToString(v.Data)})
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*v = Null
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = Text(s)
	default:
		var b binaryValue
		if err := json.Unmarshal(data, &b); err != nil {
			return fmt.Errorf("invalid value %s: %w", data, err)
		}
		raw, err := base64.StdEncoding.DecodeString(b.B64)
		if err != nil {
			return fmt.Errorf("invalid binary value: %w", err)
		}
		*v = Bytes(raw)
	}
	return nil
}

// Line is one document of the stream.
type Line struct {
	Kind       string   `json:"kind"`
	Table      string   `json:"table"`
	Columns    []string `json:"columns,omitempty"`
	PrimaryKey []string `json:"primary_key,omitempty"`
	Values     []Value  `json:"values,omitempty"`
}

// Encoder writes export lines.
type Encoder struct {
	w *bufio.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

// WriteTable starts a table.
func (e *Encoder) WriteTable(table string, columns, primaryKey []string) error {
	return e.Encode(&Line{Kind: KindTable, Table: table, Columns: columns, PrimaryKey: primaryKey})
}

// WriteRow writes one row of table.
func (e *Encoder) WriteRow(table string, values []Value) error {
	return e.Encode(&Line{Kind: KindRow, Table: table, Values: values})
}

// Encode writes line as is.
func (e *Encoder) Encode(line *Line) error {
	data, err := json.Marshal(line)
	if err != nil {
		return err
	}
	if _, err := e.w.Write(data); err != nil {
		return err
	}
	return e.w.WriteByte('\n')
}

// Flush writes any buffered lines.
func (e *Encoder) Flush() error {
	return e.w.Flush()
}

// Decoder reads export lines and checks their structure.
type Decoder struct {
	r       *bufio.Reader
	line    int
	table   string
	columns int
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next line, or io.EOF at the end of the stream.
func (d *Decoder) Next() (*Line, error) {
	data, err := d.r.ReadBytes('\n')
	if len(data) == 0 {
		if err == nil || errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	d.line++

	var l Line
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("line %d: %w", d.line, err)
	}
	switch l.Kind {
	case KindTable:
		if len(l.Columns) == 0 {
			return nil, fmt.Errorf("line %d: table %s has no columns", d.line, l.Table)
		}
		d.table, d.columns = l.Table, len(l.Columns)
	case KindRow:
		if d.columns == 0 || l.Table != d.table {
			return nil, fmt.Errorf("line %d: row for %s outside its table", d.line, l.Table)
		}
		if len(l.Values) != d.columns {
			return nil, fmt.Errorf("line %d: row has %d values, table %s has %d columns", d.line, len(l.Values), l.Table, d.columns)
		}
	default:
		return nil, fmt.Errorf("line %d: unknown kind %q", d.line, l.Kind)
	}
	return &l, nil
}
