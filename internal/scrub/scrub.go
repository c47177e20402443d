// Package scrub replaces personal data in a database export stream with
// synthetic values derived from the row's key.
package scrub

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/zeebo/xxh3"

	"sitesnap/internal/dbexport"
	"sitesnap/internal/snap"
)

// Kind selects the shape of a synthetic value.
type Kind string

const (
	KindEmail  Kind = "email"  // user-<token>@example.invalid
	KindLogin  Kind = "login"  // user_<token>
	KindName   Kind = "name"   // User <token>
	KindURL    Kind = "url"    // https://example.invalid/<token>
	KindIP     Kind = "ip"     // 192.0.2.0/24 (TEST-NET-1)
	KindSecret Kind = "secret" // a string no password hash format accepts
	KindText   Kind = "text"   // cleared
)

// KeySource names a column whose value identifies the person a row belongs to.
// Values from sources with the same Namespace yield the same synthetic values.
type KeySource struct {
	Column    string
	Namespace string
}

// Rule targets one column of one table.
type Rule struct {
	Table  string
	Column string
	Kind   Kind

	// Key lists the key sources in order of preference; the first one holding
	// a non-empty, non-zero value is used. Empty means the primary key.
	Key []KeySource

	// When set, the rule only applies to rows whose WhenColumn value is in WhenValues.
	WhenColumn string
	WhenValues []string
}

// Scrubber applies a fixed rule set to an export stream.
type Scrubber struct {
	rules map[string][]Rule
}

var _ snap.Scrubber = (*Scrubber)(nil)

// New creates a Scrubber from rules.
func New(rules []Rule) *Scrubber {
	s := &Scrubber{rules: make(map[string][]Rule)}
	for _, r := range rules {
		s.rules[r.Table] = append(s.rules[r.Table], r)
	}
	return s
}

// Scrub rewrites every targeted value of the stream read from r into w.
// Tables and columns without rules pass through unchanged.
func (s *Scrubber) Scrub(r io.Reader, w io.Writer) error {
	dec := dbexport.NewDecoder(r)
	enc := dbexport.NewEncoder(w)

	var plan *tablePlan
	for {
		line, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: %w", snap.ErrScrub, err)
		}

		switch line.Kind {
		case dbexport.KindTable:
			plan = s.compile(line)
		case dbexport.KindRow:
			plan.rows++
			plan.apply(line.Values)
		}
		if err := enc.Encode(line); err != nil {
			return fmt.Errorf("%w: writing scrubbed export: %w", snap.ErrScrub, err)
		}
	}
	if err := enc.Flush(); err != nil {
		return fmt.Errorf("%w: writing scrubbed export: %w", snap.ErrScrub, err)
	}
	return nil
}

type columnRule struct {
	column int
	kind   Kind
	keys   []keyIndex
	when   int // -1 without a condition
	values map[string]bool
}

type keyIndex struct {
	column    int
	namespace string
}

// tablePlan is the rule set of one table resolved to column positions.
type tablePlan struct {
	table string
	rules []columnRule
	pk    []int
	rows  int
}

func (s *Scrubber) compile(header *dbexport.Line) *tablePlan {
	index := make(map[string]int, len(header.Columns))
	for i, c := range header.Columns {
		index[c] = i
	}
	plan := &tablePlan{table: header.Table}
	for _, c := range header.PrimaryKey {
		if i, ok := index[c]; ok {
			plan.pk = append(plan.pk, i)
		}
	}

	for _, r := range s.rules[header.Table] {
		col, ok := index[r.Column]
		if !ok {
			continue
		}
		cr := columnRule{column: col, kind: r.Kind, when: -1}
		if r.WhenColumn != "" {
			i, ok := index[r.WhenColumn]
			if !ok {
				continue
			}
			cr.when = i
			cr.values = make(map[string]bool, len(r.WhenValues))
			for _, v := range r.WhenValues {
				cr.values[v] = true
			}
		}
		for _, k := range r.Key {
			if i, ok := index[k.Column]; ok {
				cr.keys = append(cr.keys, keyIndex{column: i, namespace: k.Namespace})
			}
		}
		plan.rules = append(plan.rules, cr)
	}
	return plan
}

func (p *tablePlan) apply(values []dbexport.Value) {
	for _, r := range p.rules {
		v := values[r.column]
		if !v.Valid || len(v.Data) == 0 {
			continue
		}
		selector := ""
		if r.when >= 0 {
			cond := values[r.when]
			if !cond.Valid || !r.values[string(cond.Data)] {
				continue
			}
			selector = string(cond.Data)
		}
		values[r.column] = dbexport.Text(replacement(p.key(r, values), r.kind, selector, string(v.Data)))
	}
}

// key identifies the row's owner for r.
func (p *tablePlan) key(r columnRule, values []dbexport.Value) string {
	for _, k := range r.keys {
		v := values[k.column]
		if v.Valid && len(v.Data) > 0 && string(v.Data) != "0" {
			return k.namespace + "\x00" + string(v.Data)
		}
	}
	if len(p.pk) > 0 {
		key := p.table
		for _, i := range p.pk {
			key += "\x00" + values[i].String()
		}
		return key
	}
	return p.table + "\x00#" + strconv.Itoa(p.rows)
}

// replacement derives the synthetic value for key. It never returns original.
func replacement(key string, kind Kind, selector, original string) string {
	if kind == KindText {
		return ""
	}
	for attempt := 0; ; attempt++ {
		seed := key + "\x00" + string(kind) + "\x00" + selector
		if attempt > 0 {
			seed += "\x00" + strconv.Itoa(attempt)
		}
		v := synthesize(kind, xxh3.Hash128([]byte(seed)).Bytes())
		if v != original {
			return v
		}
	}
}

func synthesize(kind Kind, sum [16]byte) string {
	token := hex.EncodeToString(sum[:6])
	switch kind {
	case KindEmail:
		return "user-" + token + "@example.invalid"
	case KindLogin:
		return "user_" + token
	case KindName:
		return "User " + token
	case KindURL:
		return "https://example.invalid/" + token
	case KindIP:
		return "192.0.2." + strconv.Itoa(1+int(sum[15])%254)
	case KindSecret:
		return "!scrubbed!" + hex.EncodeToString(sum[:])
	default:
		return token
	}
}
