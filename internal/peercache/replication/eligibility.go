package replication

import (
	"slices"

	"github.com/julianstephens/peercache/internal/peercache/cache"
	"github.com/julianstephens/peercache/internal/peercache/change"
)

// SchemaRule narrows which tables of one schema replicate. An empty Include
// admits every table; Exclude wins over Include, and "*" excludes the whole
// schema.
type SchemaRule struct {
	Name    string   `yaml:"name" json:"name"`
	Include []string `yaml:"include" json:"include"`
	Exclude []string `yaml:"exclude" json:"exclude"`
}

// Eligibility answers whether a table replicates. Every table is decided
// once, when the Eligibility is built.
type Eligibility struct {
	decided map[string]bool
	tables  []cache.TableDef
}

func NewEligibility(rules []SchemaRule, tables []cache.TableDef) *Eligibility {
	byName := make(map[string]SchemaRule, len(rules))
	for _, r := range rules {
		byName[r.Name] = r
	}
	e := &Eligibility{decided: make(map[string]bool, len(tables))}
	for _, def := range tables {
		rule, ok := byName[def.Schema]
		in := decide(def, rule, ok)
		e.decided[def.Name] = in
		if in {
			e.tables = append(e.tables, def)
		}
	}
	slices.SortFunc(e.tables, func(a, b cache.TableDef) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return e
}

func decide(def cache.TableDef, rule SchemaRule, ok bool) bool {
	if def.NoReplicate {
		return false
	}
	if !ok {
		return true
	}
	if slices.Contains(rule.Exclude, "*") || slices.Contains(rule.Exclude, def.Name) {
		return false
	}
	return len(rule.Include) == 0 || slices.Contains(rule.Include, def.Name)
}

// Eligible reports whether table replicates. Unknown tables never do.
func (e *Eligibility) Eligible(table string) bool {
	return e.decided[table]
}

// Tables lists the replicated tables ordered by name.
func (e *Eligibility) Tables() []cache.TableDef {
	return e.tables
}

// Filter keeps the records of replicated tables, in order.
func (e *Eligibility) Filter(recs []change.Record) []change.Record {
	out := make([]change.Record, 0, len(recs))
	for _, r := range recs {
		if e.Eligible(r.Table) {
			out = append(out, r)
		}
	}
	return out
}
