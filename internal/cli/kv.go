package cli

import (
	"github.com/julianstephens/peercache/internal/peercache/cache"
	"github.com/julianstephens/peercache/internal/peercache/schema"
)

// Entry is the record type served by the standalone binary: a replicated
// key/value table.
type Entry struct {
	Key     string
	Value   string
	Updated int64
}

// KVTables registers Entry as table entries in schema kv.
func KVTables() (*schema.Registry, []cache.TableDef, error) {
	reg := schema.NewRegistry()
	typ, err := schema.Register(reg, schema.TypeDef[Entry]{
		Name:      "Entry",
		Namespace: "kv",
		Fields: []*schema.Field{
			schema.NewField("Key", func(e *Entry) *string { return &e.Key }, schema.Identity()),
			schema.NewField("Value", func(e *Entry) *string { return &e.Value }),
			schema.NewField("Updated", func(e *Entry) *int64 { return &e.Updated }),
		},
	})
	if err != nil {
		return nil, nil, err
	}
	return reg, []cache.TableDef{{Name: "entries", Schema: "kv", Type: typ}}, nil
}
