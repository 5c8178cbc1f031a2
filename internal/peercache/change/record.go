package change

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/julianstephens/peercache/internal/peercache/schema"
)

// Command is the kind of mutation a Record describes. The numeric order is
// also the apply order for one identity: Insert, then Update, then Delete.
type Command uint8

const (
	Insert Command = iota + 1
	Update
	Delete
)

func (c Command) String() string {
	switch c {
	case Insert:
		return "insert"
	case Update:
		return "update"
	case Delete:
		return "delete"
	default:
		return fmt.Sprintf("command(%d)", uint8(c))
	}
}

func (c Command) Valid() bool {
	return c >= Insert && c <= Delete
}

// Record is one captured mutation of one item.
type Record struct {
	Command  Command
	ActorID  uuid.UUID
	Table    string
	Identity any
	// Fields lists the fields an Update touched. Empty means all fields.
	Fields []string
	// Payload is the full item for Insert and Update, and may be nil for Delete.
	Payload any
	Stamp   int64
}

func (r Record) String() string {
	return fmt.Sprintf("%s %s[%v]", r.Command, r.Table, r.Identity)
}

const (
	RecordName      = "ChangeRecord"
	RecordNamespace = "peercache"
)

// Register makes Record encodable by codecs built over reg.
func Register(reg *schema.Registry) (*schema.Type, error) {
	return schema.Register(reg, schema.TypeDef[Record]{
		Name:      RecordName,
		Namespace: RecordNamespace,
		Fields: []*schema.Field{
			schema.NewField("Command", func(r *Record) *Command { return &r.Command }),
			schema.NewField("ActorID", func(r *Record) *uuid.UUID { return &r.ActorID }),
			schema.NewField("Table", func(r *Record) *string { return &r.Table }),
			schema.NewField("Identity", func(r *Record) *any { return &r.Identity }, schema.Identity()),
			schema.NewField("Fields", func(r *Record) *[]string { return &r.Fields }),
			schema.NewField("Payload", func(r *Record) *any { return &r.Payload }),
			schema.NewField("Stamp", func(r *Record) *int64 { return &r.Stamp }),
		},
	})
}
