package testutil

import (
	"testing"
	"time"

	tst "github.com/julianstephens/go-utils/tests"

	"github.com/julianstephens/peercache/internal/peercache/cache"
	"github.com/julianstephens/peercache/internal/peercache/schema"
)

// Person is the sample record most scenarios replicate.
type Person struct {
	ID    int64
	Name  string
	City  string
	Email string
}

// Order lives in a second schema so include and exclude lists can be
// exercised.
type Order struct {
	ID     string
	Person int64
	Total  float64
}

// Draft is kept local.
type Draft struct {
	ID   int64
	Body string
}

// Tables registers the sample types in a fresh registry and returns their
// table definitions: people and drafts in schema crm, orders in schema
// sales. drafts never replicates.
func Tables(t *testing.T) (*schema.Registry, []cache.TableDef) {
	t.Helper()
	reg := schema.NewRegistry()
	people, err := schema.Register(reg, schema.TypeDef[Person]{
		Name:      "Person",
		Namespace: "crm",
		Fields: []*schema.Field{
			schema.NewField("ID", func(p *Person) *int64 { return &p.ID }, schema.Identity()),
			schema.NewField("Name", func(p *Person) *string { return &p.Name }),
			schema.NewField("City", func(p *Person) *string { return &p.City }),
			schema.NewField("Email", func(p *Person) *string { return &p.Email }),
		},
	})
	tst.RequireNoError(t, err)
	orders, err := schema.Register(reg, schema.TypeDef[Order]{
		Name:      "Order",
		Namespace: "sales",
		Fields: []*schema.Field{
			schema.NewField("ID", func(o *Order) *string { return &o.ID }, schema.Identity()),
			schema.NewField("Person", func(o *Order) *int64 { return &o.Person }),
			schema.NewField("Total", func(o *Order) *float64 { return &o.Total }),
		},
	})
	tst.RequireNoError(t, err)
	drafts, err := schema.Register(reg, schema.TypeDef[Draft]{
		Name:      "Draft",
		Namespace: "crm",
		Fields: []*schema.Field{
			schema.NewField("ID", func(d *Draft) *int64 { return &d.ID }, schema.Identity()),
			schema.NewField("Body", func(d *Draft) *string { return &d.Body }),
		},
	})
	tst.RequireNoError(t, err)
	return reg, []cache.TableDef{
		{Name: "people", Schema: "crm", Type: people},
		{Name: "orders", Schema: "sales", Type: orders},
		{Name: "drafts", Schema: "crm", Type: drafts, NoReplicate: true},
	}
}

// WaitFor polls cond until it holds or five seconds pass.
func WaitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
