package wire_test

import (
	"bytes"
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/cockroachdb/apd/v3"
	"github.com/google/uuid"
	tst "github.com/julianstephens/go-utils/tests"

	"github.com/julianstephens/peercache/internal/peercache/schema"
	"github.com/julianstephens/peercache/internal/peercache/wire"
)

type address struct {
	City string
	Zip  string
}

type column struct {
	Name  string
	Width int32
}

func (c *column) ItemName() string { return c.Name }

type account struct {
	ID      int64
	Name    string
	Home    *address
	Tags    []string
	Scores  map[string]int32
	Extra   []any
	Columns *wire.NamedList[*column]
	Balance *apd.Decimal
	Created time.Time
	Key     uuid.UUID
	Level   uint8
}

func register(t *testing.T, reg *schema.Registry) {
	t.Helper()
	_, err := schema.Register(reg, schema.TypeDef[address]{
		Name: "Address",
		Fields: []*schema.Field{
			schema.NewField("City", func(a *address) *string { return &a.City }),
			schema.NewField("Zip", func(a *address) *string { return &a.Zip }),
		},
	})
	tst.RequireNoError(t, err)
	_, err = schema.Register(reg, schema.TypeDef[column]{
		Name: "Column",
		Fields: []*schema.Field{
			schema.NewField("Name", func(c *column) *string { return &c.Name }),
			schema.NewField("Width", func(c *column) *int32 { return &c.Width }),
		},
	})
	tst.RequireNoError(t, err)
	_, err = schema.Register(reg, schema.TypeDef[account]{
		Name:      "Account",
		Namespace: "bank",
		Fields: []*schema.Field{
			schema.NewField("ID", func(a *account) *int64 { return &a.ID }, schema.Identity()),
			schema.NewField("Name", func(a *account) *string { return &a.Name }),
			schema.NewField("Home", func(a *account) **address { return &a.Home }),
			schema.NewField("Tags", func(a *account) *[]string { return &a.Tags }),
			schema.NewField("Scores", func(a *account) *map[string]int32 { return &a.Scores }),
			schema.NewField("Extra", func(a *account) *[]any { return &a.Extra }),
			schema.NewField("Columns", func(a *account) **wire.NamedList[*column] { return &a.Columns }),
			schema.NewField("Balance", func(a *account) **apd.Decimal { return &a.Balance }),
			schema.NewField("Created", func(a *account) *time.Time { return &a.Created }),
			schema.NewField("Key", func(a *account) *uuid.UUID { return &a.Key }),
			schema.NewField("Level", func(a *account) *uint8 { return &a.Level }),
		},
	})
	tst.RequireNoError(t, err)
}

func newCodec(t *testing.T, opts wire.Options) *wire.Codec {
	t.Helper()
	reg := schema.NewRegistry()
	register(t, reg)
	c, err := wire.New(reg, opts)
	tst.RequireNoError(t, err)
	return c
}

func sampleAccount(t *testing.T) *account {
	t.Helper()
	bal, _, err := apd.NewFromString("1234.5600")
	tst.RequireNoError(t, err)
	return &account{
		ID:      1,
		Name:    "Ivan",
		Home:    &address{City: "Riga", Zip: "LV-1010"},
		Tags:    []string{"a", "b"},
		Scores:  map[string]int32{"x": 3, "y": -4},
		Extra:   []any{int64(7), "seven", &address{City: "Oslo"}},
		Columns: wire.NewNamedList(&column{Name: "id", Width: 8}, &column{Name: "name", Width: 32}),
		Balance: bal,
		Created: time.Date(2024, 3, 1, 12, 30, 0, 500, time.UTC),
		Key:     uuid.MustParse("0190a0b6-7c1e-7d4a-9f00-0123456789ab"),
		Level:   3,
	}
}

func assertAccount(t *testing.T, want, got *account) {
	t.Helper()
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.Name, got.Name)
	assert.Equal(t, want.Home, got.Home)
	assert.Equal(t, want.Tags, got.Tags)
	assert.Equal(t, want.Scores, got.Scores)
	assert.Equal(t, want.Extra, got.Extra)
	assert.Equal(t, want.Columns.All(), got.Columns.All())
	assert.Equal(t, want.Balance.String(), got.Balance.String())
	assert.True(t, want.Created.Equal(got.Created), "created %v != %v", want.Created, got.Created)
	assert.Equal(t, want.Key, got.Key)
	assert.Equal(t, want.Level, got.Level)
}

// TestRoundTrip covers nested objects, arrays, dictionaries and leaves
func TestRoundTrip(t *testing.T) {
	for _, opts := range []wire.Options{
		{},
		{FullSchemaNames: true},
		{CacheSchemas: true},
		{FullSchemaNames: true, CacheSchemas: true},
	} {
		c := newCodec(t, opts)
		want := sampleAccount(t)

		data, err := c.Marshal(want)
		assert.NoError(t, err)
		assert.Equal(t, byte(wire.Eof), data[len(data)-1])

		got, err := wire.Decode[*account](c, data)
		assert.NoError(t, err)
		assertAccount(t, want, got)
	}
}

// TestZeroTimeRoundTrip keeps time.Time{} distinct from the Unix epoch
func TestZeroTimeRoundTrip(t *testing.T) {
	c := newCodec(t, wire.Options{})
	for _, created := range []time.Time{{}, time.Unix(0, 0).UTC(), time.Date(1901, 1, 1, 0, 0, 0, 0, time.UTC)} {
		want := &account{ID: 2, Created: created}
		data, err := c.Marshal(want)
		assert.NoError(t, err)

		got, err := wire.Decode[*account](c, data)
		assert.NoError(t, err)
		assert.Equal(t, created.IsZero(), got.Created.IsZero(), "zero time for %v", created)
		assert.True(t, created.Equal(got.Created), "created %v != %v", created, got.Created)
	}
}

// TestNullDistinction keeps absent references nil instead of empty instances
func TestNullDistinction(t *testing.T) {
	c := newCodec(t, wire.Options{})
	data, err := c.Marshal(&account{ID: 2})
	assert.NoError(t, err)

	got, err := wire.Decode[*account](c, data)
	assert.NoError(t, err)
	assert.True(t, got.Home == nil, "Home should stay nil")
	assert.True(t, got.Tags == nil, "Tags should stay nil")
	assert.True(t, got.Scores == nil, "Scores should stay nil")
	assert.True(t, got.Columns == nil, "Columns should stay nil")
	assert.True(t, got.Balance == nil, "Balance should stay nil")

	nullData, err := c.Marshal(nil)
	assert.NoError(t, err)
	assert.Equal(t, []byte{byte(wire.Null), byte(wire.Eof)}, nullData)
	v, err := c.Unmarshal(nullData, reflect.TypeFor[*account]())
	assert.NoError(t, err)
	assert.True(t, v.(*account) == nil, "expected nil account")
}

type wideRow struct {
	A int32
	B string
	C int32
}

type narrowRow struct {
	A int32
	C int32
}

// TestForwardCompatibleSkip reads a stream written with {A,B,C} using a
// reader that only knows {A,C}
func TestForwardCompatibleSkip(t *testing.T) {
	writerReg := schema.NewRegistry()
	schema.MustRegister(writerReg, schema.TypeDef[wideRow]{
		Name: "Row",
		Fields: []*schema.Field{
			schema.NewField("A", func(r *wideRow) *int32 { return &r.A }),
			schema.NewField("B", func(r *wideRow) *string { return &r.B }),
			schema.NewField("C", func(r *wideRow) *int32 { return &r.C }),
		},
	})
	writer, err := wire.New(writerReg, wire.Options{})
	tst.RequireNoError(t, err)

	readerReg := schema.NewRegistry()
	schema.MustRegister(readerReg, schema.TypeDef[narrowRow]{
		Name: "Row",
		Fields: []*schema.Field{
			schema.NewField("C", func(r *narrowRow) *int32 { return &r.C }),
			schema.NewField("A", func(r *narrowRow) *int32 { return &r.A }),
		},
	})
	reader, err := wire.New(readerReg, wire.Options{})
	tst.RequireNoError(t, err)

	w := writer.NewWriter()
	tst.RequireNoError(t, w.Write(&wideRow{A: 1, B: "skip me", C: 3}))
	tst.RequireNoError(t, w.Write(&wideRow{A: 4, B: "and me", C: 6}))
	data := w.Finish()

	rows, err := reader.ReadAll(data, nil)
	tst.RequireNoError(t, err)
	tst.RequireDeepEqual(t, rows, []any{&narrowRow{A: 1, C: 3}, &narrowRow{A: 4, C: 6}})
}

// TestUnknownWireNameBindsToExpected binds by field name when the wire type
// is unknown locally
func TestUnknownWireNameBindsToExpected(t *testing.T) {
	writerReg := schema.NewRegistry()
	schema.MustRegister(writerReg, schema.TypeDef[wideRow]{
		Name: "LegacyRow",
		Fields: []*schema.Field{
			schema.NewField("A", func(r *wideRow) *int32 { return &r.A }),
			schema.NewField("C", func(r *wideRow) *int32 { return &r.C }),
		},
	})
	writer, err := wire.New(writerReg, wire.Options{})
	tst.RequireNoError(t, err)
	data, err := writer.Marshal(&wideRow{A: 9, C: 10})
	tst.RequireNoError(t, err)

	readerReg := schema.NewRegistry()
	schema.MustRegister(readerReg, schema.TypeDef[narrowRow]{
		Name: "Row",
		Fields: []*schema.Field{
			schema.NewField("A", func(r *narrowRow) *int32 { return &r.A }),
			schema.NewField("C", func(r *narrowRow) *int32 { return &r.C }),
		},
	})
	reader, err := wire.New(readerReg, wire.Options{})
	tst.RequireNoError(t, err)

	got, err := wire.Decode[*narrowRow](reader, data)
	tst.RequireNoError(t, err)
	assert.Equal(t, narrowRow{A: 9, C: 10}, *got, "bound by name")

	_, err = reader.Unmarshal(data, nil)
	tst.AssertTrue(t, errors.Is(err, wire.ErrUnknownType), "expected ErrUnknownType without an expected type")
}

type shape interface{ Area() float64 }

type square struct{ Side float64 }
type circle struct{ R float64 }

func (s *square) Area() float64 { return s.Side * s.Side }
func (c *circle) Area() float64 { return 3 * c.R * c.R }

// TestMixedTypeArray writes per-item schemas so heterogeneous items survive
func TestMixedTypeArray(t *testing.T) {
	reg := schema.NewRegistry()
	schema.MustRegister(reg, schema.TypeDef[square]{
		Name:   "Square",
		Fields: []*schema.Field{schema.NewField("Side", func(s *square) *float64 { return &s.Side })},
	})
	schema.MustRegister(reg, schema.TypeDef[circle]{
		Name:   "Circle",
		Fields: []*schema.Field{schema.NewField("R", func(c *circle) *float64 { return &c.R })},
	})
	c, err := wire.New(reg, wire.Options{CacheSchemas: true})
	tst.RequireNoError(t, err)

	in := []shape{&square{Side: 2}, &circle{R: 1}, nil, &square{Side: 3}}
	data, err := c.Marshal(in)
	tst.RequireNoError(t, err)

	out, err := wire.Decode[[]shape](c, data)
	tst.RequireNoError(t, err)
	assert.Equal(t, in, out)
}

// TestWireTypeWins constructs the type named on the wire
func TestWireTypeWins(t *testing.T) {
	c := newCodec(t, wire.Options{})
	data, err := c.Marshal(&address{City: "Kyiv"})
	tst.RequireNoError(t, err)

	v, err := c.Unmarshal(data, reflect.TypeFor[any]())
	tst.RequireNoError(t, err)
	got, ok := v.(*address)
	tst.AssertTrue(t, ok, "expected *address")
	tst.AssertEqual(t, got.City, "Kyiv", "city")

	_, err = c.Unmarshal(data, reflect.TypeFor[*column]())
	tst.AssertTrue(t, errors.Is(err, wire.ErrTypeMismatch), "expected ErrTypeMismatch")
}

// TestNamedCollectionUpsert updates existing items by name
func TestNamedCollectionUpsert(t *testing.T) {
	c := newCodec(t, wire.Options{})
	src := &account{ID: 1, Columns: wire.NewNamedList(&column{Name: "id", Width: 16}, &column{Name: "extra", Width: 1})}
	data, err := c.Marshal(src)
	tst.RequireNoError(t, err)

	idCol := &column{Name: "id", Width: 8}
	dst := &account{Columns: wire.NewNamedList(idCol, &column{Name: "name", Width: 32})}
	tst.RequireNoError(t, c.UnmarshalInto(data, dst))

	tst.AssertEqual(t, dst.Columns.Len(), 3, "column count")
	got, _ := dst.Columns.Get("id")
	tst.AssertTrue(t, got == idCol, "id column updated in place")
	tst.AssertEqual(t, idCol.Width, int32(16), "width updated")
	_, ok := dst.Columns.Get("extra")
	tst.AssertTrue(t, ok, "extra column appended")
}

// TestEofInsideObjectTerminates treats a stream cut after an entry as the
// end of the object
func TestEofInsideObjectTerminates(t *testing.T) {
	c := newCodec(t, wire.Options{})
	data, err := c.Marshal(&address{City: "Lviv", Zip: "79000"})
	tst.RequireNoError(t, err)

	// Drop ObjectEnd and Eof, then cut after the first entry.
	body := data[:len(data)-2]
	idx := bytes.LastIndexByte(body, byte(wire.ObjectEntry))
	cut := append([]byte{}, body[:idx]...)
	cut = append(cut, byte(wire.Eof))

	v, err := c.Unmarshal(cut, nil)
	tst.RequireNoError(t, err)
	assert.Equal(t, address{City: "Lviv"}, *v.(*address), "partial object")

	_, err = c.Unmarshal(nil, nil)
	tst.AssertTrue(t, errors.Is(err, io.EOF), "empty stream is io.EOF")
}

func TestUnknownTokenIsCorruption(t *testing.T) {
	c := newCodec(t, wire.Options{})
	r := c.NewReader([]byte{byte(wire.Value) + 1})
	_, err := r.PeekToken()
	tst.AssertTrue(t, errors.Is(err, wire.ErrUnknownToken), "expected ErrUnknownToken")
	tst.AssertTrue(t, wire.IsProtocolError(err), "expected protocol error")

	data, err := c.Marshal(&address{City: "x"})
	tst.RequireNoError(t, err)
	data[len(data)-2] = 0x7f
	_, err = c.Unmarshal(data, nil)
	tst.AssertTrue(t, errors.Is(err, wire.ErrUnknownToken), "expected ErrUnknownToken inside object")
}

func TestTruncatedLeaf(t *testing.T) {
	c := newCodec(t, wire.Options{})
	data, err := c.Marshal(int64(42))
	tst.RequireNoError(t, err)
	_, err = c.Unmarshal(data[:5], nil)
	tst.AssertTrue(t, errors.Is(err, wire.ErrTruncated), "expected ErrTruncated")
}

func TestLeafNarrowing(t *testing.T) {
	c := newCodec(t, wire.Options{})
	data, err := c.Marshal(300)
	tst.RequireNoError(t, err)

	v, err := wire.Decode[int16](c, data)
	tst.RequireNoError(t, err)
	tst.AssertEqual(t, v, int16(300), "narrowed")

	_, err = wire.Decode[uint8](c, data)
	tst.AssertTrue(t, errors.Is(err, wire.ErrTypeMismatch), "expected overflow mismatch")
}

// TestSchemaRefReusesHeader emits entries once per stream when caching
func TestSchemaRefReusesHeader(t *testing.T) {
	plain := newCodec(t, wire.Options{})
	cached := newCodec(t, wire.Options{CacheSchemas: true})
	in := []*address{{City: "a"}, {City: "b"}, {City: "c"}}

	p, err := plain.Marshal(in)
	tst.RequireNoError(t, err)
	cd, err := cached.Marshal(in)
	tst.RequireNoError(t, err)
	tst.AssertTrue(t, len(cd) < len(p), "cached stream should be shorter")
	tst.AssertEqual(t, bytes.Count(cd, []byte{byte(wire.SchemaRef)}) >= 2, true, "schema refs present")

	// Plain readers understand cached streams.
	out, err := wire.Decode[[]*address](plain, cd)
	tst.RequireNoError(t, err)
	assert.Equal(t, in, out)
}

func TestDump(t *testing.T) {
	c := newCodec(t, wire.Options{})
	data, err := c.Marshal(&address{City: "Riga"})
	tst.RequireNoError(t, err)

	var out strings.Builder
	tst.RequireNoError(t, c.Dump(data, &out))
	text := out.String()
	for _, want := range []string{"SchemaBegin", `SchemaName "Address"`, `SchemaEntry 0 "City"`, `Value string Riga`, "ObjectEnd", "Eof"} {
		tst.AssertTrue(t, strings.Contains(text, want), "dump missing "+want)
	}
}
