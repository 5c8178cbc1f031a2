package cache

import (
	"sync"
	"testing"

	tst "github.com/julianstephens/go-utils/tests"
)

// TestMemtableApplyIsAllOrNothing rejects a batch holding one bad op
func TestMemtableApplyIsAllOrNothing(t *testing.T) {
	tbl := newMemtable()
	err := tbl.apply([]op{
		{kind: opPut, key: rowKey("t", "a"), value: []byte("1")},
		{kind: opPut, key: "", value: []byte("2")},
	})
	tst.AssertTrue(t, err == ErrNilKey, "expected ErrNilKey")
	tst.AssertEqual(t, len(tbl.snapshot()), 0)
}

// TestMemtableTombstoneHidesRow keeps the tombstone visible to lookup only
func TestMemtableTombstoneHidesRow(t *testing.T) {
	tbl := newMemtable()
	k := rowKey("t", "a")
	tst.RequireNoError(t, tbl.apply([]op{{kind: opPut, key: k, value: []byte("v"), stamp: 1}}))
	tst.RequireNoError(t, tbl.apply([]op{{kind: opDelete, key: k, stamp: 2}}))

	_, ok := tbl.get(k)
	tst.AssertFalse(t, ok, "deleted row hidden")
	e, ok := tbl.lookup(k)
	tst.AssertTrue(t, ok, "tombstone kept")
	tst.AssertTrue(t, e.Tombstone, "tombstone flag")
	tst.AssertEqual(t, e.Stamp, int64(2))
	tst.AssertEqual(t, tbl.len("t"), 0)
}

// TestMemtableCopiesValues keeps caller buffers out of the table
func TestMemtableCopiesValues(t *testing.T) {
	tbl := newMemtable()
	buf := []byte("orig")
	k := rowKey("t", "a")
	tst.RequireNoError(t, tbl.apply([]op{{kind: opPut, key: k, value: buf}}))
	buf[0] = 'X'
	v, _ := tbl.get(k)
	tst.AssertEqual(t, string(v), "orig")
}

// TestMemtableKeysAreScopedByTable lists only the named table, sorted
func TestMemtableKeysAreScopedByTable(t *testing.T) {
	tbl := newMemtable()
	tst.RequireNoError(t, tbl.apply([]op{
		{kind: opPut, key: rowKey("people", "int\x002"), value: []byte{1}},
		{kind: opPut, key: rowKey("people", "int\x001"), value: []byte{1}},
		{kind: opPut, key: rowKey("peoplex", "int\x001"), value: []byte{1}},
	}))
	keys := tbl.keys("people")
	tst.RequireDeepEqual(t, keys, []string{rowKey("people", "int\x001"), rowKey("people", "int\x002")})
	table, ident := splitKey(keys[0])
	tst.AssertEqual(t, table, "people")
	tst.AssertEqual(t, loadedIdent(storedIdent(ident)), ident)
}

// TestMemtableConcurrentApply applies from many goroutines without loss
func TestMemtableConcurrentApply(t *testing.T) {
	tbl := newMemtable()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = tbl.apply([]op{{kind: opPut, key: rowKey("t", string(rune('a'+i))), value: []byte{byte(i)}}})
		}(i)
	}
	wg.Wait()
	tst.AssertEqual(t, tbl.len("t"), 32)
}
