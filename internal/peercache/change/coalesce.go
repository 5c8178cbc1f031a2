package change

import (
	"slices"
	"strings"
)

// Coalesce reduces records to one terminal record per (table, identity) and
// sorts the result by table, identity and command.
//
// For each item, with its records in capture order:
//   - if the last record is a Delete, the result is that Delete;
//   - otherwise, if an Insert follows the last Delete (or there was no
//     Delete and an Insert was captured), the result is an Insert carrying
//     the last payload;
//   - otherwise the result is an Update carrying the last payload and the
//     union of the touched fields, or all fields when any Update named none.
//
// Identities are ordered by an IdentityComparer built from the batch.
func Coalesce(records []Record) []Record {
	if len(records) == 0 {
		return nil
	}
	type group struct {
		recs []Record
	}
	groups := make(map[string]*group)
	order := make([]string, 0, len(records))
	ids := make([]any, 0, len(records))
	for _, r := range records {
		k := r.Table + "\x00" + identityKey(r.Identity)
		g, ok := groups[k]
		if !ok {
			g = &group{}
			groups[k] = g
			order = append(order, k)
		}
		g.recs = append(g.recs, r)
		ids = append(ids, r.Identity)
	}

	out := make([]Record, 0, len(order))
	for _, k := range order {
		out = append(out, terminal(groups[k].recs))
	}
	slices.SortStableFunc(out, RecordOrder(NewIdentityComparer(ids...)).Compare)
	return out
}

// RecordOrder orders records by table, then identity, then command.
func RecordOrder(ids Comparer[any]) Comparer[Record] {
	return Then(
		By(func(r Record) string { return r.Table }, ComparerFunc[string](strings.Compare)),
		By(func(r Record) any { return r.Identity }, ids),
		By(func(r Record) Command { return r.Command }, Natural[Command]()),
	)
}

func terminal(recs []Record) Record {
	last := recs[len(recs)-1]
	if last.Command == Delete {
		last.Fields = nil
		return last
	}

	tail := recs
	for i := len(recs) - 1; i >= 0; i-- {
		if recs[i].Command == Delete {
			tail = recs[i+1:]
			break
		}
	}

	out := last
	if slices.ContainsFunc(tail, func(r Record) bool { return r.Command == Insert }) {
		out.Command = Insert
		out.Fields = nil
		return out
	}

	out.Command = Update
	out.Fields = mergeFields(tail)
	return out
}

func mergeFields(recs []Record) []string {
	seen := make(map[string]struct{})
	var fields []string
	for _, r := range recs {
		if len(r.Fields) == 0 {
			return nil
		}
		for _, f := range r.Fields {
			if _, ok := seen[f]; ok {
				continue
			}
			seen[f] = struct{}{}
			fields = append(fields, f)
		}
	}
	return fields
}
