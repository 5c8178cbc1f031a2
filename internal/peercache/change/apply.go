package change

import "context"

// Applier materializes inbound records in the local cache. A failing record
// is skipped and reported in err while the rest of the batch is applied;
// applied lists the records that took effect or were already in effect.
type Applier interface {
	ApplyBatch(ctx context.Context, origin string, recs []Record) (applied []Record, err error)
}

// ApplierFunc adapts a function to Applier.
type ApplierFunc func(ctx context.Context, origin string, recs []Record) ([]Record, error)

func (f ApplierFunc) ApplyBatch(ctx context.Context, origin string, recs []Record) ([]Record, error) {
	return f(ctx, origin, recs)
}
