package errorutil

import (
	"fmt"
	"strings"
)

// Coordinates holds positional information (peer, table, journal segment,
// offset, sequence) used in error formatting across peercache packages.
type Coordinates struct {
	// Peer is the registry key of the remote instance involved.
	Peer *string

	// Table is the cache table involved.
	Table *string

	// SegId is the journal segment ID where the error occurred.
	SegId *uint64

	// Offset is the byte offset within a segment or message.
	Offset *int64

	// Seq is the journal sequence number involved.
	Seq *uint64
}

// FormatCoordinates returns the non-nil coordinates as
// "peer=P table=T seg=S at=O seq=N", or an empty string when all are nil.
func (c *Coordinates) FormatCoordinates() string {
	if c == nil {
		return ""
	}

	var parts []string
	if c.Peer != nil {
		parts = append(parts, "peer="+*c.Peer)
	}
	if c.Table != nil {
		parts = append(parts, "table="+*c.Table)
	}
	if c.SegId != nil {
		parts = append(parts, fmt.Sprintf("seg=%d", *c.SegId))
	}
	if c.Offset != nil {
		parts = append(parts, fmt.Sprintf("at=%d", *c.Offset))
	}
	if c.Seq != nil {
		parts = append(parts, fmt.Sprintf("seq=%d", *c.Seq))
	}
	return strings.Join(parts, " ")
}

// String implements the Stringer interface for Coordinates.
func (c *Coordinates) String() string {
	return c.FormatCoordinates()
}

// Ptr returns a pointer to v, for filling Coordinates inline.
func Ptr[T any](v T) *T { return &v }
