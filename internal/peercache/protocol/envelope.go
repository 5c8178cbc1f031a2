package protocol

import (
	"errors"
	"fmt"
	"io"

	"github.com/oklog/ulid/v2"

	"github.com/julianstephens/peercache/internal/peercache/change"
	"github.com/julianstephens/peercache/internal/peercache/frame"
	"github.com/julianstephens/peercache/internal/peercache/schema"
	"github.com/julianstephens/peercache/internal/peercache/wire"
)

// SyncCursor drives one table of a full-table diff. Since is the
// responder's change version the requester already holds. In a request
// Digest is the requester's table digest; a response sets Until to the
// highest version it returned and Digest to its own table digest.
type SyncCursor struct {
	Schema string
	Table  string
	Since  int64
	Until  int64
	Digest []byte
}

// Envelope is one protocol message.
type Envelope struct {
	// Kind travels in the frame header, not in the payload.
	Kind Kind
	// Sender is the datagram endpoint of the sending instance.
	Sender string
	// Stream is the sender's connection-oriented endpoint, if it has one.
	Stream     string
	InstanceID string
	Batch      ulid.ULID
	Seq        uint64
	Records    []change.Record
	Cursors    []SyncCursor
}

func (e *Envelope) String() string {
	return fmt.Sprintf("%s from %s batch=%s records=%d", e.Kind, e.Sender, e.Batch, len(e.Records))
}

const namespace = "peercache"

// Register adds the envelope types, including change.Record, to reg.
func Register(reg *schema.Registry) error {
	if _, err := change.Register(reg); err != nil {
		return err
	}
	if _, err := schema.Register(reg, schema.TypeDef[SyncCursor]{
		Name:      "SyncCursor",
		Namespace: namespace,
		Fields: []*schema.Field{
			schema.NewField("Schema", func(c *SyncCursor) *string { return &c.Schema }),
			schema.NewField("Table", func(c *SyncCursor) *string { return &c.Table }),
			schema.NewField("Since", func(c *SyncCursor) *int64 { return &c.Since }),
			schema.NewField("Until", func(c *SyncCursor) *int64 { return &c.Until }),
			schema.NewField("Digest", func(c *SyncCursor) *[]byte { return &c.Digest }),
		},
	}); err != nil {
		return err
	}
	_, err := schema.Register(reg, schema.TypeDef[Envelope]{
		Name:      "Envelope",
		Namespace: namespace,
		Fields: []*schema.Field{
			schema.NewField("Sender", func(e *Envelope) *string { return &e.Sender }),
			schema.NewField("Stream", func(e *Envelope) *string { return &e.Stream }),
			schema.NewField("InstanceID", func(e *Envelope) *string { return &e.InstanceID }),
			schema.NewField("Batch", func(e *Envelope) *ulid.ULID { return &e.Batch }),
			schema.NewField("Seq", func(e *Envelope) *uint64 { return &e.Seq }),
			schema.NewField("Records", func(e *Envelope) *[]change.Record { return &e.Records }),
			schema.NewField("Cursors", func(e *Envelope) *[]SyncCursor { return &e.Cursors }),
		},
	})
	return err
}

// Marshal frames env for the wire.
func Marshal(c *wire.Codec, env *Envelope) ([]byte, error) {
	if !env.Kind.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, env.Kind)
	}
	payload, err := c.Marshal(env)
	if err != nil {
		return nil, err
	}
	return frame.EncodeFrame(env.Kind.frameKind(), payload)
}

// MarshalDatagram is Marshal bounded to one UDP datagram.
func MarshalDatagram(c *wire.Codec, env *Envelope) ([]byte, error) {
	data, err := Marshal(c, env)
	if err != nil {
		return nil, err
	}
	if len(data)-int(frame.EncodedSize(0)) > frame.MaxDatagramPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	return data, nil
}

// Unmarshal decodes one framed envelope, as received in a datagram.
func Unmarshal(c *wire.Codec, data []byte) (*Envelope, error) {
	f, err := frame.DecodeFrame(data)
	if err != nil {
		return nil, err
	}
	return FromFrame(c, f.Frame)
}

// FromFrame decodes the envelope carried by an already parsed frame.
func FromFrame(c *wire.Codec, f frame.Frame) (*Envelope, error) {
	kind := Kind(f.Kind)
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, f.Kind)
	}
	env, err := wire.Decode[*Envelope](c, f.Payload)
	if err == io.EOF {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, err
	}
	if env == nil {
		return nil, ErrEmpty
	}
	env.Kind = kind
	return env, nil
}

// Write frames env onto a stream.
func Write(w io.Writer, c *wire.Codec, env *Envelope) error {
	data, err := Marshal(c, env)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// Read reads the next envelope from a framed stream. Protocol errors leave
// the reader positioned after the bad frame, so the caller may continue.
func Read(fr *frame.Reader, c *wire.Codec) (*Envelope, error) {
	f, err := fr.Next()
	if err != nil {
		return nil, err
	}
	return FromFrame(c, f.Frame)
}

// IsProtocolError reports whether err spoils one message but leaves the
// channel usable: the frame was consumed whole and the next one can be read.
func IsProtocolError(err error) bool {
	if err == nil {
		return false
	}
	return wire.IsProtocolError(err) ||
		errors.Is(err, ErrUnknownKind) ||
		errors.Is(err, ErrEmpty) ||
		errors.Is(err, frame.ErrChecksumMismatch) ||
		errors.Is(err, frame.ErrInvalidKind)
}
