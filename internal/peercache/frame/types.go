package frame

// Kind identifies what a frame carries. Zero is never valid.
type Kind uint8

const (
	KindUnknown Kind = 0
	// MaxKind is the highest kind a frame may carry.
	MaxKind Kind = 0x3f
)

const (
	HeaderSize   = 4                // Length of the frame length field
	KindSize     = 1                // Length of the frame kind field
	CRCSize      = 4                // Length of the CRC32 field
	MaxFrameSize = 16 * 1024 * 1024 // 16 MB
	// MaxDatagramPayload keeps a frame inside one UDP datagram.
	MaxDatagramPayload = 65507 - HeaderSize - KindSize - CRCSize
)

type Frame struct {
	Kind    Kind   `json:"kind"`
	Payload []byte `json:"payload"`
	CRC     uint32 `json:"crc"`
	// The length of the kind + payload (excluding CRC)
	Len uint32 `json:"len"`
}

type Framed struct {
	Frame  Frame `json:"frame"`
	Size   int64 `json:"size"`
	Offset int64 `json:"offset"`
}

// EncodedSize is the on-wire size of a frame carrying payloadLen bytes.
func EncodedSize(payloadLen int) int64 {
	return HeaderSize + KindSize + int64(payloadLen) + CRCSize
}
