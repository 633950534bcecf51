package protocol

import "encoding/json"

// Message types on the orchestrator <-> control plane WebSocket.
const (
	WireStart = "START"
	WireChunk = "CHUNK"
	WireEnd   = "END"
	WireError = "ERROR"
)

// WireMessage is one frame of the streaming sub-protocol: the orchestrator
// sends START/CHUNK/END, the control plane replies CHUNK/END/ERROR. Seq on
// a CHUNK identifies the chunk within its stream, starting at 1; the
// control plane echoes it on the reply so a late reply to a chunk that
// already timed out can be told apart from the reply to the current one.
// Zero means untagged.
type WireMessage struct {
	Type  string          `json:"type"`
	Seq   int64           `json:"seq,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// NewWireChunk wraps a chunk in a CHUNK frame.
func NewWireChunk(c *Chunk) (*WireMessage, error) {
	data, err := c.Marshal()
	if err != nil {
		return nil, err
	}
	return &WireMessage{Type: WireChunk, Data: data}, nil
}

// EncodeWire renders a frame for the socket.
func EncodeWire(m *WireMessage) ([]byte, error) {
	return json.Marshal(m)
}

// DecodeWire parses a frame off the socket.
func DecodeWire(raw []byte) (*WireMessage, error) {
	var m WireMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
