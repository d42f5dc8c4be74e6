package main

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"pawnsim-server/internal/sim"
)

// Envelope tags, both directions
const (
	MsgChat        = "ChatMessage"
	MsgUpdate      = "SimulationUpdate"
	MsgInstruction = "SimulationInstruction"
	MsgNoPayload   = "NoPayload"
	MsgError       = "Error" // server -> client only
)

// Error codes carried by MsgError
const (
	ErrCodeMalformed      = "malformed"
	ErrCodeNotImplemented = "not_implemented"
	ErrCodeQueueFull      = "queue_full"
	ErrCodeClosed         = "closed"
	ErrCodeUnauthorized   = "unauthorized"
)

// Envelope wraps all outgoing messages with a type field. Inbound frames use
// the same {"t","d"} shape; externally tagged objects and I-prefixed
// instruction frames are rejected as malformed.
type Envelope struct {
	T    string      `json:"t"`
	Data interface{} `json:"d,omitempty"`
}

// InEnvelope is used for incoming messages; json.RawMessage avoids double-unmarshal
type InEnvelope struct {
	T string          `json:"t"`
	D json.RawMessage `json:"d,omitempty"`
}

// Coordinates is a body position on the wire.
type Coordinates struct {
	X float64 `json:"x" msgpack:"x"`
	Y float64 `json:"y" msgpack:"y"`
	Z float64 `json:"z" msgpack:"z"`
}

// Orientation is a unit quaternion on the wire.
type Orientation struct {
	I float64 `json:"i" msgpack:"i"`
	J float64 `json:"j" msgpack:"j"`
	K float64 `json:"k" msgpack:"k"`
	W float64 `json:"w" msgpack:"w"`
}

// SpatialData is one body's pose.
type SpatialData struct {
	ID          int         `json:"id" msgpack:"id"`
	Coordinates Coordinates `json:"coordinates" msgpack:"coordinates"`
	Orientation Orientation `json:"orientation" msgpack:"orientation"`
}

// UpdateMsg is the wire form of a simulation update, shared by the
// websocket and gRPC bindings.
type UpdateMsg struct {
	Tick           uint64        `json:"tick" msgpack:"tick"`
	SpatialUpdates []SpatialData `json:"spatial_updates" msgpack:"spatial_updates"`
	Done           bool          `json:"done,omitempty" msgpack:"done,omitempty"`
}

// InstructionMsg carries one instruction tag.
type InstructionMsg struct {
	Tag string `json:"tag"`
}

// ChatMsg is relayed to every websocket client.
type ChatMsg struct {
	From string `json:"from,omitempty"`
	Text string `json:"text"`
}

// ErrorMsg reports a rejected request to the client
type ErrorMsg struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

// ToWire converts a published update into its wire form.
func ToWire(u sim.SimulationUpdate) UpdateMsg {
	msg := UpdateMsg{
		Tick:           u.Tick,
		SpatialUpdates: make([]SpatialData, 0, len(u.Snapshots)),
		Done:           u.Terminal,
	}
	for _, s := range u.Snapshots {
		msg.SpatialUpdates = append(msg.SpatialUpdates, SpatialData{
			ID:          int(s.ID),
			Coordinates: Coordinates{X: s.Position.X(), Y: s.Position.Y(), Z: s.Position.Z()},
			Orientation: Orientation{I: s.Orientation.V.X(), J: s.Orientation.V.Y(), K: s.Orientation.V.Z(), W: s.Orientation.W},
		})
	}
	return msg
}

//go:embed schemas/envelope.schema.json
var envelopeSchemaJSON []byte

var envelopeSchema = mustCompileSchema("mem://schemas/envelope.schema.json", envelopeSchemaJSON)

func mustCompileSchema(url string, raw []byte) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		panic(fmt.Sprintf("schema %s: %v", url, err))
	}
	return c.MustCompile(url)
}

// DecodeInbound validates a client message against the envelope schema
// and splits it into tag and payload. Every failure wraps
// sim.ErrMalformedInstruction.
func DecodeInbound(raw []byte) (InEnvelope, error) {
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return InEnvelope{}, fmt.Errorf("%w: %v", sim.ErrMalformedInstruction, err)
	}
	if err := envelopeSchema.Validate(doc); err != nil {
		return InEnvelope{}, fmt.Errorf("%w: %v", sim.ErrMalformedInstruction, err)
	}
	var env InEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return InEnvelope{}, fmt.Errorf("%w: %v", sim.ErrMalformedInstruction, err)
	}
	return env, nil
}

// DecodeInstruction extracts the instruction from a SimulationInstruction
// payload.
func DecodeInstruction(d json.RawMessage) (sim.Instruction, error) {
	var msg InstructionMsg
	if err := json.Unmarshal(d, &msg); err != nil {
		return 0, fmt.Errorf("%w: %v", sim.ErrMalformedInstruction, err)
	}
	return sim.ParseInstruction(msg.Tag)
}
