package statestore

// NodeType distinguishes structural container nodes from value-holding leaves.
type NodeType string

const (
	NodeContainer NodeType = "container"
	NodeLeaf      NodeType = "leaf"
)

// ValueType describes the payload a leaf node holds.
type ValueType string

const (
	ValueString  ValueType = "string"
	ValueNumber  ValueType = "number"
	ValueBoolean ValueType = "boolean"
	ValueJSON    ValueType = "json"
)

// ObjectDef is the structural definition of a node: kind, display metadata
// and read/write flags. Definitions are owned by the mirroring engine and
// compared deep-equal by the suppression cache before every write.
type ObjectDef struct {
	Type      NodeType  `json:"type"`
	Name      string    `json:"name"`
	Icon      string    `json:"icon,omitempty"`
	Role      string    `json:"role,omitempty"`
	ValueType ValueType `json:"value_type,omitempty"`
	Read      bool      `json:"read"`
	Write     bool      `json:"write"`
}

// Value is a leaf payload. Ack distinguishes values written by the mirror
// itself (true) from externally initiated writes (false) that must be routed
// as outbound commands. Actor optionally names the principal that performed
// an external write.
type Value struct {
	Val   any    `json:"val"`
	Ack   bool   `json:"ack"`
	TS    int64  `json:"ts"`
	Actor string `json:"actor,omitempty"`
}

// NodeConfig is externally attached per-node configuration. It currently
// carries the text-command forwarding toggle for mirrored message leaves.
type NodeConfig struct {
	ForwardText bool `json:"forward_text"`
}

// ValueHandler observes leaf writes. Handlers run synchronously on the
// writer's goroutine; long work should be handed off to a queue.
type ValueHandler func(path string, v Value)

// NodeConfigHandler observes per-node config changes.
type NodeConfigHandler func(path string, c NodeConfig)
