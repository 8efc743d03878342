// Package types holds the shared data model for the mesh: node identity,
// peer records, tasks, statuses, results and the routable message envelope.
// Types here are plain data — ownership and mutation rules live with the
// packages that hold them (see each package's doc comment).
package types

import "time"

// NodeIdentity is the long-lived cryptographic identity of a node.
// Immutable after first write: see pkg/identity for load/create semantics.
type NodeIdentity struct {
	Version    int       `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	PublicKey  []byte    `json:"public_key"`  // 32 bytes, Ed25519
	PrivateKey []byte    `json:"private_key"` // 32 bytes, Ed25519 seed (expand with ed25519.NewKeyFromSeed)
	NodeID     string    `json:"node_id"`     // 32 lowercase hex chars, derived from PublicKey
}

// PeerHealth is the three-state liveness model maintained by the Heartbeat
// Monitor and written exclusively by the Peer Manager.
type PeerHealth string

const (
	PeerAlive PeerHealth = "ALIVE"
	PeerSlow  PeerHealth = "SLOW"
	PeerDead  PeerHealth = "DEAD"
)

// PeerRecord describes a peer known to this node. Mutable, owned by the
// Peer Manager; other components observe it through a read-only view.
type PeerRecord struct {
	PeerID         string
	Addresses      []string
	Version        string
	Capabilities   []string
	LastSeen       time.Time
	Health         PeerHealth
	Reputation     int
	HasSession     bool // session handle present iff health is ALIVE or SLOW
	ConnectedSince time.Time
}

// TaskStatusKind is the tagged status value of a Task.
type TaskStatusKind string

const (
	TaskQueued    TaskStatusKind = "QUEUED"
	TaskRunning   TaskStatusKind = "RUNNING"
	TaskCompleted TaskStatusKind = "COMPLETED"
	TaskFailed    TaskStatusKind = "FAILED"
	TaskTimeout   TaskStatusKind = "TIMEOUT"
)

// Terminal reports whether k is one of the terminal states: no transition
// is ever valid out of a terminal state.
func (k TaskStatusKind) Terminal() bool {
	switch k {
	case TaskCompleted, TaskFailed, TaskTimeout:
		return true
	default:
		return false
	}
}

// TaskStatus is a point-in-time status observation for a task.
type TaskStatus struct {
	TaskID          string
	Kind            TaskStatusKind
	ProgressPercent int
	ErrorKind       string
	ErrorDetail     string
	UpdatedAt       time.Time
}

// Task is a unit of inference work submitted to the mesh.
type Task struct {
	TaskID       string
	Kind         string
	Input        []byte
	Priority     int
	Timeout      time.Duration
	OriginNodeID string
	SubmitTime   time.Time
	TTLHops      int
	RetryCount   int
}

// DefaultTimeout, DefaultTTLHops and MaxRetryCount mirror spec.md §3's
// per-task defaults.
const (
	DefaultTimeout = 30 * time.Second
	DefaultTTLHops = 10
	MaxRetryCount  = 3
)

// ResultRecord is the terminal, time-indexed record of a finished task.
// Owned exclusively by the Result Store.
type ResultRecord struct {
	TaskID            string
	ExecutingNodeID   string
	Kind              string
	Status            TaskStatusKind // terminal only
	Output            []byte
	ExecutionDuration time.Duration
	CompletedAt       time.Time
	ExpiresAt         time.Time
}

// DefaultResultTTL is the default ResultRecord.ExpiresAt offset from
// CompletedAt; DefaultMaxStoredResults the cardinality cap (spec §3).
const (
	DefaultResultTTL        = 24 * time.Hour
	DefaultMaxStoredResults = 10000
)

// MessageKind enumerates the routable envelope kinds of spec §3.
type MessageKind string

const (
	MsgTaskDispatch       MessageKind = "TASK_DISPATCH"
	MsgTaskResult         MessageKind = "TASK_RESULT"
	MsgHeartbeat          MessageKind = "HEARTBEAT"
	MsgHeartbeatAck       MessageKind = "HEARTBEAT_ACK"
	MsgPeerQuery          MessageKind = "PEER_QUERY"
	MsgPeerResponse       MessageKind = "PEER_RESPONSE"
	MsgCapabilityAnnounce MessageKind = "CAPABILITY_ANNOUNCE"
	MsgGoodbye            MessageKind = "GOODBYE"
)

// Message is the routable, signed envelope that travels hop-by-hop through
// the mesh. See pkg/wire for on-the-wire framing and signing.
type Message struct {
	MessageID   string
	SenderID    string
	RecipientID string
	TTL         int
	Kind        MessageKind
	Payload     []byte
	Timestamp   time.Time
	Signature   []byte
}

// NodeStatus is the aggregate snapshot published by the Control Plane
// (node_status.json and the NodeStatus RPC). Not owned by any single component;
// assembled on demand from the others.
type NodeStatus struct {
	NodeID         string    `json:"node_id"`
	LifecycleState string    `json:"lifecycle_state"`
	Version        string    `json:"version"`
	UptimeSeconds  float64   `json:"uptime_seconds"`
	PeerCount      int       `json:"peer_count"`
	MemoryBytes    uint64    `json:"memory_bytes"`
	Goroutines     int       `json:"goroutines"`
	Submitted      uint64    `json:"submitted"`
	Completed      uint64    `json:"completed"`
	Failed         uint64    `json:"failed"`
	TimedOut       uint64    `json:"timed_out"`
	GeneratedAt    time.Time `json:"generated_at"`
}

// TaskSummary is the stable, ordered-by-submit-time-desc view returned by
// Control Plane's list_tasks operation.
type TaskSummary struct {
	TaskID     string
	Kind       string
	Status     TaskStatusKind
	SubmitTime time.Time
}

// JoinAdvertisement is the wire form of a Discovery record (spec §6).
type JoinAdvertisement struct {
	NodeID        string
	ListenAddress string
	Version       string
	Capacity      int
	AdvertisedAt  time.Time
}
