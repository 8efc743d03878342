/*
Package types defines the shared data model for a meshnode: node identity,
peer records, tasks, statuses, results, and the routable message envelope
that travels hop-by-hop across the mesh.

These are plain data types. None of them own their own mutation rules —
each type's doc comment says which component is the single writer, and
every other component treats it as a read-only view.

# Core Types

Identity & peers:
  - NodeIdentity: the long-lived Ed25519 keypair and derived node_id
  - PeerRecord: a known peer's address, capabilities, health and session state
  - PeerHealth: ALIVE, SLOW, or DEAD, maintained by the Heartbeat Monitor

Tasks & results:
  - Task: a unit of inference work submitted to the mesh
  - TaskStatus / TaskStatusKind: the Status Tracker's point-in-time view
  - ResultRecord: the Result Store's terminal, time-indexed record
  - TaskSummary: the stable ordering Control Plane's list_tasks returns

Routing:
  - Message: the signed envelope the Router forwards hop-by-hop
  - MessageKind: the wire-level kinds enumerated in spec.md

Status & discovery:
  - NodeStatus: the aggregate snapshot assembled on demand for the
    Control Plane's NodeStatus RPC and node_status.json
  - JoinAdvertisement: the wire form of a Discovery broadcast record

# Usage

Submitting a task:

	task := types.Task{
		TaskID:       uuid.New().String(),
		Kind:         "classify",
		Input:        payload,
		Priority:     0,
		Timeout:      types.DefaultTimeout,
		OriginNodeID: nodeID,
		SubmitTime:   time.Now(),
		TTLHops:      types.DefaultTTLHops,
	}

Recording a result:

	result := types.ResultRecord{
		TaskID:            task.TaskID,
		ExecutingNodeID:   nodeID,
		Status:            types.TaskCompleted,
		Output:            output,
		ExecutionDuration: elapsed,
		CompletedAt:       time.Now(),
		ExpiresAt:         time.Now().Add(types.DefaultResultTTL),
	}

# Ownership

Single-writer discipline (spec.md §5) means each mutable type has exactly
one owning component:

  - NodeIdentity: pkg/identity, written once at first boot
  - PeerRecord: pkg/peer, the only component that mutates peer state
  - PeerRecord.Health: set by pkg/peer on behalf of pkg/heartbeat's evaluation
  - TaskStatus: pkg/status
  - ResultRecord: pkg/results

Everything else (pkg/router, pkg/control, pkg/discovery) reads these types
without mutating them.

# Thread Safety

Types in this package carry no internal locking. Concurrent access is
safe for reads; writes are serialized by the owning component, not by
these structs themselves.
*/
package types
