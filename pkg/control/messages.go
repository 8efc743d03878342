package control

import (
	"time"

	"github.com/meshcore/meshnode/pkg/types"
)

// Request/response structs for the seven operations of spec §4.C13. These
// are carried over jsonCodec instead of generated protobuf stubs; field
// names double as the wire JSON keys.

type SubmitTaskRequest struct {
	Kind     string        `json:"kind"`
	Input    []byte        `json:"input"`
	Priority int           `json:"priority"`
	Timeout  time.Duration `json:"timeout"`
}

type SubmitTaskResponse struct {
	TaskID string `json:"task_id"`
}

type TaskStatusRequest struct {
	TaskID string `json:"task_id"`
}

type TaskStatusResponse struct {
	Status types.TaskStatus `json:"status"`
}

type TaskResultRequest struct {
	TaskID string `json:"task_id"`
}

type TaskResultResponse struct {
	Result types.ResultRecord `json:"result"`
}

type ListTasksRequest struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

type ListTasksResponse struct {
	Tasks []types.TaskSummary `json:"tasks"`
}

type ListPeersRequest struct{}

type ListPeersResponse struct {
	Peers []types.PeerRecord `json:"peers"`
}

type NodeStatusRequest struct{}

type NodeStatusResponse struct {
	Status types.NodeStatus `json:"status"`
}

type StopRequest struct{}

type StopResponse struct{}
