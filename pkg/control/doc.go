/*
Package control implements the Control Plane: submit_task, task_status,
task_result, list_tasks, list_peers, node_status and stop, exposed as a
gRPC service whose wire messages travel over a hand-registered JSON codec
(codec.go) and a hand-authored grpc.ServiceDesc (service.go) instead of
protoc-generated stubs. Server (server.go) also runs the periodic
node_status.json snapshot loop through the Persistence Port.
*/
package control
