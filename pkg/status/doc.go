/*
Package status implements the Status Tracker, the single authoritative
owner of every task_id's TaskStatus. The state machine is:

	QUEUED --dispatched--> RUNNING --success--> COMPLETED (terminal)
	                              |--failure--> FAILED     (terminal)
	                              '--expiry---> TIMEOUT    (terminal)

No transition is ever accepted out of a terminal state — Tracker.transition
enforces this under its own lock so concurrent writers from different
workers can never race a task back to life. Every transition publishes a
TaskStatusChanged event so the Control Plane can serve long polls without
busy-waiting on the Worker Pool.
*/
package status
