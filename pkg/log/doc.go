/*
Package log provides structured logging for a mesh node using zerolog.

A single global Logger is initialized once via Init and every component
derives its own sub-logger from it with WithComponent rather than writing
to the global directly — this keeps log lines attributable to a component
without threading a logger through every function signature. SetNodeID
binds this node's id onto the global Logger once, at startup, so every
component logger built afterward inherits it; WithMessageID scopes a
logger further to a single mesh Message for call sites that log more than
once while handling it.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	routerLog := log.WithComponent("router")
	routerLog.Info().Str("message_id", id).Int("ttl", ttl).Msg("forwarding")

Console output (JSONOutput: false) is the default, including for
cmd/meshnoded unless --log-json is set; JSON output is one object per line,
always timestamped.
*/
package log
