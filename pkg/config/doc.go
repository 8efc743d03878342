/*
Package config implements the Config Surface: a single immutable snapshot
of runtime parameters assembled once at boot, in increasing order of
precedence — built-in defaults, an optional YAML file, MESHNODE_*
environment variables, then process flags:

	cfg, err := config.Load(configPath, config.Overrides{
		ListenPort: flagListenPort,
	})

Load validates every rule atomically: listen_port, max_peers and max_memory
are all checked regardless of whether an earlier one failed, and every
violation is returned together in a single ConfigInvalid error rather than
one-at-a-time. There is no live reload — a fresh Config is only ever built
at startup.
*/
package config
