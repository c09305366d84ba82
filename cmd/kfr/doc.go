// Command kfr keeps a directory tree in sync with a peer's copy.
//
// Usage:
//
//	kfr [-config FILE] serve
//	kfr [-config FILE] sync
//	kfr [-config FILE] ls [-deleted]
//	kfr [-config FILE] head [-peer URL] PATH...
//
// One side runs "serve",
// exposing its tree over HTTP at the configured listen address.
// The other runs "sync",
// which connects to the serving peer and copies changes in both directions.
// A change is a file created, modified, or deleted under root.
// When both sides change the same file,
// the later change wins.
//
// The config file is YAML.
// Any setting may also come from an environment variable,
// e.g. KFR_ROOT or KFR_PEER.
// A minimal config for the syncing side:
//
//	root: /home/me/tree
//	peer: http://server.example:8420
//	state_dir: /home/me/.cache/kfr
//
// The "ls" subcommand lists the records in the local store.
// The "head" subcommand prints the peer's records for the given paths.
package main
