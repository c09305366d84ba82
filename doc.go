// Package kfr keeps two replicas of a file tree convergent.
//
// Each file's state is summarized by a record,
// or _kfr_:
// its path,
// the time of its last change,
// its size,
// and a hash of its content.
// A deleted file is represented by a tombstone record
// with size -1 and hash 0.
//
// Replicas exchange records and apply them under a last-writer-wins rule
// (see CanReplace):
// a record replaces the one a replica already holds
// only if it is at least as new
// and describes different content.
// Content-equality suppresses redundant replays,
// which is what makes repeated and echoed deliveries harmless.
//
// Content travels as a FatKfr,
// a record bound to bytes on disk.
// Files too large to send in one request are sliced into an ordered sequence of ThinKfr chunks
// and merged back together on the far side,
// where the reconstructed size and hash are checked against the record
// before the result is accepted.
//
// Each replica is presented as a Model
// (see the local and remote subpackages).
// A Synchronizer
// (in the syncer subpackage)
// drains one Model's changes and replicates them into the other;
// two of them,
// one per direction,
// make a full bidirectional sync.
package kfr
