// Package engine holds the entity-local machinery that sits around the consensus
// core: the pending request pool, the delivery worker pool and the proposal batcher.
package engine
