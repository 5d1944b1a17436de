// Package protocol compiles declarative BFT protocol documents into one shared,
// read-only table of roles, phases, states, messages and transitions.
//
// Several protocols live side by side in the same index space. Names that are
// not special are prefixed with the owning protocol ("pbft_prepare"), while the
// special names below are interned once and shared:
//
//	states:   any, executed   (idle is reserved per protocol as <protocol>_idle)
//	messages: request, reply, checkpoint, fetch, report
//	roles:    client, nodes, primary
//
// Because every protocol of the pool is compiled up front, the state space of the
// next protocol already exists when an engine switches protocols at an episode
// boundary.
package protocol
