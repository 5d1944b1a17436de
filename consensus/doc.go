// Package consensus interprets compiled protocol tables.
//
// An Entity (a Node or a Client) runs one sequence driver per sequence number,
// tallies messages into per-checkpoint groups, arms adaptive timeouts and commits
// decided sequences strictly in order on a single executor goroutine. Roles,
// pipelines, message and transition plugins are looked up by name in a Registry
// when an entity is built.
package consensus
