// Package data defines the values exchanged between entities: client requests,
// the message envelope, content digests, and the columnar snapshot format used to
// ship service state during checkpoint state transfer.
package data
