// Package network moves engine messages between members.
//
// This package implements:
//   - Transport: the contract the consensus core sends through
//   - Bus: in-process delivery for clusters hosted by one process
//   - ZmqTransport: ZeroMQ ROUTER/DEALER transport between processes
//   - Encode/Decode: length-prefixed JSON frames
//   - SeenCache: replay suppression for inbound frames
package network
