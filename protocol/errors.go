package protocol

import "errors"

// Compile and parse errors. All of them are fatal at startup.
var (
	ErrBadDocument     = errors.New("malformed protocol document")
	ErrDuplicate       = errors.New("duplicate protocol")
	ErrMissingSpecial  = errors.New("missing required special name")
	ErrBadQuorum       = errors.New("malformed quorum expression")
	ErrUnknownVariable = errors.New("unknown quorum variable")
	ErrUnknownUpdate   = errors.New("unknown update mode")
	ErrUnknownProtocol = errors.New("unknown protocol")
)
