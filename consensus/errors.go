package consensus

import "errors"

var (
	ErrStopped        = errors.New("entity stopped")
	ErrBadSettings    = errors.New("invalid settings")
	ErrUnknownPlugin  = errors.New("unknown plugin")
	ErrDigestMismatch = errors.New("state digest mismatch")
	ErrNoSnapshot     = errors.New("no local snapshot for checkpoint")
	ErrNoLearner      = errors.New("learning enabled without a learner")
)
