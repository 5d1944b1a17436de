package data

import (
	"encoding/binary"
	"math"
	"sort"
)

// Report is what one node says about an episode while the protocol of the next
// episode is being agreed on. A report carries either measured features or,
// once the learner answered, a vote.
type Report struct {
	Episode  int64              `json:"episode"`
	Source   int                `json:"source"`
	Features map[string]float64 `json:"features,omitempty"`
	Vote     string             `json:"vote,omitempty"`
}

// IsVote reports whether r carries a vote rather than features.
func (r *Report) IsVote() bool { return r.Vote != "" }

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

// appendReport writes the canonical encoding of r, features by sorted name.
func appendReport(buf []byte, r *Report) []byte {
	buf = binary.BigEndian.AppendUint64(buf, uint64(r.Episode))
	buf = binary.BigEndian.AppendUint64(buf, uint64(int64(r.Source)))
	names := make([]string, 0, len(r.Features))
	for k := range r.Features {
		names = append(names, k)
	}
	sort.Strings(names)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(names)))
	for _, k := range names {
		buf = appendString(buf, k)
		buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(r.Features[k]))
	}
	return appendString(buf, r.Vote)
}
