package data

import "sort"

// Operation is the action a request applies to one record of the service.
type Operation int

const (
	OpAdd Operation = iota
	OpSub
	OpInc
	OpDec
	OpReadOnly
)

var operationNames = []string{"add", "sub", "inc", "dec", "read-only"}

func (o Operation) String() string {
	if o < 0 || int(o) >= len(operationNames) {
		return "unknown"
	}
	return operationNames[o]
}

// Request is one client operation. Payload is opaque filler and never part of a digest.
type Request struct {
	Num       int64     `json:"num"`
	Client    int       `json:"client"`
	Record    int       `json:"record"`
	Op        Operation `json:"op"`
	Value     int64     `json:"value"`
	ReplySize int       `json:"reply_size,omitempty"`
	Timestamp int64     `json:"timestamp"`
	Payload   []byte    `json:"payload,omitempty"`
	// Reports rides on the first request of a block at the sequences where
	// nodes exchange episode reports.
	Reports []Report `json:"reports,omitempty"`
}

// RequestNums returns the request numbers of a block in block order.
func RequestNums(block []Request) []int64 {
	if len(block) == 0 {
		return nil
	}
	nums := make([]int64, len(block))
	for i := range block {
		nums[i] = block[i].Num
	}
	return nums
}

// Clients returns the distinct clients of a block, ascending.
func Clients(block []Request) []int {
	seen := make(map[int]struct{}, len(block))
	out := make([]int, 0, len(block))
	for i := range block {
		if _, ok := seen[block[i].Client]; ok {
			continue
		}
		seen[block[i].Client] = struct{}{}
		out = append(out, block[i].Client)
	}
	sort.Ints(out)
	return out
}
