package protocol

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// DefaultQuorumVariable is used when an expression names no variable, as in "2+1".
const DefaultQuorumVariable = "f"

var quorumPattern = regexp.MustCompile(`^(\d*)(\D*)([+-](\d*))?$`)

// Quorum is a symbolic threshold of the form multiplier*variable±constant.
// It stays symbolic until Resolve so the same document adapts to any fault count.
type Quorum struct {
	Expr       string
	Literal    bool
	Multiplier int
	Variable   string
	Constant   int
}

// ParseQuorum parses expressions such as "1", "f", "2f+1", "3f-1" or "f + 1".
func ParseQuorum(expr string) (Quorum, error) {
	clean := strings.ReplaceAll(expr, " ", "")
	if clean == "" {
		return Quorum{}, fmt.Errorf("%w: empty expression", ErrBadQuorum)
	}

	m := quorumPattern.FindStringSubmatch(clean)
	if m == nil {
		return Quorum{}, fmt.Errorf("%w: %q", ErrBadQuorum, expr)
	}

	q := Quorum{Expr: clean, Multiplier: 1, Variable: DefaultQuorumVariable}

	// Pure number.
	if m[2] == "" && m[3] == "" {
		v, err := strconv.Atoi(m[1])
		if err != nil {
			return Quorum{}, fmt.Errorf("%w: %q: %v", ErrBadQuorum, expr, err)
		}
		q.Literal = true
		q.Multiplier = 0
		q.Variable = ""
		q.Constant = v
		return q, nil
	}

	if m[1] != "" {
		v, err := strconv.Atoi(m[1])
		if err != nil {
			return Quorum{}, fmt.Errorf("%w: %q: %v", ErrBadQuorum, expr, err)
		}
		q.Multiplier = v
	}

	if m[2] != "" {
		if !validVariable(m[2]) {
			return Quorum{}, fmt.Errorf("%w: bad variable %q in %q", ErrBadQuorum, m[2], expr)
		}
		q.Variable = m[2]
	}

	if m[3] != "" {
		if m[4] == "" {
			return Quorum{}, fmt.Errorf("%w: dangling sign in %q", ErrBadQuorum, expr)
		}
		v, err := strconv.Atoi(m[4])
		if err != nil {
			return Quorum{}, fmt.Errorf("%w: %q: %v", ErrBadQuorum, expr, err)
		}
		if strings.HasPrefix(m[3], "-") {
			v = -v
		}
		q.Constant = v
	}

	return q, nil
}

func validVariable(s string) bool {
	for _, r := range s {
		if !(r == '_' || r == '-' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')) {
			return false
		}
	}
	// A trailing '-' belongs to the sign group and never to the name.
	return !strings.HasSuffix(s, "-")
}

// Resolve evaluates the threshold. lookup returns the named integer value.
func (q Quorum) Resolve(lookup func(name string) (int, bool)) (int, error) {
	if q.Literal {
		return q.Constant, nil
	}
	v, ok := lookup(q.Variable)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownVariable, q.Variable)
	}
	return q.Multiplier*v + q.Constant, nil
}

func (q Quorum) String() string {
	return q.Expr
}
