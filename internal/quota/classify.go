// Package quota recognises upstream rate-limit failures and holds the queue
// while the shared credential cools down.
package quota

import "strings"

type Kind int

const (
	KindNone Kind = iota
	KindQuota
)

func (k Kind) String() string {
	if k == KindQuota {
		return "quota"
	}
	return "none"
}

// Signatures are matched case-insensitively anywhere in a line, in order.
var Signatures = []string{
	"429",
	"rate limit",
	"rate_limit",
	"quota",
	"resource exhausted",
	"resource_exhausted",
	"too many requests",
	"usage limit reached",
	"overloaded",
}

// Classify is a pure predicate over one line of process error output.
func Classify(line string) Kind {
	if line == "" {
		return KindNone
	}
	lower := strings.ToLower(line)
	for _, sig := range Signatures {
		if strings.Contains(lower, sig) {
			return KindQuota
		}
	}
	return KindNone
}

func Inspect(line string) bool { return Classify(line) == KindQuota }
