package cluster

import (
	"strings"

	"github.com/lib/pq"
)

// toOptionString converts any accepted connect-string form into libpq's
// space-separated "key=value" option string, delegating URL parsing to
// github.com/lib/pq (the same conversion its own sql.Open("postgres", ...)
// path performs).
func toOptionString(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "postgres://") || strings.HasPrefix(trimmed, "postgresql://") {
		return pq.ParseURL(trimmed)
	}
	return trimmed, nil
}
