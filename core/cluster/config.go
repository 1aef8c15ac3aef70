package cluster

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// DefaultUserMode selects which principal identity keys user-mapping
// lookup and the connection cache (spec.md §6 "default_user").
type DefaultUserMode string

const (
	CurrentUser DefaultUserMode = "current_user"
	SessionUser DefaultUserMode = "session_user"
)

// Config is the per-cluster configuration snapshot obtained once per
// version from the metadata host collaborator (spec.md §6).
type Config struct {
	ConnectionLifetime time.Duration
	QueryTimeout       time.Duration
	ConnectTimeout     time.Duration
	DisableBinary      bool
	KeepaliveIdle      time.Duration
	KeepaliveInterval  time.Duration
	KeepaliveCount     int
	DefaultUser        DefaultUserMode
}

// IdleConnCheck is the threshold past which a reacquired Ready connection
// gets a zero-timeout readability probe before reuse (spec.md §4.1).
const IdleConnCheck = 2 * time.Second

// Validate checks the structural invariants spec.md §7 assigns to
// "Configuration" errors.
func (c Config) Validate() error {
	if c.DefaultUser != "" && c.DefaultUser != CurrentUser && c.DefaultUser != SessionUser {
		return fmt.Errorf("cluster: invalid default_user %q", c.DefaultUser)
	}
	return nil
}

func (m DefaultUserMode) orDefault() DefaultUserMode {
	if m == "" {
		return CurrentUser
	}
	return m
}

// NormalizeConnStr canonicalizes a libpq-style connect string so that two
// partition-map slots whose DSNs are semantically equal share one physical
// connection (spec.md §3 "duplicate connstrings share one connection").
//
// Postgres URL DSNs (postgres://...) are normalized via the same
// keyword=value expansion github.com/lib/pq uses internally for its own
// connections (pq.ParseURL); libpq keyword/value DSNs are normalized by
// sorting their key=value tokens. If a connect string omits a user, one
// derived from defaultUser is appended (spec.md §6 "Partition metadata").
func NormalizeConnStr(raw string, defaultUser DefaultUserMode, currentUser, sessionUser string) (string, error) {
	opts, err := toOptionString(raw)
	if err != nil {
		return "", fmt.Errorf("cluster: malformed connect string: %w", err)
	}

	pairs := splitOptionString(opts)
	if _, hasUser := pairs["user"]; !hasUser {
		u := currentUser
		if defaultUser.orDefault() == SessionUser {
			u = sessionUser
		}
		pairs["user"] = u
	}

	keys := make([]string, 0, len(pairs))
	for k := range pairs {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(quoteOptionValue(pairs[k]))
	}
	return b.String(), nil
}

// ParseOptionString exposes the libpq key=value option parser for
// core/csm to recover connection parameters (host, port, user, database,
// password) from an already-normalized connect string.
func ParseOptionString(opts string) map[string]string {
	return splitOptionString(opts)
}

func splitOptionString(opts string) map[string]string {
	out := map[string]string{}
	var key, val strings.Builder
	inVal, inQuote := false, false
	flush := func() {
		if key.Len() > 0 {
			out[key.String()] = val.String()
		}
		key.Reset()
		val.Reset()
		inVal = false
	}
	for i := 0; i < len(opts); i++ {
		c := opts[i]
		switch {
		case !inVal && c == '=':
			inVal = true
		case inVal && c == '\'' && !inQuote && val.Len() == 0:
			inQuote = true
		case inVal && c == '\'' && inQuote:
			inQuote = false
		case inVal && c == ' ' && !inQuote:
			flush()
		case inVal:
			val.WriteByte(c)
		case c == ' ':
			// skip stray whitespace between pairs
		default:
			key.WriteByte(c)
		}
	}
	flush()
	return out
}

func quoteOptionValue(v string) string {
	if v == "" || strings.ContainsAny(v, " '\\") {
		v = strings.ReplaceAll(v, `\`, `\\`)
		v = strings.ReplaceAll(v, `'`, `\'`)
		return "'" + v + "'"
	}
	return v
}

