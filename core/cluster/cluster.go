package cluster

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/partitionql/fanout/core/catalog"
	"github.com/partitionql/fanout/core/wire"
)

// State is a connection's lifecycle state (spec.md §4.1).
type State int

const (
	StateNone State = iota
	StateConnectWrite
	StateConnectRead
	StateReady
	StateQueryWrite
	StateQueryRead
	StateDone
	// StateFatal is not part of the table in spec.md §4.1 but is the
	// sink every "fatal" transition lands in; it aborts the call.
	StateFatal
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateConnectWrite:
		return "connect-write"
	case StateConnectRead:
		return "connect-read"
	case StateReady:
		return "ready"
	case StateQueryWrite:
		return "query-write"
	case StateQueryRead:
		return "query-read"
	case StateDone:
		return "done"
	case StateFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// NotSetSplitParam is the sentinel DatumArray.* fields hold for a
// function argument that is not a split array on a given connection
// (spec.md §3 "non-split arguments hold a sentinel 'not set'").
var NotSetSplitParam = DatumArray{set: false}

// DatumArray is a deconstructed array argument (spec.md §3).
type DatumArray struct {
	ElemOID  catalog.OID
	Values   []any  // one entry per element; nil entry means SQL NULL
	Nulls    []bool // parallel null-flag vector
	Count    int
	set      bool
}

// IsSet reports whether this DatumArray carries a real value as opposed
// to being the "use caller value" sentinel.
func (d DatumArray) IsSet() bool { return d.set }

// NewDatumArray builds a populated, "set" DatumArray.
func NewDatumArray(elemOID catalog.OID, values []any, nulls []bool) DatumArray {
	return DatumArray{ElemOID: elemOID, Values: values, Nulls: nulls, Count: len(values), set: true}
}

// ProxyQuery is an immutable SQL template with $1..$n placeholders and an
// arg_lookup mapping each placeholder to a function argument index
// (spec.md §3). Created once per function.
type ProxyQuery struct {
	SQL       string
	ArgLookup []int // ArgLookup[i] -> function argument index for $i+1

	// SplitOptimized opts a function into the single-statement split
	// path (spec.md §4.4 "Optimized path"); set per function, not
	// globally, matching PL/Proxy's original per-function flag
	// (see SPEC_FULL.md §11).
	SplitOptimized bool
	// SplitHashSQL is the generate-series-driven (i, hash) query used
	// only when SplitOptimized is true.
	SplitHashSQL string
}

// ProxyConnection is one physical partition connection (spec.md §3).
type ProxyConnection struct {
	// Connstr is immutable once the connection is constructed.
	Connstr string

	mu sync.Mutex

	// Network.
	netConn net.Conn
	fd      int
	// WireBuf accumulates bytes across non-blocking reads until a full
	// backend message is available (core/csm owns its use).
	WireBuf wire.Reader
	// PendingWrite holds bytes not yet flushed by a non-blocking write
	// (core/csm owns its use).
	PendingWrite []byte

	// Lifecycle.
	State         State
	ConnectTime   time.Time
	QueryTime     time.Time
	SameVer       bool
	Tuning        bool
	TuningRetried bool
	serverParams  map[string]string

	// Notice/key data needed for best-effort cancellation.
	BackendPID       uint32
	BackendSecretKey uint32

	// Per-call.
	RunTag      int // 0 = not selected; in split mode, 1-based index that first routed here
	SplitParams []DatumArray
	Values      [][]byte
	Lengths     []int32
	Formats     []int16

	// Result of the call.
	Result    *QueryResult
	LastError *pq.Error
}

// QueryResult holds the single tuple-bearing result expected per
// submission (spec.md §4.1 "Result drain").
type QueryResult struct {
	Fields []string
	Rows   [][]any
}

// RowCount is the row total this connection contributes to ret_total.
func (r *QueryResult) RowCount() int {
	if r == nil {
		return 0
	}
	return len(r.Rows)
}

// ResetPerCall clears everything spec.md §3 "Lifecycles" says is reset
// before every call: run_tag, split params, parameter arrays, result, and
// cursor — but never the lifecycle state or network handle, which persist
// across calls for connection reuse.
func (c *ProxyConnection) ResetPerCall(nargs int) {
	c.RunTag = 0
	c.SplitParams = make([]DatumArray, nargs)
	c.Values = nil
	c.Lengths = nil
	c.Formats = nil
	c.Result = nil
	c.LastError = nil
	c.WireBuf = wire.Reader{}
	c.PendingWrite = nil
}

// Armed reports whether this connection is selected to execute in the
// current call (spec.md glossary "run_tag").
func (c *ProxyConnection) Armed() bool { return c.RunTag != 0 }

// SetConn installs (or clears, with nil) the connection's network handle,
// used by core/csm when establishing or dropping a socket.
func (c *ProxyConnection) SetConn(conn net.Conn, fd int) {
	c.netConn = conn
	c.fd = fd
}

// Conn returns the current network handle, or nil if not connected.
func (c *ProxyConnection) Conn() net.Conn { return c.netConn }

// ServerParams returns the mutable map of backend ParameterStatus values
// (server_version, client_encoding, ...) captured during login, lazily
// initializing it on first use (core/csm owns its contents).
func (c *ProxyConnection) ServerParams() map[string]string {
	if c.serverParams == nil {
		c.serverParams = map[string]string{}
	}
	return c.serverParams
}

// FD returns the current handle's file descriptor, or -1 if not
// connected. Used by core/poller to key its readiness set.
func (c *ProxyConnection) FD() int {
	if c.netConn == nil {
		return -1
	}
	return c.fd
}

// Cluster is a named collection of partitions sharing configuration
// (spec.md §3).
type Cluster struct {
	Name string
	Cfg  Config

	// ConnList is the ordered vector of physical connections; duplicate
	// connstrings share one *ProxyConnection (spec.md §3).
	ConnList []*ProxyConnection

	// PartMap has length PartCount (a power of two); each entry indexes
	// into ConnList.
	PartMap []int
	// PartCount is len(PartMap); PartMask is PartCount-1.
	PartCount int
	PartMask  int

	mu   sync.Mutex
	busy bool
}

// TryAcquire sets busy=true and returns true, or returns false if the
// cluster is already busy (spec.md §5 "Re-entrancy").
func (c *Cluster) TryAcquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy {
		return false
	}
	c.busy = true
	return true
}

// Release clears the busy flag. Always paired with a prior successful
// TryAcquire via a deferred call in core/exec.
func (c *Cluster) Release() {
	c.mu.Lock()
	c.busy = false
	c.mu.Unlock()
}

// Busy reports the current busy flag, for tests (spec.md §8 invariant 7).
func (c *Cluster) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

// PartitionConn resolves a partition index to its physical connection.
func (c *Cluster) PartitionConn(part int) *ProxyConnection {
	return c.ConnList[c.PartMap[part]]
}

// NewCluster builds a Cluster from a connect-string list, deduplicating it
// after normalization; the returned PartMap has one entry per input
// connstr, pointing at shared
// ProxyConnection instances for duplicate normalized connstrings.
func NewCluster(name string, cfg Config, connstrs []string, currentUser, sessionUser string) (*Cluster, error) {
	if len(connstrs) == 0 || (len(connstrs)&(len(connstrs)-1)) != 0 {
		return nil, &PowerOfTwoError{Count: len(connstrs)}
	}

	byNorm := map[string]int{}
	var connList []*ProxyConnection
	partMap := make([]int, len(connstrs))

	for i, raw := range connstrs {
		norm, err := NormalizeConnStr(raw, cfg.DefaultUser, currentUser, sessionUser)
		if err != nil {
			return nil, err
		}
		idx, ok := byNorm[norm]
		if !ok {
			idx = len(connList)
			connList = append(connList, &ProxyConnection{Connstr: norm, fd: -1})
			byNorm[norm] = idx
		}
		partMap[i] = idx
	}

	return &Cluster{
		Name:      name,
		Cfg:       cfg,
		ConnList:  connList,
		PartMap:   partMap,
		PartCount: len(partMap),
		PartMask:  len(partMap) - 1,
	}, nil
}

// PowerOfTwoError is a Configuration-kind error (spec.md §7).
type PowerOfTwoError struct{ Count int }

func (e *PowerOfTwoError) Error() string {
	return "cluster: partition count must be a power of two, got " + strconv.Itoa(e.Count)
}
