// Package observability tracks per-(cluster,function) call outcomes and
// emits structured log lines for a call's lifecycle, generalized from the
// teacher's per-HTTP-handler performance monitor to this engine's
// per-(cluster,function) call shape.
package observability

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// CallMonitor tracks call counts, error counts, and latency for every
// (cluster, function) pair an Executor has served.
type CallMonitor struct {
	enabled atomic.Bool
	calls   sync.Map // key -> *CallMetrics

	bottlenecks  []Bottleneck
	bottleneckMu sync.RWMutex
}

// CallMetrics accumulates counters for one (cluster, function) key.
type CallMetrics struct {
	Key            string
	Count          atomic.Uint64
	Errors         atomic.Uint64
	TimeoutErrors  atomic.Uint64
	TotalDuration  atomic.Uint64
	MinDuration    atomic.Uint64
	MaxDuration    atomic.Uint64
	latencyBuckets [10]atomic.Uint64
}

// Bottleneck flags a (cluster, function) key whose recent behavior looks
// unhealthy: consistently slow, or erroring often.
type Bottleneck struct {
	Type       string
	Key        string
	Severity   int
	Impact     float64
	DetectedAt time.Time
	Details    string
}

// NewCallMonitor creates a monitor and starts its background bottleneck
// scan.
func NewCallMonitor() *CallMonitor {
	cm := &CallMonitor{}
	cm.enabled.Store(true)
	go cm.scanBottlenecks()
	return cm
}

// Key formats the (cluster, function) pair used as a CallMetrics key.
func Key(cluster, function string) string {
	return cluster + "." + function
}

// RecordCall records one completed call's outcome.
func (cm *CallMonitor) RecordCall(key string, duration time.Duration, isError, isTimeout bool) {
	if !cm.enabled.Load() {
		return
	}

	val, _ := cm.calls.LoadOrStore(key, &CallMetrics{Key: key})
	m := val.(*CallMetrics)

	m.Count.Add(1)
	if isError {
		m.Errors.Add(1)
	}
	if isTimeout {
		m.TimeoutErrors.Add(1)
	}

	durationNs := uint64(duration.Nanoseconds())
	m.TotalDuration.Add(durationNs)
	updateMinMax(m, durationNs)
	updateLatencyBucket(m, durationNs)
}

func updateMinMax(m *CallMetrics, d uint64) {
	for {
		min := m.MinDuration.Load()
		if min == 0 || d < min {
			if m.MinDuration.CompareAndSwap(min, d) {
				break
			}
			continue
		}
		break
	}
	for {
		max := m.MaxDuration.Load()
		if d > max {
			if m.MaxDuration.CompareAndSwap(max, d) {
				break
			}
			continue
		}
		break
	}
}

func updateLatencyBucket(m *CallMetrics, durationNs uint64) {
	ms := durationNs / 1_000_000
	idx := 0
	switch {
	case ms < 1:
		idx = 0
	case ms < 5:
		idx = 1
	case ms < 10:
		idx = 2
	case ms < 50:
		idx = 3
	case ms < 100:
		idx = 4
	case ms < 500:
		idx = 5
	case ms < 1000:
		idx = 6
	case ms < 5000:
		idx = 7
	case ms < 10000:
		idx = 8
	default:
		idx = 9
	}
	m.latencyBuckets[idx].Add(1)
}

func (cm *CallMonitor) scanBottlenecks() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		if !cm.enabled.Load() {
			continue
		}
		found := cm.detectBottlenecks()
		cm.bottleneckMu.Lock()
		cm.bottlenecks = found
		cm.bottleneckMu.Unlock()
	}
}

func (cm *CallMonitor) detectBottlenecks() []Bottleneck {
	bottlenecks := make([]Bottleneck, 0)

	cm.calls.Range(func(_, value any) bool {
		m := value.(*CallMetrics)
		count := m.Count.Load()
		if count == 0 {
			return true
		}

		avgDuration := time.Duration(m.TotalDuration.Load() / count)
		if avgDuration > 100*time.Millisecond {
			bottlenecks = append(bottlenecks, Bottleneck{
				Type:       "latency",
				Key:        m.Key,
				Severity:   8,
				Impact:     100.0,
				DetectedAt: time.Now(),
				Details:    fmt.Sprintf("high latency (%v avg)", avgDuration),
			})
		}

		if errors := m.Errors.Load(); errors > 0 && float64(errors)/float64(count) > 0.05 {
			bottlenecks = append(bottlenecks, Bottleneck{
				Type:       "errors",
				Key:        m.Key,
				Severity:   10,
				Impact:     float64(errors) / float64(count) * 100,
				DetectedAt: time.Now(),
				Details:    fmt.Sprintf("%.1f%% error rate", float64(errors)/float64(count)*100),
			})
		}

		return true
	})

	return bottlenecks
}

// Bottlenecks returns the most recently detected bottlenecks.
func (cm *CallMonitor) Bottlenecks() []Bottleneck {
	cm.bottleneckMu.RLock()
	defer cm.bottleneckMu.RUnlock()
	return append([]Bottleneck{}, cm.bottlenecks...)
}

// StartCall returns a timestamp to pass to EndCall.
func (cm *CallMonitor) StartCall() int64 {
	if !cm.enabled.Load() {
		return 0
	}
	return time.Now().UnixNano()
}

// EndCall records the outcome of a call started with StartCall.
func (cm *CallMonitor) EndCall(key string, startTime int64, isError, isTimeout bool) {
	if startTime == 0 {
		return
	}
	duration := time.Duration(time.Now().UnixNano() - startTime)
	cm.RecordCall(key, duration, isError, isTimeout)
}
