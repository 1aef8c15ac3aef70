package observability

import (
	"testing"
	"time"
)

func TestCallMonitorRecordsCounts(t *testing.T) {
	cm := NewCallMonitor()

	key := Key("shard_users", "get_user")
	cm.RecordCall(key, 10*time.Millisecond, false, false)
	cm.RecordCall(key, 20*time.Millisecond, false, false)
	cm.RecordCall(key, 30*time.Millisecond, false, false)

	val, ok := cm.calls.Load(key)
	if !ok {
		t.Fatal("call metrics not found")
	}

	metrics := val.(*CallMetrics)
	if count := metrics.Count.Load(); count != 3 {
		t.Errorf("expected 3 calls, got %d", count)
	}

	avgDuration := time.Duration(metrics.TotalDuration.Load() / metrics.Count.Load())
	if avgDuration != 20*time.Millisecond {
		t.Errorf("expected 20ms avg, got %v", avgDuration)
	}
}

func TestCallMonitorTracksErrorsAndTimeouts(t *testing.T) {
	cm := NewCallMonitor()
	key := Key("shard_orders", "bad_query")

	cm.RecordCall(key, 5*time.Millisecond, true, false)
	cm.RecordCall(key, 5*time.Millisecond, true, true)

	val, _ := cm.calls.Load(key)
	metrics := val.(*CallMetrics)
	if errs := metrics.Errors.Load(); errs != 2 {
		t.Errorf("expected 2 errors, got %d", errs)
	}
	if timeouts := metrics.TimeoutErrors.Load(); timeouts != 1 {
		t.Errorf("expected 1 timeout, got %d", timeouts)
	}
}

func TestDetectBottlenecksFlagsSlowKey(t *testing.T) {
	cm := NewCallMonitor()
	slow := Key("shard_users", "slow_fn")

	for i := 0; i < 100; i++ {
		cm.RecordCall(slow, 150*time.Millisecond, false, false)
	}

	bottlenecks := cm.detectBottlenecks()
	if len(bottlenecks) == 0 {
		t.Error("expected a latency bottleneck for a consistently slow key")
	}
}

func BenchmarkRecordCall(b *testing.B) {
	cm := NewCallMonitor()
	key := Key("shard_users", "get_user")
	duration := 10 * time.Millisecond

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		cm.RecordCall(key, duration, false, false)
	}
}
