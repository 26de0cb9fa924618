package transport

import (
	"expvar"
	"strconv"
	"sync/atomic"
)

// metricsSeq keeps expvar names unique when a process opens several
// transports (tests do).
var metricsSeq atomic.Int64

// Metrics tracks counters for one transport. All counters are atomic and
// published to expvar under the "mania-rpc.<n>." prefix.
type Metrics struct {
	CallsTotal     atomic.Int64
	CallsCancelled atomic.Int64
	FaultsTotal    atomic.Int64

	FramesSent     atomic.Int64
	FramesReceived atomic.Int64
	StrayFrames    atomic.Int64

	CallbacksTotal  atomic.Int64
	CallbacksFailed atomic.Int64
}

func newMetrics() *Metrics {
	m := &Metrics{}

	prefix := "mania-rpc." + strconv.FormatInt(metricsSeq.Add(1), 10) + "."
	publish := func(name string, v *atomic.Int64) {
		expvar.Publish(prefix+name, expvar.Func(func() any {
			return v.Load()
		}))
	}

	publish("calls_total", &m.CallsTotal)
	publish("calls_cancelled", &m.CallsCancelled)
	publish("faults_total", &m.FaultsTotal)
	publish("frames_sent", &m.FramesSent)
	publish("frames_received", &m.FramesReceived)
	publish("stray_frames", &m.StrayFrames)
	publish("callbacks_total", &m.CallbacksTotal)
	publish("callbacks_failed", &m.CallbacksFailed)

	return m
}

// Snapshot returns all counter values, suitable for JSON serialization.
func (m *Metrics) Snapshot() map[string]int64 {
	return map[string]int64{
		"calls_total":      m.CallsTotal.Load(),
		"calls_cancelled":  m.CallsCancelled.Load(),
		"faults_total":     m.FaultsTotal.Load(),
		"frames_sent":      m.FramesSent.Load(),
		"frames_received":  m.FramesReceived.Load(),
		"stray_frames":     m.StrayFrames.Load(),
		"callbacks_total":  m.CallbacksTotal.Load(),
		"callbacks_failed": m.CallbacksFailed.Load(),
	}
}
