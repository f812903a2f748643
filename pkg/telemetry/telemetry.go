package telemetry

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"chatmirror/pkg/state"
)

// Minimal, low-overhead operation telemetry designed for local usage.
// - By default only slow operations are logged (see slowThreshold).
// - Full per-operation records are only written when sampled (very low
//   default sampling).

var (
	writerOnce    sync.Once
	writerCh      chan []byte
	opCtr         uint64
	sampleRate    = 0.001
	slowThreshold = 200 * time.Millisecond
)

// initWriter lazily starts a background writer appending lines to
// telemetry.jsonl under the state directory.
func initWriter() {
	writerCh = make(chan []byte, 1024)
	go func() {
		dir := filepath.Join("db", "state", "telemetry")
		if state.PathsVar.State != "" {
			dir = filepath.Join(state.PathsVar.State, "telemetry")
		}
		_ = os.MkdirAll(dir, 0o755)
		f, err := os.OpenFile(filepath.Join(dir, "telemetry.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return
		}
		defer f.Close()
		for b := range writerCh {
			_, _ = f.Write(append(b, '\n'))
		}
	}()
}

func enqueue(b []byte) {
	writerOnce.Do(initWriter)
	select {
	case writerCh <- b:
	default:
		// drop rather than block the caller
	}
}

// StartOp records one named operation (a reconcile pass, a remote call).
// Call the returned function when the operation ends; err may be nil. Only
// sampled or slow operations produce output.
func StartOp(op string) func(err error) {
	start := time.Now()
	id := genOpID()
	sampled := shouldSample()
	return func(err error) {
		dur := time.Since(start)
		if !sampled && dur <= slowThreshold {
			return
		}
		tag := "OP"
		if !sampled {
			tag = "SLOW"
		}
		errStr := ""
		if err != nil {
			errStr = fmt.Sprintf(" error=%q", err.Error())
		}
		enqueue([]byte(fmt.Sprintf("%s %s op=%s duration_ms=%d%s", tag, id, op, dur.Milliseconds(), errStr)))
	}
}

// Middleware wraps an HTTP handler and records timing for sampled or slow
// requests. Sampling can be forced per request with X-Debug-Telemetry: 1.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := genOpID()
		sampled := shouldSample() || r.Header.Get("X-Debug-Telemetry") == "1"

		srw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(srw, r)

		dur := time.Since(start)
		if !sampled && dur <= slowThreshold {
			return
		}
		tag := "REQ"
		if !sampled {
			tag = "SLOW"
		}
		enqueue([]byte(fmt.Sprintf("%s %s op=%s %s duration_ms=%d status=%d",
			tag, id, r.Method, r.URL.Path, dur.Milliseconds(), srw.status)))
	})
}

// SetSampleRate sets the approximate sampling rate for full records (0..1).
func SetSampleRate(r float64) {
	if r < 0 {
		r = 0
	}
	if r > 1 {
		r = 1
	}
	sampleRate = r
}

// SetSlowThreshold sets the duration above which non-sampled operations are
// still logged.
func SetSlowThreshold(d time.Duration) {
	if d < 0 {
		d = 0
	}
	slowThreshold = d
}

func shouldSample() bool {
	if sampleRate <= 0 {
		return false
	}
	denom := int64(1 / sampleRate)
	if denom <= 1 {
		return true
	}
	n := int64(atomic.AddUint64(&opCtr, 1))
	return n%denom == 0
}

func genOpID() string {
	n := atomic.AddUint64(&opCtr, 1)
	return fmt.Sprintf("o-%s-%d", time.Now().Format("20060102T150405"), n)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
