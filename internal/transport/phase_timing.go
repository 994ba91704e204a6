package transport

import (
	"context"
	"crypto/tls"
	"net/http/httptrace"
	"sync"
	"time"

	"github.com/vayu-load/vayu/internal/model"
)

// phaseTimingTracker accumulates the httptrace callbacks for a single
// transfer and reduces them into a model.Timing once the transfer
// completes.
type phaseTimingTracker struct {
	mu sync.Mutex

	startTime        time.Time
	dnsStart         time.Time
	dnsEnd           time.Time
	connectStart     time.Time
	connectEnd       time.Time
	tlsStart         time.Time
	tlsEnd           time.Time
	gotFirstByte     time.Time
	gotConn          time.Time
	connectionReused bool
	wroteRequest     time.Time
}

func newPhaseTimingTracker() *phaseTimingTracker {
	return &phaseTimingTracker{startTime: time.Now()}
}

func (t *phaseTimingTracker) createClientTrace() *httptrace.ClientTrace {
	return &httptrace.ClientTrace{
		DNSStart: func(info httptrace.DNSStartInfo) {
			t.mu.Lock()
			t.dnsStart = time.Now()
			t.mu.Unlock()
		},
		DNSDone: func(info httptrace.DNSDoneInfo) {
			t.mu.Lock()
			t.dnsEnd = time.Now()
			t.mu.Unlock()
		},
		ConnectStart: func(network, addr string) {
			t.mu.Lock()
			t.connectStart = time.Now()
			t.mu.Unlock()
		},
		ConnectDone: func(network, addr string, err error) {
			t.mu.Lock()
			t.connectEnd = time.Now()
			t.mu.Unlock()
		},
		TLSHandshakeStart: func() {
			t.mu.Lock()
			t.tlsStart = time.Now()
			t.mu.Unlock()
		},
		TLSHandshakeDone: func(state tls.ConnectionState, err error) {
			t.mu.Lock()
			t.tlsEnd = time.Now()
			t.mu.Unlock()
		},
		GotConn: func(info httptrace.GotConnInfo) {
			t.mu.Lock()
			t.gotConn = time.Now()
			t.connectionReused = info.Reused
			t.mu.Unlock()
		},
		WroteRequest: func(info httptrace.WroteRequestInfo) {
			t.mu.Lock()
			t.wroteRequest = time.Now()
			t.mu.Unlock()
		},
		GotFirstResponseByte: func() {
			t.mu.Lock()
			t.gotFirstByte = time.Now()
			t.mu.Unlock()
		},
	}
}

// timing reduces the tracked phase boundaries into the model's timing
// fields as of endTime. Phases that never fired (e.g. DNS/connect/TLS on a
// reused connection) are left at zero.
func (t *phaseTimingTracker) timing(endTime time.Time) model.Timing {
	t.mu.Lock()
	defer t.mu.Unlock()

	var tm model.Timing
	tm.TotalMs = endTime.Sub(t.startTime).Milliseconds()

	if !t.connectionReused {
		if !t.dnsStart.IsZero() && !t.dnsEnd.IsZero() {
			tm.DNSMs = t.dnsEnd.Sub(t.dnsStart).Milliseconds()
		}
		if !t.connectStart.IsZero() && !t.connectEnd.IsZero() {
			tm.ConnectMs = t.connectEnd.Sub(t.connectStart).Milliseconds()
		}
		if !t.tlsStart.IsZero() && !t.tlsEnd.IsZero() {
			tm.TLSMs = t.tlsEnd.Sub(t.tlsStart).Milliseconds()
		}
	}

	if !t.gotFirstByte.IsZero() {
		baseline := t.startTime
		if !t.wroteRequest.IsZero() {
			baseline = t.wroteRequest
		} else if !t.gotConn.IsZero() {
			baseline = t.gotConn
		}
		tm.FirstByteMs = t.gotFirstByte.Sub(baseline).Milliseconds()
		tm.DownloadMs = endTime.Sub(t.gotFirstByte).Milliseconds()
	}

	return tm
}

func withPhaseTiming(ctx context.Context, tracker *phaseTimingTracker) context.Context {
	return httptrace.WithClientTrace(ctx, tracker.createClientTrace())
}
