package connectivity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"github.com/CoePress/coesco-web-sub012/internal/outbox"
)

func TestPolicyNeverQueuesReads(t *testing.T) {
	offline := NewPolicy(StaticSource{Online: false})
	for _, method := range []string{"GET", "get", "HEAD", "OPTIONS", ""} {
		if offline.ShouldQueue(method) {
			t.Fatalf("expected %q to go live even when offline", method)
		}
	}
}

func TestPolicyQueuesMutationsWhenOfflineOrDegraded(t *testing.T) {
	cases := []struct {
		name   string
		status Status
		want   bool
	}{
		{name: "offline", status: Status{Online: false}, want: true},
		{name: "degraded", status: Status{Online: true, Degraded: true}, want: true},
		{name: "healthy", status: Status{Online: true}, want: false},
	}
	for _, tc := range cases {
		p := NewPolicy(StaticSource(tc.status))
		for _, method := range []string{"POST", "PUT", "PATCH", "DELETE"} {
			if got := p.ShouldQueue(method); got != tc.want {
				t.Fatalf("%s/%s: expected %v, got %v", tc.name, method, tc.want, got)
			}
		}
	}
}

func TestMonitorRaisesRestoredOnEachOfflineToOnlineEdge(t *testing.T) {
	m := NewMonitor(MonitorOptions{})
	ch, cancel := m.Subscribe()
	defer cancel()

	m.SetOnline(true)
	select {
	case r := <-ch:
		if r.Tag != outbox.SyncTag {
			t.Fatalf("expected tag %q, got %q", outbox.SyncTag, r.Tag)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected restored notification")
	}

	m.SetOnline(true)
	select {
	case r := <-ch:
		t.Fatalf("expected no notification while staying online, got %+v", r)
	default:
	}

	m.SetOnline(false)
	m.SetOnline(true)
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatalf("expected second restored notification")
	}
}

func TestMonitorDegradedSources(t *testing.T) {
	m := NewMonitor(MonitorOptions{InitialOnline: true})
	if st := m.Status(); !st.Online || st.Degraded {
		t.Fatalf("expected healthy status, got %+v", st)
	}
	m.SetBreakerOpen(true)
	if st := m.Status(); !st.Degraded || st.Reason != "circuit open" {
		t.Fatalf("expected breaker to degrade, got %+v", st)
	}
	m.SetBreakerOpen(false)
	m.SetDegraded(true)
	if st := m.Status(); !st.Degraded {
		t.Fatalf("expected manual degrade, got %+v", st)
	}

	saver := NewMonitor(MonitorOptions{InitialOnline: true, DataSaver: true})
	if st := saver.Status(); !st.Degraded || st.Reason != "data saver" {
		t.Fatalf("expected data saver to degrade, got %+v", st)
	}
}

func TestMonitorProbe(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	m := NewMonitor(MonitorOptions{ProbeURL: srv.URL, DegradedLatency: time.Minute})
	ch, cancel := m.Subscribe()
	defer cancel()

	if st := m.Probe(context.Background()); !st.Online || st.Degraded {
		t.Fatalf("expected online after healthy probe, got %+v", st)
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatalf("expected restored after first successful probe")
	}

	healthy.Store(false)
	if st := m.Probe(context.Background()); st.Online {
		t.Fatalf("expected offline after 503 probe, got %+v", st)
	}
}

func TestMonitorProbeMarksSlowLinkDegraded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(30 * time.Millisecond)
	}))
	defer srv.Close()

	m := NewMonitor(MonitorOptions{ProbeURL: srv.URL, DegradedLatency: 5 * time.Millisecond})
	if st := m.Probe(context.Background()); !st.Online || !st.Degraded || st.Reason != "slow link" {
		t.Fatalf("expected slow link to be degraded, got %+v", st)
	}
}

func TestMonitorProbeUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	m := NewMonitor(MonitorOptions{ProbeURL: url, InitialOnline: true, Timeout: time.Second})
	if st := m.Probe(context.Background()); st.Online {
		t.Fatalf("expected unreachable probe to go offline, got %+v", st)
	}
}

func TestBreakerDegradesMonitorWhileOpen(t *testing.T) {
	m := NewMonitor(MonitorOptions{InitialOnline: true})
	cb := NewBreaker(m, BreakerOptions{ConsecutiveFailures: 2, Timeout: time.Hour})
	fail := func() (interface{}, error) { return nil, errors.New("connection reset") }

	_, _ = cb.Execute(fail)
	if m.Status().Degraded {
		t.Fatalf("expected one failure to leave the breaker closed")
	}
	_, _ = cb.Execute(fail)
	if cb.State() != gobreaker.StateOpen {
		t.Fatalf("expected breaker open, got %s", cb.State())
	}
	if !m.Status().Degraded {
		t.Fatalf("expected open breaker to degrade monitor")
	}
	if _, err := cb.Execute(fail); !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open state error, got %v", err)
	}
}

func TestBreakerIgnoresPermanentErrors(t *testing.T) {
	cb := NewBreaker(nil, BreakerOptions{ConsecutiveFailures: 1})
	for i := 0; i < 3; i++ {
		_, _ = cb.Execute(func() (interface{}, error) {
			return nil, &outbox.HTTPError{StatusCode: http.StatusUnprocessableEntity}
		})
	}
	if cb.State() != gobreaker.StateClosed {
		t.Fatalf("expected permanent errors not to trip breaker, got %s", cb.State())
	}
}

func TestClampJitterRatio(t *testing.T) {
	if got := ClampJitterRatio(-0.1); got != 0 {
		t.Fatalf("expected negative ratio to clamp to 0, got %f", got)
	}
	if got := ClampJitterRatio(1.5); got != 1 {
		t.Fatalf("expected ratio > 1 to clamp to 1, got %f", got)
	}
	if got := ClampJitterRatio(0.4); got != 0.4 {
		t.Fatalf("expected ratio to stay 0.4, got %f", got)
	}
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 5 * time.Second
	if got := JitteredIntervalWithSample(base, 0, 0.2); got != base {
		t.Fatalf("expected no jitter interval %s, got %s", base, got)
	}
	if got := JitteredIntervalWithSample(base, 0.2, 0); got != 4*time.Second {
		t.Fatalf("expected min jitter interval 4s, got %s", got)
	}
	if got := JitteredIntervalWithSample(base, 0.2, 0.5); got != 5*time.Second {
		t.Fatalf("expected midpoint jitter interval 5s, got %s", got)
	}
	if got := JitteredIntervalWithSample(base, 0.2, 1); got != 6*time.Second {
		t.Fatalf("expected max jitter interval 6s, got %s", got)
	}
}
