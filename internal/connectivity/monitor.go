package connectivity

import (
	"context"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/CoePress/coesco-web-sub012/internal/outbox"
)

const (
	DefaultProbeInterval   = 5 * time.Second
	DefaultProbeTimeout    = 3 * time.Second
	DefaultDegradedLatency = 2 * time.Second
	DefaultJitterRatio     = 0.2
)

// Restored is raised on every offline to online transition.
type Restored struct {
	Tag string
	At  time.Time
}

type MonitorOptions struct {
	// ProbeURL is fetched with GET; any response below 500 counts as online.
	// Without a ProbeURL the monitor only reflects manual overrides.
	ProbeURL        string
	Interval        time.Duration
	Timeout         time.Duration
	DegradedLatency time.Duration
	JitterRatio     float64
	// DataSaver marks every online status as degraded.
	DataSaver     bool
	InitialOnline bool
	HTTPClient    *http.Client
	Logger        *zap.Logger
	Tag           string
}

// Monitor keeps the connection status current and notifies subscribers when
// connectivity is restored.
type Monitor struct {
	probeURL        string
	interval        time.Duration
	timeout         time.Duration
	degradedLatency time.Duration
	jitterRatio     float64
	dataSaver       bool
	tag             string
	httpClient      *http.Client
	logger          *zap.Logger

	mu             sync.RWMutex
	probeOnline    bool
	latency        time.Duration
	checkedAt      time.Time
	manualOnline   *bool
	manualDegraded bool
	breakerOpen    bool
	subs           map[int]chan Restored
	nextSub        int
}

func NewMonitor(opts MonitorOptions) *Monitor {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	degraded := opts.DegradedLatency
	if degraded <= 0 {
		degraded = DefaultDegradedLatency
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	tag := strings.TrimSpace(opts.Tag)
	if tag == "" {
		tag = outbox.SyncTag
	}
	return &Monitor{
		probeURL:        strings.TrimSpace(opts.ProbeURL),
		interval:        interval,
		timeout:         timeout,
		degradedLatency: degraded,
		jitterRatio:     ClampJitterRatio(opts.JitterRatio),
		dataSaver:       opts.DataSaver,
		tag:             tag,
		httpClient:      httpClient,
		logger:          logger,
		probeOnline:     opts.InitialOnline,
		subs:            map[int]chan Restored{},
	}
}

func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.statusLocked()
}

func (m *Monitor) statusLocked() Status {
	online := m.probeOnline
	if m.manualOnline != nil {
		online = *m.manualOnline
	}
	st := Status{Online: online, Latency: m.latency, CheckedAt: m.checkedAt}
	if !online {
		st.Reason = "offline"
		return st
	}
	switch {
	case m.manualDegraded:
		st.Degraded, st.Reason = true, "manual"
	case m.breakerOpen:
		st.Degraded, st.Reason = true, "circuit open"
	case m.dataSaver:
		st.Degraded, st.Reason = true, "data saver"
	case m.latency > m.degradedLatency:
		st.Degraded, st.Reason = true, "slow link"
	}
	return st
}

// SetOnline pins the online flag, overriding probes.
func (m *Monitor) SetOnline(online bool) {
	m.update(func() { m.manualOnline = &online })
}

// ClearOverride returns control of the online flag to probes.
func (m *Monitor) ClearOverride() {
	m.update(func() { m.manualOnline = nil })
}

func (m *Monitor) SetDegraded(degraded bool) {
	m.update(func() { m.manualDegraded = degraded })
}

// SetBreakerOpen is driven by the delivery circuit breaker.
func (m *Monitor) SetBreakerOpen(open bool) {
	m.update(func() { m.breakerOpen = open })
}

// Subscribe returns restored notifications and a cancel func.
func (m *Monitor) Subscribe() (<-chan Restored, func()) {
	ch := make(chan Restored, 1)
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if sub, ok := m.subs[id]; ok {
				delete(m.subs, id)
				close(sub)
			}
		})
	}
}

func (m *Monitor) update(mutate func()) {
	m.mu.Lock()
	before := m.statusLocked()
	mutate()
	after := m.statusLocked()
	if before.Online || !after.Online {
		m.mu.Unlock()
		return
	}
	restored := Restored{Tag: m.tag, At: time.Now().UTC()}
	for _, ch := range m.subs {
		select {
		case ch <- restored:
		default:
		}
	}
	m.mu.Unlock()
	m.logger.Info("connectivity restored", zap.String("tag", restored.Tag))
}

// Probe performs one health check and folds the result into the status.
func (m *Monitor) Probe(ctx context.Context) Status {
	if m.probeURL == "" {
		return m.Status()
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	started := time.Now()
	online := false
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.probeURL, nil)
	if err == nil {
		resp, doErr := m.httpClient.Do(req)
		if doErr == nil {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
			_ = resp.Body.Close()
			online = resp.StatusCode < http.StatusInternalServerError
		} else {
			err = doErr
		}
	}
	latency := time.Since(started)
	if err != nil {
		m.logger.Debug("connectivity probe failed", zap.String("url", m.probeURL), zap.Error(err))
	}
	m.update(func() {
		m.probeOnline = online
		m.latency = latency
		m.checkedAt = time.Now().UTC()
	})
	return m.Status()
}

// Run probes on a jittered interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	m.Probe(ctx)
	if m.probeURL == "" {
		<-ctx.Done()
		return nil
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(JitteredIntervalWithSample(m.interval, m.jitterRatio, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			m.Probe(ctx)
			timer.Reset(JitteredIntervalWithSample(m.interval, m.jitterRatio, rng.Float64()))
		}
	}
}

func ClampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// JitteredIntervalWithSample spreads base by ±jitterRatio using sample in [0,1].
func JitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = ClampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
