package connectivity

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"trialsync/internal/models"

	"github.com/rs/zerolog"
)

// ManualSource is a ConnectivitySource driven by explicit calls, used by
// platform shims that receive online/offline callbacks and by tests.
type ManualSource struct {
	mu sync.Mutex
	ch chan models.ConnectivitySignal
}

func NewManualSource() *ManualSource {
	return &ManualSource{ch: make(chan models.ConnectivitySignal, 16)}
}

func (s *ManualSource) Signals(ctx context.Context) (<-chan models.ConnectivitySignal, error) {
	return s.ch, nil
}

// Set emits an observation. It blocks if the buffer is full.
func (s *ManualSource) Set(online bool, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ch <- models.ConnectivitySignal{Online: online, Latency: latency, At: time.Now()}
}

// Close ends the signal stream.
func (s *ManualSource) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.ch)
}

// HTTPProbe derives connectivity by periodically requesting a health endpoint.
// Any response, even an error status, counts as online: the server was reached.
type HTTPProbe struct {
	url      string
	client   *http.Client
	interval time.Duration
	logger   *zerolog.Logger
}

func NewHTTPProbe(baseURL, healthPath string, interval, timeout time.Duration, logger *zerolog.Logger) *HTTPProbe {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &HTTPProbe{
		url:      strings.TrimRight(baseURL, "/") + healthPath,
		client:   &http.Client{Timeout: timeout},
		interval: interval,
		logger:   logger,
	}
}

func (p *HTTPProbe) Signals(ctx context.Context) (<-chan models.ConnectivitySignal, error) {
	if p.url == "" || !strings.HasPrefix(p.url, "http") {
		return nil, fmt.Errorf("probe url is invalid: %q", p.url)
	}
	out := make(chan models.ConnectivitySignal, 1)
	go func() {
		defer close(out)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			sig := p.Probe(ctx)
			select {
			case <-ctx.Done():
				return
			case out <- sig:
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out, nil
}

// Probe performs a single health request.
func (p *HTTPProbe) Probe(ctx context.Context) models.ConnectivitySignal {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return models.ConnectivitySignal{Online: false, At: start}
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug().Err(err).Str("url", p.url).Msg("health probe failed")
		return models.ConnectivitySignal{Online: false, At: start}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	return models.ConnectivitySignal{Online: true, Latency: time.Since(start), At: start}
}
