package events

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/limboys/gateway/internal/config"
)

// AccessEvent is one access-log record exported to the external sink.
type AccessEvent struct {
	RequestID      string  `json:"request_id"`
	Provider       string  `json:"provider"`
	Method         string  `json:"method"`
	Path           string  `json:"path"`
	ClientIP       string  `json:"client_ip"`
	Status         int     `json:"status"`
	UpstreamStatus int     `json:"upstream_status,omitempty"`
	ErrorType      string  `json:"error_type,omitempty"`
	LatencyMS      float64 `json:"latency_ms"`
	Timestamp      string  `json:"timestamp"` // RFC 3339
}

// Exporter batches access events and flushes them to an external HTTP sink.
// Emission is fire-and-forget: when the ring buffer is full the oldest event
// is dropped, and a slow or failing sink never blocks the request hot path.
type Exporter struct {
	logger *slog.Logger

	httpURL    string
	httpClient *http.Client

	batchSize     int
	flushInterval time.Duration
	bufferSize    int

	ring     []AccessEvent
	ringMu   sync.Mutex
	ringHead int
	ringLen  int

	flushCh chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewExporter creates the access-log exporter, or nil when events are
// disabled in the config. A nil *Exporter is safe to use.
func NewExporter(cfg config.EventsConfig, logger *slog.Logger) *Exporter {
	if !cfg.Enabled {
		return nil
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 10000
	}

	flushInterval := 5 * time.Second
	if cfg.FlushInterval != "" {
		if d, err := time.ParseDuration(cfg.FlushInterval); err == nil && d > 0 {
			flushInterval = d
		}
	}

	e := &Exporter{
		logger:        logger.With("component", "events_exporter"),
		httpURL:       cfg.URL,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		batchSize:     batchSize,
		flushInterval: flushInterval,
		bufferSize:    bufferSize,
		ring:          make([]AccessEvent, bufferSize),
		flushCh:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}

	e.wg.Add(1)
	go e.flushLoop()

	return e
}

// Emit enqueues an access event. Never blocks; drops the oldest event when
// the buffer is full. Safe on a nil receiver.
func (e *Exporter) Emit(ev AccessEvent) {
	if e == nil {
		return
	}

	e.ringMu.Lock()
	tail := (e.ringHead + e.ringLen) % e.bufferSize
	e.ring[tail] = ev
	if e.ringLen == e.bufferSize {
		// Buffer full — drop oldest by advancing head.
		e.ringHead = (e.ringHead + 1) % e.bufferSize
	} else {
		e.ringLen++
	}
	shouldFlush := e.ringLen >= e.batchSize
	e.ringMu.Unlock()

	if shouldFlush {
		select {
		case e.flushCh <- struct{}{}:
		default:
		}
	}
}

// Close flushes remaining events and stops the flush loop. Safe on nil.
func (e *Exporter) Close() error {
	if e == nil {
		return nil
	}
	close(e.done)
	e.wg.Wait()

	// Final drain.
	e.flush()
	return nil
}

func (e *Exporter) flushLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.flush()
		case <-e.flushCh:
			e.flush()
		}
	}
}

func (e *Exporter) flush() {
	for {
		batch := e.drain()
		if len(batch) == 0 {
			return
		}
		e.send(batch)
	}
}

func (e *Exporter) drain() []AccessEvent {
	e.ringMu.Lock()
	defer e.ringMu.Unlock()

	if e.ringLen == 0 {
		return nil
	}

	n := e.ringLen
	if n > e.batchSize {
		n = e.batchSize
	}

	batch := make([]AccessEvent, n)
	for i := 0; i < n; i++ {
		batch[i] = e.ring[(e.ringHead+i)%e.bufferSize]
	}
	e.ringHead = (e.ringHead + n) % e.bufferSize
	e.ringLen -= n
	return batch
}

func (e *Exporter) send(batch []AccessEvent) {
	if e.httpURL == "" {
		e.logger.Warn("no events destination configured, dropping batch", "count", len(batch))
		return
	}

	payload := struct {
		Events []AccessEvent `json:"events"`
	}{Events: batch}

	body, err := json.Marshal(payload)
	if err != nil {
		e.logger.Error("failed to marshal events batch", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.httpURL, bytes.NewReader(body))
	if err != nil {
		e.logger.Error("failed to create events HTTP request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		e.logger.Warn("failed to send events batch", "error", err, "count", len(batch))
		return
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 400 {
		e.logger.Warn("events receiver returned error",
			"status", resp.StatusCode, "count", len(batch))
	}
}
