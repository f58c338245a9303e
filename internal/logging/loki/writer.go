// Package loki provides a zerolog writer that pushes pool logs to Grafana
// Loki.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

const pushPath = "/loki/api/v1/push"

// Config holds configuration for the Loki writer.
type Config struct {
	URL           string            // Loki base URL, e.g. "http://loki:3100"
	Labels        map[string]string // Stream labels; "job" defaults to "replicastore"
	BatchSize     int               // Max entries before flush (default: 100)
	FlushInterval time.Duration     // Flush interval (default: 5s)
	Timeout       time.Duration     // HTTP timeout (default: 10s)
}

// Writer implements io.Writer. Lines are buffered and pushed when the batch
// is full, on every flush interval, and on Stop.
type Writer struct {
	url    string
	labels map[string]string
	client *http.Client

	mu        sync.Mutex
	buffer    []line
	batchSize int

	interval time.Duration
	trigger  chan struct{}
	stop     chan struct{}
	wg       sync.WaitGroup

	flushing atomic.Bool
	errors   atomic.Uint64
}

type line struct {
	ts   time.Time
	text string
}

type pushRequest struct {
	Streams []stream `json:"streams"`
}

type stream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

// NewWriter creates a Loki writer. Call Start to begin shipping.
func NewWriter(cfg Config) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	labels := map[string]string{"job": "replicastore"}
	for k, v := range cfg.Labels {
		labels[k] = v
	}
	return &Writer{
		url:       cfg.URL + pushPath,
		labels:    labels,
		client:    &http.Client{Timeout: cfg.Timeout},
		buffer:    make([]line, 0, cfg.BatchSize),
		batchSize: cfg.BatchSize,
		interval:  cfg.FlushInterval,
		trigger:   make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
}

// Write buffers one log line. It never fails so that an unreachable Loki
// does not disturb logging.
func (w *Writer) Write(p []byte) (int, error) {
	text := string(bytes.TrimSpace(p))
	if text == "" {
		return len(p), nil
	}

	w.mu.Lock()
	w.buffer = append(w.buffer, line{ts: time.Now(), text: text})
	full := len(w.buffer) >= w.batchSize
	w.mu.Unlock()

	if full {
		select {
		case w.trigger <- struct{}{}:
		default:
		}
	}
	return len(p), nil
}

// Start begins the background flush loop.
func (w *Writer) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-w.stop:
				return
			case <-ticker.C:
				w.Flush()
			case <-w.trigger:
				w.Flush()
			}
		}
	}()
}

// Stop ends the flush loop and pushes what is left.
func (w *Writer) Stop() {
	close(w.stop)
	w.wg.Wait()
	w.Flush()
}

// Flush pushes the buffered lines. Concurrent calls are collapsed.
func (w *Writer) Flush() {
	if !w.flushing.CompareAndSwap(false, true) {
		return
	}
	defer w.flushing.Store(false)

	w.mu.Lock()
	if len(w.buffer) == 0 {
		w.mu.Unlock()
		return
	}
	lines := w.buffer
	w.buffer = make([]line, 0, w.batchSize)
	w.mu.Unlock()

	if err := w.push(lines); err != nil {
		// Only the first few failures are reported, on stderr, so the
		// writer never logs into itself.
		if n := w.errors.Add(1); n <= 3 {
			_, _ = fmt.Fprintf(os.Stderr, "loki: %v\n", err)
		}
	}
}

func (w *Writer) push(lines []line) error {
	values := make([][2]string, len(lines))
	for i, l := range lines {
		values[i] = [2]string{strconv.FormatInt(l.ts.UnixNano(), 10), l.text}
	}
	data, err := json.Marshal(pushRequest{Streams: []stream{{Stream: w.labels, Values: values}}})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.client.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send logs: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	return nil
}

// FlushErrors returns the number of failed pushes.
func (w *Writer) FlushErrors() uint64 {
	return w.errors.Load()
}
