// Package export ships event log records to an external webhook in signed batches
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/slippage-rewards/internal/events"
	"github.com/yourorg/slippage-rewards/internal/security"
)

var ErrNoWebhook = errors.New("export: webhook URL not configured")

// Defaults applied to zero Config fields
const (
	DefaultBatchSize = 100
	DefaultInterval  = time.Minute

	// DefaultPendingBatches sizes the pending buffer, in batches, when MaxPending is unset
	DefaultPendingBatches = 10
)

// Config holds configuration for the webhook exporter
type Config struct {
	WebhookURL string
	APIKey     string
	BatchSize  int
	Interval   time.Duration
	RetryMax   int
	// MaxPending caps buffered records; the oldest are dropped beyond it
	MaxPending int
}

// Batch is the body posted to the webhook
type Batch struct {
	Records    []events.Record `json:"records"`
	ExportTime string          `json:"exportTime"`
	Count      int             `json:"count"`
	FirstSeq   uint64          `json:"firstSeq"`
	LastSeq    uint64          `json:"lastSeq"`
}

// Exporter buffers records and posts them when the batch fills or the interval elapses
type Exporter struct {
	config     Config
	httpClient *http.Client
	signer     *security.Signer

	mu         sync.RWMutex
	pending    []events.Record
	lastExport time.Time
	exported   uint64
	failures   uint64
	dropped    uint64
	lastError  string

	flushMu sync.Mutex
	flushCh chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates an exporter. signer may be nil, in which case batches are posted unsigned.
func New(cfg Config, signer *security.Signer) (*Exporter, error) {
	if cfg.WebhookURL == "" {
		return nil, ErrNoWebhook
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}
	if cfg.MaxPending < cfg.BatchSize {
		cfg.MaxPending = cfg.BatchSize * DefaultPendingBatches
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = cfg.RetryMax
	retryClient.RetryWaitMin = 200 * time.Millisecond
	retryClient.RetryWaitMax = 2 * time.Second
	retryClient.Logger = nil
	retryClient.HTTPClient.Timeout = 10 * time.Second

	return &Exporter{
		config:     cfg,
		httpClient: retryClient.StandardClient(),
		signer:     signer,
		pending:    make([]events.Record, 0, cfg.BatchSize),
		flushCh:    make(chan struct{}, 1),
	}, nil
}

// Start runs the periodic flush loop until ctx is cancelled or Stop is called
func (e *Exporter) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})

	go func() {
		defer close(e.done)
		ticker := time.NewTicker(e.config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.flush(ctx)
			case <-e.flushCh:
				e.flush(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()

	logrus.WithFields(logrus.Fields{
		"webhook":    e.config.WebhookURL,
		"batch_size": e.config.BatchSize,
		"interval":   e.config.Interval.String(),
	}).Info("Event exporter started")
}

// Observe queues one record; subscribe it to the event log. A full batch wakes
// the flush loop started by Start; Observe itself never blocks on the webhook.
func (e *Exporter) Observe(rec events.Record) {
	e.mu.Lock()
	e.pending = append(e.pending, rec)
	e.dropped += uint64(e.trim())
	full := len(e.pending) >= e.config.BatchSize
	e.mu.Unlock()

	if full {
		select {
		case e.flushCh <- struct{}{}:
		default:
		}
	}
}

// trim drops the oldest records beyond MaxPending and returns how many went.
// Requires e.mu held.
func (e *Exporter) trim() int {
	over := len(e.pending) - e.config.MaxPending
	if over <= 0 {
		return 0
	}
	e.pending = append(e.pending[:0:0], e.pending[over:]...)
	return over
}

// Stop ends the flush loop and exports whatever is still pending
func (e *Exporter) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	e.flush(ctx)
}

// Flush exports pending records immediately
func (e *Exporter) Flush(ctx context.Context) error {
	return e.flush(ctx)
}

func (e *Exporter) flush(ctx context.Context) error {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	e.mu.Lock()
	if len(e.pending) == 0 {
		e.mu.Unlock()
		return nil
	}
	batch := make([]events.Record, len(e.pending))
	copy(batch, e.pending)
	e.pending = make([]events.Record, 0, e.config.BatchSize)
	e.mu.Unlock()

	err := e.post(ctx, batch)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		// put the batch back in front so ordering is preserved on the next attempt
		e.pending = append(batch, e.pending...)
		dropped := e.trim()
		e.dropped += uint64(dropped)
		e.failures++
		e.lastError = err.Error()
		logrus.WithError(err).WithFields(logrus.Fields{
			"records":       len(batch),
			"dropped":       dropped,
			"total_dropped": e.dropped,
		}).Error("Failed to export event batch")
		return err
	}
	e.exported += uint64(len(batch))
	e.lastExport = time.Now()
	e.lastError = ""
	logrus.WithField("records", len(batch)).Info("Exported event batch")
	return nil
}

func (e *Exporter) post(ctx context.Context, records []events.Record) error {
	batch := Batch{
		Records:    records,
		ExportTime: time.Now().UTC().Format(time.RFC3339),
		Count:      len(records),
		FirstSeq:   records[0].Seq,
		LastSeq:    records[len(records)-1].Seq,
	}

	var body interface{} = batch
	if e.signer != nil {
		env, err := e.signer.Wrap(batch)
		if err != nil {
			return fmt.Errorf("failed to sign batch: %w", err)
		}
		body = env
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.config.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.config.APIKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned error status: %d", resp.StatusCode)
	}
	return nil
}

// Status describes the exporter for the status endpoint
type Status struct {
	WebhookURL string `json:"webhookUrl"`
	BatchSize  int    `json:"batchSize"`
	Interval   string `json:"interval"`
	Pending    int    `json:"pending"`
	Exported   uint64 `json:"exported"`
	Failures   uint64 `json:"failures"`
	Dropped    uint64 `json:"dropped"`
	Signed     bool   `json:"signed"`
	LastExport string `json:"lastExport,omitempty"`
	LastError  string `json:"lastError,omitempty"`
}

// Status returns a snapshot of the exporter state
func (e *Exporter) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()

	s := Status{
		WebhookURL: e.config.WebhookURL,
		BatchSize:  e.config.BatchSize,
		Interval:   e.config.Interval.String(),
		Pending:    len(e.pending),
		Exported:   e.exported,
		Failures:   e.failures,
		Dropped:    e.dropped,
		Signed:     e.signer != nil,
		LastError:  e.lastError,
	}
	if !e.lastExport.IsZero() {
		s.LastExport = e.lastExport.UTC().Format(time.RFC3339)
	}
	return s
}
