package stats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

type Stage string

const (
	StageMailbox  Stage = "mailbox"
	StageFilter   Stage = "filter"
	StageDocument Stage = "document"
	StageClassify Stage = "classify"
	StageExport   Stage = "export"
	StageArchive  Stage = "archive"
)

type EventType string

const (
	EventTypeScanned      EventType = "scanned"
	EventTypeFiltered     EventType = "filtered"
	EventTypeRejected     EventType = "rejected"
	EventTypeOrder        EventType = "order"
	EventTypeExported     EventType = "exported"
	EventTypeDryRunExport EventType = "dry_run_exported"
	EventTypeArchived     EventType = "archived"
	EventTypeError        EventType = "error"
)

type Event struct {
	Stage     Stage
	Type      EventType
	MessageID string
	Rows      int
	Err       error
	Detail    string
}

type Summary struct {
	Scanned     int
	Filtered    int
	Rejected    int
	Orders      int
	Exported    int
	Rows        int
	DryRunRows  int
	Archived    int
	Errors      int
	StageErrors map[Stage]int
	LastError   error
	Duration    time.Duration
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"scanned", s.Scanned,
		"filtered", s.Filtered,
		"rejected", s.Rejected,
		"orders", s.Orders,
		"exported", s.Exported,
		"rows", s.Rows,
		"dryRunRows", s.DryRunRows,
		"archived", s.Archived,
		"errors", s.Errors,
	}
	if s.Duration > 0 {
		attrs = append(attrs, "duration", s.Duration)
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

// Collector aggregates the events of one poll cycle. It is safe for
// concurrent use.
type Collector struct {
	mu      sync.Mutex
	summary Summary
	started time.Time
}

func NewCollector() *Collector {
	return &Collector{started: time.Now()}
}

func (c *Collector) Record(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeScanned:
		c.summary.Scanned++
	case EventTypeFiltered:
		c.summary.Filtered++
	case EventTypeRejected:
		c.summary.Rejected++
	case EventTypeOrder:
		c.summary.Orders++
	case EventTypeExported:
		c.summary.Exported++
		c.summary.Rows += evt.Rows
	case EventTypeDryRunExport:
		c.summary.DryRunRows += evt.Rows
	case EventTypeArchived:
		c.summary.Archived++
	case EventTypeError:
		c.summary.Errors++
		if c.summary.StageErrors == nil {
			c.summary.StageErrors = make(map[Stage]int)
		}
		c.summary.StageErrors[evt.Stage]++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	summary := c.summary
	if c.summary.StageErrors != nil {
		summary.StageErrors = make(map[Stage]int, len(c.summary.StageErrors))
		for k, v := range c.summary.StageErrors {
			summary.StageErrors[k] = v
		}
	}
	summary.Duration = time.Since(c.started)
	return summary
}

// Reporter logs cycle summaries and optionally pushes them to a Prometheus
// Pushgateway.
type Reporter struct {
	logger  *slog.Logger
	gateway string
	job     string
}

func NewReporter(pushgatewayURL string, logger *slog.Logger) *Reporter {
	return &Reporter{logger: logger, gateway: pushgatewayURL, job: "winesync"}
}

// Report logs the summary. A failed push is logged and returned; the summary
// is logged either way.
func (r *Reporter) Report(ctx context.Context, runID string, summary Summary, runErr error) error {
	attrs := append(summary.LogAttrs(), "run", runID)
	if r.logger != nil {
		switch {
		case runErr != nil:
			r.logger.Error("poll cycle failed", append(attrs, "err", runErr)...)
		case ctx.Err() != nil:
			r.logger.Debug("poll cycle interrupted", append(attrs, "err", ctx.Err())...)
		default:
			r.logger.Info("stats summary", attrs...)
		}
	}

	if r.gateway == "" {
		return nil
	}
	if err := r.push(ctx, summary, runErr); err != nil {
		if r.logger != nil {
			r.logger.Warn("metrics push failed", "gateway", r.gateway, "err", err)
		}
		return err
	}
	return nil
}

func (r *Reporter) push(ctx context.Context, summary Summary, runErr error) error {
	messages := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "winesync_last_run_messages",
		Help: "Messages handled in the last poll cycle, by outcome.",
	}, []string{"outcome"})
	messages.WithLabelValues("scanned").Set(float64(summary.Scanned))
	messages.WithLabelValues("filtered").Set(float64(summary.Filtered))
	messages.WithLabelValues("rejected").Set(float64(summary.Rejected))
	messages.WithLabelValues("order").Set(float64(summary.Orders))
	messages.WithLabelValues("exported").Set(float64(summary.Exported))
	messages.WithLabelValues("error").Set(float64(summary.Errors))

	rows := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "winesync_last_run_rows",
		Help: "Spreadsheet rows appended in the last poll cycle.",
	})
	rows.Set(float64(summary.Rows))

	duration := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "winesync_last_run_duration_seconds",
		Help: "Duration of the last poll cycle.",
	})
	duration.Set(summary.Duration.Seconds())

	success := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "winesync_last_run_success",
		Help: "1 if the last poll cycle completed without a fatal error.",
	})
	if runErr == nil {
		success.Set(1)
	}

	completed := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "winesync_last_run_timestamp_seconds",
		Help: "Unix time the last poll cycle finished.",
	})
	completed.SetToCurrentTime()

	err := push.New(r.gateway, r.job).
		Collector(messages).
		Collector(rows).
		Collector(duration).
		Collector(success).
		Collector(completed).
		PushContext(ctx)
	if err != nil {
		return fmt.Errorf("push to %s: %w", r.gateway, err)
	}
	return nil
}
