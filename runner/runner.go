package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dhcgn/winesync/classifier"
	"github.com/dhcgn/winesync/document"
	"github.com/dhcgn/winesync/filter"
	"github.com/dhcgn/winesync/message"
	"github.com/dhcgn/winesync/model"
	"github.com/dhcgn/winesync/stats"
)

// Mailbox lists and fetches candidate messages.
type Mailbox interface {
	Connect(ctx context.Context) error
	Search(ctx context.Context, domains []string) ([]uint32, error)
	Fetch(ctx context.Context, uid uint32) (model.RawMessage, error)
	Close() error
}

// Classifier decides whether text is a wine order and extracts its items.
type Classifier interface {
	Classify(ctx context.Context, text string) (model.ExtractionResult, error)
}

// Exporter appends rows to the export sink.
type Exporter interface {
	Check(ctx context.Context) error
	Append(ctx context.Context, rows []model.Row) error
}

// Archiver keeps a copy of confirmed order emails.
type Archiver interface {
	Append(email model.Email) error
}

type budgeted interface {
	ResetBudget()
}

type Deps struct {
	Mailbox    Mailbox
	Classifier Classifier
	Exporter   Exporter
	Archive    Archiver
	Filter     *filter.Filter
	Extractor  *document.Extractor
	Reporter   *stats.Reporter
}

type Options struct {
	// DryRun classifies but logs rows instead of exporting them. The
	// exporter may be nil.
	DryRun bool
}

// Runner executes poll cycles. Messages are processed one at a time.
type Runner struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
	newID  func() string
}

func New(deps Deps, opts Options, logger *slog.Logger) (*Runner, error) {
	if deps.Mailbox == nil {
		return nil, fmt.Errorf("mailbox must not be nil")
	}
	if deps.Classifier == nil {
		return nil, fmt.Errorf("classifier must not be nil")
	}
	if deps.Filter == nil {
		return nil, fmt.Errorf("filter must not be nil")
	}
	if deps.Exporter == nil && !opts.DryRun {
		return nil, fmt.Errorf("exporter must not be nil")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if deps.Extractor == nil {
		deps.Extractor = document.New(0, logger)
	}
	if deps.Reporter == nil {
		deps.Reporter = stats.NewReporter("", logger)
	}
	return &Runner{deps: deps, opts: opts, logger: logger, newID: uuid.NewString}, nil
}

// RunOnce runs one poll cycle. The returned error is fatal for the cycle:
// mailbox connection or search failure, an unreachable export sink or
// cancellation. Per-message failures only show up in the summary.
func (r *Runner) RunOnce(ctx context.Context) (stats.Summary, error) {
	runID := r.newID()
	logger := r.logger.With("run", runID)
	collector := stats.NewCollector()

	err := r.cycle(ctx, logger, collector)
	summary := collector.Snapshot()
	_ = r.deps.Reporter.Report(ctx, runID, summary, err)
	return summary, err
}

func (r *Runner) cycle(ctx context.Context, logger *slog.Logger, collector *stats.Collector) error {
	if b, ok := r.deps.Classifier.(budgeted); ok {
		b.ResetBudget()
	}

	if err := r.deps.Mailbox.Connect(ctx); err != nil {
		collector.Record(stats.Event{Stage: stats.StageMailbox, Type: stats.EventTypeError, Err: err})
		return fmt.Errorf("connect mailbox: %w", err)
	}
	defer func() {
		if err := r.deps.Mailbox.Close(); err != nil {
			logger.Warn("mailbox close failed", "err", err)
		}
	}()

	if r.deps.Exporter != nil {
		if err := r.deps.Exporter.Check(ctx); err != nil {
			collector.Record(stats.Event{Stage: stats.StageExport, Type: stats.EventTypeError, Err: err})
			return fmt.Errorf("check export sink: %w", err)
		}
	}

	domains := r.deps.Filter.Domains()
	uids, err := r.deps.Mailbox.Search(ctx, domains)
	if err != nil {
		collector.Record(stats.Event{Stage: stats.StageMailbox, Type: stats.EventTypeError, Err: err})
		return fmt.Errorf("search mailbox: %w", err)
	}
	logger.Info("candidate messages found", "count", len(uids), "domains", len(domains), "dryRun", r.opts.DryRun)

	for _, uid := range uids {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.process(ctx, logger.With("uid", uid), collector, uid)
	}
	return nil
}

func (r *Runner) process(ctx context.Context, logger *slog.Logger, collector *stats.Collector, uid uint32) {
	collector.Record(stats.Event{Stage: stats.StageMailbox, Type: stats.EventTypeScanned})

	fail := func(stage stats.Stage, messageID string, err error) {
		collector.Record(stats.Event{Stage: stage, Type: stats.EventTypeError, MessageID: messageID, Err: err})
		logger.Error("message failed", "stage", stage, "messageID", messageID, "err", err)
	}

	raw, err := r.deps.Mailbox.Fetch(ctx, uid)
	if err != nil {
		fail(stats.StageMailbox, "", fmt.Errorf("fetch: %w", err))
		return
	}

	email, err := message.Parse(raw)
	if err != nil {
		fail(stats.StageMailbox, "", fmt.Errorf("parse: %w", err))
		return
	}
	logger = logger.With("messageID", email.Label())

	verdict := r.deps.Filter.Check(email.From, email.Subject)
	if !verdict.Allowed {
		collector.Record(stats.Event{Stage: stats.StageFilter, Type: stats.EventTypeFiltered, MessageID: email.MessageID, Detail: verdict.Reason})
		logger.Debug("message filtered", "from", email.From, "domain", verdict.Domain, "reason", verdict.Reason)
		return
	}

	docs := r.attachmentTexts(logger, collector, email)
	text := classifier.ComposeText(email, docs)
	if text == "" {
		collector.Record(stats.Event{Stage: stats.StageClassify, Type: stats.EventTypeRejected, MessageID: email.MessageID, Detail: "too short"})
		logger.Debug("not enough text to classify", "subject", email.Subject)
		return
	}

	result, err := r.deps.Classifier.Classify(ctx, text)
	if err != nil {
		fail(stats.StageClassify, email.MessageID, fmt.Errorf("classify: %w", err))
		return
	}
	if !result.IsOrder {
		collector.Record(stats.Event{Stage: stats.StageClassify, Type: stats.EventTypeRejected, MessageID: email.MessageID})
		logger.Info("not an order", "subject", email.Subject)
		return
	}
	collector.Record(stats.Event{Stage: stats.StageClassify, Type: stats.EventTypeOrder, MessageID: email.MessageID})

	rows := result.Rows()
	if len(rows) == 0 {
		logger.Warn("order without line items", "subject", email.Subject, "orderNumber", result.OrderNumber)
		return
	}

	if r.opts.DryRun {
		for _, row := range rows {
			logger.Info("dry-run row", "row", row[:])
		}
		collector.Record(stats.Event{Stage: stats.StageExport, Type: stats.EventTypeDryRunExport, MessageID: email.MessageID, Rows: len(rows)})
	} else {
		if err := r.deps.Exporter.Append(ctx, rows); err != nil {
			fail(stats.StageExport, email.MessageID, err)
			return
		}
		collector.Record(stats.Event{Stage: stats.StageExport, Type: stats.EventTypeExported, MessageID: email.MessageID, Rows: len(rows)})
		logger.Info("order exported", "subject", email.Subject, "orderNumber", result.OrderNumber, "total", result.TotalPrice, "rows", len(rows))
	}

	if r.deps.Archive != nil {
		if err := r.deps.Archive.Append(email); err != nil {
			fail(stats.StageArchive, email.MessageID, err)
			return
		}
		collector.Record(stats.Event{Stage: stats.StageArchive, Type: stats.EventTypeArchived, MessageID: email.MessageID})
	}
}

// attachmentTexts returns the text of attachments that look like order
// documents. Extraction failures are counted but never stop the message.
func (r *Runner) attachmentTexts(logger *slog.Logger, collector *stats.Collector, email model.Email) []classifier.AttachmentText {
	var docs []classifier.AttachmentText
	for _, att := range email.Attachments {
		text, err := r.deps.Extractor.Extract(att)
		if err != nil {
			if !errors.Is(err, document.ErrUnsupported) {
				collector.Record(stats.Event{Stage: stats.StageDocument, Type: stats.EventTypeError, MessageID: email.MessageID, Err: err})
				logger.Warn("attachment extraction failed", "filename", att.Filename, "err", err)
			}
			continue
		}
		if text == "" || !document.LooksLikeOrder(text) {
			logger.Debug("attachment ignored", "filename", att.Filename, "chars", len(text))
			continue
		}
		docs = append(docs, classifier.AttachmentText{Filename: att.Filename, Text: text})
	}
	return docs
}

// since returns a log-friendly duration.
func since(t time.Time) time.Duration {
	return time.Since(t).Round(time.Millisecond)
}
