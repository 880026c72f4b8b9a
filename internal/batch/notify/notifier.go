package notify

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"log"
	"sync"
	"time"

	batch "solarshare/internal/batch/domain"
	"solarshare/internal/eventing"
)

const defaultMaxLines = 10

// ReportURLResolver provides a link to the run report.
type ReportURLResolver func(runID string) string

// Clock provides time for dedupe.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Notifier alerts operators about runs that did not fully succeed.
type Notifier struct {
	channel      Channel
	template     *Template
	reportURL    ReportURLResolver
	clock        Clock
	logger       *log.Logger
	maxLines     int
	dedupeWindow time.Duration

	mu   sync.Mutex
	sent map[string]time.Time
}

// Option configures the notifier.
type Option func(*Notifier)

// WithReportURLResolver injects a report link resolver.
func WithReportURLResolver(resolver ReportURLResolver) Option {
	return func(n *Notifier) {
		if resolver != nil {
			n.reportURL = resolver
		}
	}
}

// WithClock overrides the default clock.
func WithClock(clock Clock) Option {
	return func(n *Notifier) {
		if clock != nil {
			n.clock = clock
		}
	}
}

// WithLogger sets the logger used for delivery errors.
func WithLogger(logger *log.Logger) Option {
	return func(n *Notifier) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// WithDedupeWindow suppresses identical notifications within the window.
func WithDedupeWindow(window time.Duration) Option {
	return func(n *Notifier) {
		if window > 0 {
			n.dedupeWindow = window
		}
	}
}

// WithMaxLines caps the failure lines in one message.
func WithMaxLines(lines int) Option {
	return func(n *Notifier) {
		if lines > 0 {
			n.maxLines = lines
		}
	}
}

// NewNotifier constructs a notifier.
func NewNotifier(channel Channel, template *Template, opts ...Option) (*Notifier, error) {
	if channel == nil {
		return nil, errors.New("batch notifier: nil channel")
	}
	if template == nil {
		defaultTemplate, err := NewTemplate("")
		if err != nil {
			return nil, err
		}
		template = defaultTemplate
	}
	n := &Notifier{
		channel:  channel,
		template: template,
		clock:    systemClock{},
		logger:   log.Default(),
		maxLines: defaultMaxLines,
		sent:     make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Attach subscribes the notifier to run completions.
func (n *Notifier) Attach(bus eventing.Bus) {
	if n == nil || bus == nil {
		return
	}
	bus.Subscribe(eventing.EventTypeOf[batch.RunCompleted](), n.Handle)
}

// Handle is the bus handler. Delivery errors are logged, not returned.
func (n *Notifier) Handle(ctx context.Context, event any) error {
	var done batch.RunCompleted
	switch ev := event.(type) {
	case batch.RunCompleted:
		done = ev
	case *batch.RunCompleted:
		if ev == nil {
			return nil
		}
		done = *ev
	default:
		return nil
	}
	if err := n.Notify(ctx, done); err != nil {
		n.logger.Printf("batch notify error: run_id=%s err=%v", done.RunID, err)
	}
	return nil
}

// Notify sends a message for partial, failed and canceled runs. Succeeded runs are ignored.
func (n *Notifier) Notify(ctx context.Context, done batch.RunCompleted) error {
	if done.Status == batch.StatusSucceeded || !done.Status.IsFinal() {
		return nil
	}
	data := n.buildData(done)
	content, err := n.template.Render(data)
	if err != nil {
		return err
	}
	hash := hashContent(content)
	if !n.shouldSend(hash) {
		return nil
	}
	msg := Message{RunID: data.RunID, Month: data.Month, Status: data.Status, Text: content}
	if err := n.channel.Send(ctx, msg); err != nil {
		return err
	}
	n.markSent(hash)
	return nil
}

func (n *Notifier) buildData(done batch.RunCompleted) TemplateData {
	data := TemplateData{
		RunID:     done.RunID,
		Month:     done.Period.String(),
		Status:    string(done.Status),
		Total:     done.Counts.Total,
		Succeeded: done.Counts.Succeeded,
		Failed:    done.Counts.Failed,
		Canceled:  done.Counts.Canceled,
	}
	for i, f := range done.Failures {
		if i >= n.maxLines {
			data.More = len(done.Failures) - n.maxLines
			break
		}
		data.Failures = append(data.Failures, FailureLine{
			Stage:   string(f.Stage),
			Subject: f.Subject,
			Kind:    string(f.Kind),
			Error:   f.Error,
		})
	}
	if n.reportURL != nil {
		data.ReportURL = n.reportURL(done.RunID)
	}
	return data
}

func (n *Notifier) shouldSend(hash string) bool {
	if n.dedupeWindow <= 0 {
		return true
	}
	n.mu.Lock()
	at, ok := n.sent[hash]
	n.mu.Unlock()
	return !ok || n.clock.Now().Sub(at) >= n.dedupeWindow
}

func (n *Notifier) markSent(hash string) {
	if n.dedupeWindow <= 0 {
		return
	}
	n.mu.Lock()
	n.sent[hash] = n.clock.Now()
	n.mu.Unlock()
}

func hashContent(content string) string {
	sum := sha1.Sum([]byte(content))
	return hex.EncodeToString(sum[:8])
}
