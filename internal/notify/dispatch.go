package notify

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/agrovision/riceguard/internal/logger"
	"github.com/agrovision/riceguard/pkg/types"
)

var (
	// ErrTransportUnavailable is returned when the mail server cannot be reached.
	ErrTransportUnavailable = errors.New("mail transport unavailable")
	// ErrRejected is returned when the server refuses the message. Never retried.
	ErrRejected = errors.New("message rejected by mail server")
	// ErrTimeout is returned when a send attempt exceeds its deadline.
	ErrTimeout = errors.New("mail send timed out")
)

// Message is one outbound email.
type Message struct {
	To             string
	Subject        string
	Body           string
	AttachmentPath string
	AttachmentName string
}

// Transport delivers a single message. One network send per call.
type Transport interface {
	Send(ctx context.Context, msg Message) error
}

// RetryPolicy is an explicit retry policy value: bounded attempts with a
// backoff function, injected so it can be tested with a fake transport.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
}

// ExponentialBackoff doubles the base delay after every attempt.
func ExponentialBackoff(base time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		return base << (attempt - 1)
	}
}

// Dispatcher sends detection reports over a Transport with retries and an
// optional per-recipient alert cooldown.
type Dispatcher struct {
	transport Transport
	policy    RetryPolicy
	cooldown  time.Duration
	log       *logger.Logger

	mu        sync.Mutex
	lastAlert map[string]time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewDispatcher wires a transport with a retry policy.
func NewDispatcher(transport Transport, policy RetryPolicy, cooldown time.Duration, log *logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.Default()
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.Backoff == nil {
		policy.Backoff = ExponentialBackoff(time.Second)
	}
	return &Dispatcher{
		transport: transport,
		policy:    policy,
		cooldown:  cooldown,
		log:       log,
		lastAlert: make(map[string]time.Time),
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Dispatch delivers the job's report. Transient failures are retried per the
// policy; a rejection is permanent and surfaces immediately. The job always
// reaches a terminal status and a failure is never silently dropped.
func (d *Dispatcher) Dispatch(ctx context.Context, job *types.NotificationJob) error {
	if d.cooldown > 0 && d.suppressed(job.Recipient) {
		job.Status = types.JobSuppressed
		d.log.Info("Notify", "alert to %s suppressed by cooldown", job.Recipient)
		return nil
	}

	msg := buildAlertMessage(job)

	var lastErr error
	for attempt := 1; attempt <= d.policy.MaxAttempts; attempt++ {
		job.Status = types.JobDelivering
		job.Attempts = attempt

		err := d.transport.Send(ctx, msg)
		if err == nil {
			job.Status = types.JobDelivered
			d.markSent(job.Recipient)
			d.log.Info("Notify", "alert delivered to %s after %d attempt(s)", job.Recipient, attempt)
			return nil
		}
		lastErr = err

		if errors.Is(err, ErrRejected) {
			break
		}
		if attempt == d.policy.MaxAttempts {
			break
		}

		wait := d.policy.Backoff(attempt)
		d.log.Warn("Notify", "send to %s failed (attempt %d/%d), retrying in %s: %v",
			job.Recipient, attempt, d.policy.MaxAttempts, wait, err)
		if err := d.sleep(ctx, wait); err != nil {
			lastErr = fmt.Errorf("%w: %v", ErrTimeout, err)
			break
		}
	}

	job.Status = types.JobFailed
	job.LastError = lastErr.Error()
	return fmt.Errorf("notify %s failed after %d attempt(s): %w", job.Recipient, job.Attempts, lastErr)
}

// SendTest sends a configuration-check mail with a single attempt.
func (d *Dispatcher) SendTest(ctx context.Context, recipient string) error {
	msg := Message{
		To:      recipient,
		Subject: "Rice weed detection: test email",
		Body: "This is a test email from the rice weed detection system.\n\n" +
			"If you received it, your email configuration is working correctly.\n",
	}
	if err := d.transport.Send(ctx, msg); err != nil {
		return fmt.Errorf("test email to %s: %w", recipient, err)
	}
	return nil
}

func (d *Dispatcher) suppressed(recipient string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	last, ok := d.lastAlert[recipient]
	return ok && d.now().Sub(last) < d.cooldown
}

func (d *Dispatcher) markSent(recipient string) {
	if d.cooldown <= 0 {
		return
	}
	d.mu.Lock()
	d.lastAlert[recipient] = d.now()
	d.mu.Unlock()
}

// buildAlertMessage renders the alert email for a completed detection.
func buildAlertMessage(job *types.NotificationJob) Message {
	report := job.Report

	weeds := 0
	maxConf := 0.0
	for _, c := range report.Classes {
		if IsWeedLabel(c.Label) {
			weeds += c.Count
			if c.MeanConfidence > maxConf {
				maxConf = c.MeanConfidence
			}
		}
	}

	name := job.FarmerName
	if name == "" {
		name = job.Recipient
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Dear %s,\n\n", name)
	if weeds > 0 {
		fmt.Fprintf(&b, "Our detection system has identified %d weed(s) in your rice crop", weeds)
		if job.Location != "" {
			fmt.Fprintf(&b, " at %s", job.Location)
		}
		b.WriteString(".\n\n")
		fmt.Fprintf(&b, "Weed confidence: %.1f%%\n", maxConf*100)
	} else {
		b.WriteString("Your submitted rice crop image has been analyzed.\n\n")
	}
	fmt.Fprintf(&b, "Detection summary: %s\n", report.Summary)
	fmt.Fprintf(&b, "Detection time: %s\n\n", report.CreatedAt.Format("2006-01-02 15:04:05"))
	if weeds > 0 {
		b.WriteString("Immediate attention is recommended to prevent crop damage.\n")
		b.WriteString("Please check the attached image and take appropriate action.\n")
	}

	subject := "Rice crop detection report"
	if weeds > 0 {
		subject = fmt.Sprintf("Rice weed alert: %d weed(s) detected", weeds)
	}

	return Message{
		To:             job.Recipient,
		Subject:        subject,
		Body:           b.String(),
		AttachmentPath: report.ArtifactPath,
		AttachmentName: "weed_detection" + filepath.Ext(report.ArtifactPath),
	}
}

// weedKeywords marks class labels that count as weeds for alerting.
var weedKeywords = []string{"weed", "unwanted", "invasive", "pest", "grass"}

// IsWeedLabel reports whether a class label represents a weed.
func IsWeedLabel(label string) bool {
	label = strings.ToLower(label)
	for _, kw := range weedKeywords {
		if strings.Contains(label, kw) {
			return true
		}
	}
	return false
}
