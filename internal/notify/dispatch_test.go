package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/agrovision/riceguard/internal/logger"
	"github.com/agrovision/riceguard/pkg/types"
)

// fakeTransport fails the first failures calls, then succeeds.
type fakeTransport struct {
	failures int
	err      error
	calls    int
	sent     []Message
}

func (f *fakeTransport) Send(_ context.Context, msg Message) error {
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func testJob() *types.NotificationJob {
	return &types.NotificationJob{
		ID:         "job-1",
		Recipient:  "farmer@example.com",
		FarmerName: "Asha",
		Location:   "Field 7",
		Report: &types.DetectionReport{
			ArtifactPath: "/tmp/detection_0001.jpg",
			Classes: []types.ClassSummary{
				{Label: "weed", Count: 2, MeanConfidence: 0.85},
			},
			Summary:   "weed: 2 (avg confidence 85.0%)",
			CreatedAt: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC),
		},
	}
}

func newTestDispatcher(tr Transport, policy RetryPolicy, cooldown time.Duration) *Dispatcher {
	d := NewDispatcher(tr, policy, cooldown, logger.Nop())
	d.sleep = func(context.Context, time.Duration) error { return nil }
	return d
}

func TestDispatchRejectionIsNeverRetried(t *testing.T) {
	tr := &fakeTransport{failures: 10, err: ErrRejected}
	d := newTestDispatcher(tr, RetryPolicy{MaxAttempts: 5, Backoff: ExponentialBackoff(time.Millisecond)}, 0)

	job := testJob()
	err := d.Dispatch(context.Background(), job)
	if err == nil {
		t.Fatalf("Dispatch() = nil, want error")
	}
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("Dispatch() error = %v, want ErrRejected", err)
	}
	if tr.calls != 1 {
		t.Fatalf("transport called %d times, want exactly 1", tr.calls)
	}
	if job.Status != types.JobFailed {
		t.Fatalf("job status = %q, want %q", job.Status, types.JobFailed)
	}
}

func TestDispatchRetriesTransientThenDelivers(t *testing.T) {
	tr := &fakeTransport{failures: 2, err: ErrTransportUnavailable}
	d := newTestDispatcher(tr, RetryPolicy{MaxAttempts: 5, Backoff: ExponentialBackoff(time.Millisecond)}, 0)

	job := testJob()
	if err := d.Dispatch(context.Background(), job); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if tr.calls != 3 {
		t.Fatalf("transport called %d times, want 3", tr.calls)
	}
	if job.Status != types.JobDelivered {
		t.Fatalf("job status = %q, want %q", job.Status, types.JobDelivered)
	}
	if job.Attempts != 3 {
		t.Fatalf("job attempts = %d, want 3", job.Attempts)
	}
}

func TestDispatchExhaustionFails(t *testing.T) {
	tr := &fakeTransport{failures: 10, err: ErrTransportUnavailable}
	d := newTestDispatcher(tr, RetryPolicy{MaxAttempts: 3, Backoff: ExponentialBackoff(time.Millisecond)}, 0)

	job := testJob()
	err := d.Dispatch(context.Background(), job)
	if err == nil {
		t.Fatalf("Dispatch() = nil, want error")
	}
	if tr.calls != 3 {
		t.Fatalf("transport called %d times, want 3", tr.calls)
	}
	if job.Status != types.JobFailed {
		t.Fatalf("job status = %q, want %q", job.Status, types.JobFailed)
	}
	if !strings.Contains(err.Error(), job.Recipient) || !strings.Contains(err.Error(), "3 attempt") {
		t.Fatalf("error %q should name the recipient and attempt count", err)
	}
	if job.LastError == "" {
		t.Fatalf("job.LastError is empty after terminal failure")
	}
}

func TestDispatchCooldownSuppressesRepeatAlerts(t *testing.T) {
	tr := &fakeTransport{}
	d := newTestDispatcher(tr, RetryPolicy{MaxAttempts: 1}, time.Hour)

	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	first := testJob()
	if err := d.Dispatch(context.Background(), first); err != nil {
		t.Fatalf("first Dispatch() error = %v", err)
	}
	if first.Status != types.JobDelivered {
		t.Fatalf("first job status = %q", first.Status)
	}

	second := testJob()
	if err := d.Dispatch(context.Background(), second); err != nil {
		t.Fatalf("second Dispatch() error = %v", err)
	}
	if second.Status != types.JobSuppressed {
		t.Fatalf("second job status = %q, want %q", second.Status, types.JobSuppressed)
	}
	if tr.calls != 1 {
		t.Fatalf("transport called %d times, want 1", tr.calls)
	}

	// After the window passes, alerts flow again.
	now = now.Add(2 * time.Hour)
	third := testJob()
	if err := d.Dispatch(context.Background(), third); err != nil {
		t.Fatalf("third Dispatch() error = %v", err)
	}
	if third.Status != types.JobDelivered {
		t.Fatalf("third job status = %q, want %q", third.Status, types.JobDelivered)
	}
}

func TestBuildAlertMessage(t *testing.T) {
	job := testJob()
	msg := buildAlertMessage(job)

	if msg.To != job.Recipient {
		t.Fatalf("msg.To = %q", msg.To)
	}
	if msg.Subject != "Rice weed alert: 2 weed(s) detected" {
		t.Fatalf("msg.Subject = %q", msg.Subject)
	}
	for _, want := range []string{"Dear Asha", "Field 7", "85.0%", "weed: 2"} {
		if !strings.Contains(msg.Body, want) {
			t.Fatalf("body missing %q:\n%s", want, msg.Body)
		}
	}
	if msg.AttachmentName != "weed_detection.jpg" {
		t.Fatalf("attachment name = %q", msg.AttachmentName)
	}
}

func TestBuildAlertMessageNoWeeds(t *testing.T) {
	job := testJob()
	job.Report.Classes = []types.ClassSummary{{Label: "rice-plant", Count: 3, MeanConfidence: 0.9}}
	job.Report.Summary = "rice-plant: 3 (avg confidence 90.0%)"

	msg := buildAlertMessage(job)
	if msg.Subject != "Rice crop detection report" {
		t.Fatalf("msg.Subject = %q", msg.Subject)
	}
	if strings.Contains(msg.Body, "Immediate attention") {
		t.Fatalf("no-weed body should not carry the action warning:\n%s", msg.Body)
	}
}

func TestIsWeedLabel(t *testing.T) {
	cases := map[string]bool{
		"weed":           true,
		"Barnyard-Grass": true,
		"invasive_plant": true,
		"rice-plant":     false,
		"unhealthy-rice": false,
	}
	for label, want := range cases {
		if got := IsWeedLabel(label); got != want {
			t.Fatalf("IsWeedLabel(%q) = %v, want %v", label, got, want)
		}
	}
}
