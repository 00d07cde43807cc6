// Package workflow sequences a receipt through its extraction pipeline:
// mark-processing, normalize, extract, charge, persist, notify. Each step's
// result is durable before the next step runs, and a job resumes at the first
// incomplete step after a crash.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
	"go.etcd.io/bbolt"

	"github.com/zombor/receipt-ledger/internal/ledger"
	"github.com/zombor/receipt-ledger/internal/metrics"
	"github.com/zombor/receipt-ledger/internal/notify"
	"github.com/zombor/receipt-ledger/internal/receipt"
	"github.com/zombor/receipt-ledger/internal/scanning"
)

// Step is one durable unit of work within a job.
type Step struct {
	Name string
	Run  func(ctx context.Context, job *Job) error
}

// Job carries the in-flight state of one step sequence. Durable state lives in
// the stores; image bytes are recomputed on resume rather than persisted.
type Job struct {
	Receipt *receipt.Receipt

	runner    *Runner
	state     *JobState
	imageData []byte
	imageMime string
	extracted *scanning.ReceiptData
}

// Runner executes the step sequence for receipt jobs.
type Runner struct {
	db      receipt.DB
	storage receipt.Storage
	scanner scanning.Scanner
	ledger  ledger.Ledger
	hub     *notify.Hub
	jobs    *jobStore

	maxRetries  uint64
	baseBackoff time.Duration

	steps      []Step
	chargeStep int
}

// NewRunner creates a Runner. maxRetries bounds how often a transient step
// error is retried before it is treated as fatal.
func NewRunner(bolt *bbolt.DB, db receipt.DB, storage receipt.Storage, scanner scanning.Scanner, ledg ledger.Ledger, hub *notify.Hub, maxRetries uint64, baseBackoff time.Duration) (*Runner, error) {
	jobs, err := newJobStore(bolt)
	if err != nil {
		return nil, err
	}

	r := &Runner{
		db:          db,
		storage:     storage,
		scanner:     scanner,
		ledger:      ledg,
		hub:         hub,
		jobs:        jobs,
		maxRetries:  maxRetries,
		baseBackoff: baseBackoff,
	}
	// Charge runs before persist so a drained balance fails the receipt while
	// it can still transition to failed; a job that fails after the charge is
	// refunded instead.
	r.steps = []Step{
		{Name: "mark-processing", Run: stepMarkProcessing},
		{Name: "load-image", Run: stepLoadImage},
		{Name: "extract", Run: stepExtract},
		{Name: "charge", Run: stepCharge},
		{Name: "persist", Run: stepPersist},
		{Name: "notify-complete", Run: stepNotifyComplete},
	}
	for i, step := range r.steps {
		if step.Name == "charge" {
			r.chargeStep = i
		}
	}
	return r, nil
}

// Start records a fresh job for the receipt and runs it on its own goroutine.
// The caller only waits for the job record to be durable, never for the job.
func (r *Runner) Start(ctx context.Context, receiptID string) error {
	state := &JobState{
		ReceiptID: receiptID,
		Step:      0,
		Status:    jobRunning,
		StartedAt: time.Now(),
	}
	if err := r.jobs.put(state); err != nil {
		return fmt.Errorf("recording job: %w", err)
	}

	go r.run(context.WithoutCancel(ctx), state)
	return nil
}

// Resume re-enters every job a previous process left mid-flight. Called once
// at startup.
func (r *Runner) Resume(ctx context.Context) error {
	states, err := r.jobs.listRunning()
	if err != nil {
		return fmt.Errorf("listing unfinished jobs: %w", err)
	}
	for _, state := range states {
		slog.Info("Resuming unfinished job", "receipt_id", state.ReceiptID, "step", state.Step)
		go r.run(context.WithoutCancel(ctx), state)
	}
	return nil
}

// run executes the step sequence from the first incomplete step. Errors are
// never surfaced to any caller synchronously: they end up on the receipt's
// error message and are observed through the status interfaces.
func (r *Runner) run(ctx context.Context, state *JobState) {
	start := time.Now()

	rec, err := r.db.GetReceipt(state.ReceiptID)
	if err != nil {
		r.fail(state, nil, fmt.Errorf("loading receipt: %w", err))
		return
	}
	job := &Job{Receipt: rec, runner: r, state: state}

	// Rehydrate the extract step's output when resuming past it.
	if len(state.ExtractedJSON) > 0 {
		if err := json.Unmarshal(state.ExtractedJSON, &job.extracted); err != nil {
			r.fail(state, job, fmt.Errorf("decoding saved extraction: %w", err))
			return
		}
	}

	for i := state.Step; i < len(r.steps); i++ {
		step := r.steps[i]
		if err := r.runStep(ctx, step, job); err != nil {
			r.fail(state, job, fmt.Errorf("%s: %w", step.Name, err))
			return
		}

		state.Step = i + 1
		if err := r.jobs.put(state); err != nil {
			r.fail(state, job, fmt.Errorf("recording progress after %s: %w", step.Name, err))
			return
		}
	}

	state.Status = jobCompleted
	if err := r.jobs.put(state); err != nil {
		slog.Error("Job finished but completion record failed", "receipt_id", state.ReceiptID, "error", err)
	}
	metrics.JobsCompleted.Inc()
	metrics.JobDuration.Observe(time.Since(start).Seconds())
}

// runStep retries transient errors with exponential backoff; fatal errors
// abort immediately.
func (r *Runner) runStep(ctx context.Context, step Step, job *Job) error {
	backoff := retry.WithMaxRetries(r.maxRetries, retry.NewExponential(r.baseBackoff))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := step.Run(ctx, job)
		if err == nil {
			return nil
		}
		if isFatal(err) {
			return err
		}
		slog.Warn("Transient step failure, will retry",
			"receipt_id", job.Receipt.ID,
			"step", step.Name,
			"error", err,
		)
		metrics.StepRetries.WithLabelValues(step.Name).Inc()
		return retry.RetryableError(err)
	})
}

// isFatal decides whether an error may be retried. Anything not explicitly
// fatal is treated as transient.
func isFatal(err error) bool {
	return scanning.IsFatal(err) ||
		errors.Is(err, ledger.ErrInsufficientCredits) ||
		errors.Is(err, ledger.ErrAccountNotFound) ||
		errors.Is(err, receipt.ErrNotFound) ||
		errors.Is(err, receipt.ErrInvalidTransition)
}

// fail moves the receipt to the failed terminal state with the triggering
// message and broadcasts the failure. A credit the job already deducted is
// refunded, so a failed job leaves the balance where it started.
func (r *Runner) fail(state *JobState, job *Job, jobErr error) {
	slog.Error("Job failed", "receipt_id", state.ReceiptID, "error", jobErr)

	msg := jobErr.Error()
	rec, err := r.db.UpdateStatus(state.ReceiptID, receipt.StatusFailed, &msg)
	if err != nil {
		slog.Error("Failed to mark receipt failed", "receipt_id", state.ReceiptID, "error", err)
	} else {
		r.publish(rec)
		r.refundCharge(state, job)
	}

	state.Status = jobFailed
	state.Error = msg
	if err := r.jobs.put(state); err != nil {
		slog.Error("Failed to record job failure", "receipt_id", state.ReceiptID, "error", err)
	}
	metrics.JobsFailed.Inc()
}

// refundCharge returns the job's credit when the deduct committed but the
// receipt still ended up failed. Only called after the receipt transitioned
// to failed, so a completed receipt never triggers a refund.
func (r *Runner) refundCharge(state *JobState, job *Job) {
	if job == nil || job.Receipt == nil || job.Receipt.AccountID == "" {
		return
	}
	if state.Step <= r.chargeStep {
		return // charge never committed
	}
	if err := r.ledger.Refund(job.Receipt.AccountID, 1, state.ReceiptID, "extraction failed after charge"); err != nil {
		slog.Error("Failed to refund charge for failed job",
			"receipt_id", state.ReceiptID,
			"account_id", job.Receipt.AccountID,
			"error", err,
		)
	}
}

// publish broadcasts a receipt's current state to the notifier hub.
func (r *Runner) publish(rec *receipt.Receipt) {
	r.hub.Publish(notify.Event{
		ReceiptID:    rec.ID,
		AccountID:    rec.AccountID,
		Status:       rec.Status,
		ErrorMessage: rec.ErrorMessage,
		StoreName:    rec.StoreName,
		Total:        rec.Total,
		Currency:     rec.Currency,
		ImagePath:    rec.ImagePath,
	})
}
