package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/receipt-ledger/internal/ledger"
	"github.com/zombor/receipt-ledger/internal/notify"
	"github.com/zombor/receipt-ledger/internal/receipt"
)

// Validation errors surfaced synchronously to the submitter, before any
// receipt row exists.
var (
	ErrEmptyBatch      = errors.New("batch must contain at least one image")
	ErrBatchTooLarge   = errors.New("batch exceeds the maximum size")
	ErrAccountRequired = errors.New("account id is required")
	ErrNoImage         = errors.New("receipt has no image to re-extract")
	ErrJobInFlight     = errors.New("extraction already in progress")
)

// Upload is one submitted image.
type Upload struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Queued identifies one receipt accepted for processing.
type Queued struct {
	ReceiptID string `json:"id"`
	ImagePath string `json:"image_path"`
	Filename  string `json:"filename"`
}

// IDGenerator generates unique IDs for receipts
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type defaultIDGenerator struct{}

func (g *defaultIDGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Gateway accepts newly uploaded images, creates one pending receipt per
// image, and fires one independent job per receipt.
type Gateway struct {
	db          receipt.DB
	storage     receipt.Storage
	ledger      ledger.Ledger
	runner      *Runner
	hub         *notify.Hub
	maxBatch    int
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewGateway creates a Gateway with default ID generator and time source.
func NewGateway(db receipt.DB, storage receipt.Storage, ledg ledger.Ledger, runner *Runner, hub *notify.Hub, maxBatch int) *Gateway {
	return NewGatewayWithDeps(db, storage, ledg, runner, hub, maxBatch, &defaultIDGenerator{}, &defaultTimeSource{})
}

// NewGatewayWithDeps creates a Gateway with custom dependencies for testing.
func NewGatewayWithDeps(db receipt.DB, storage receipt.Storage, ledg ledger.Ledger, runner *Runner, hub *notify.Hub, maxBatch int, idGen IDGenerator, timeSrc TimeSource) *Gateway {
	return &Gateway{
		db:          db,
		storage:     storage,
		ledger:      ledg,
		runner:      runner,
		hub:         hub,
		maxBatch:    maxBatch,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

// sanitizeFilename cleans up phone-generated filenames: special characters
// removed, runs of whitespace collapsed, base truncated.
func sanitizeFilename(filename string) string {
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)

	reg := regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	base = reg.ReplaceAllString(base, "")
	reg = regexp.MustCompile(`\s+`)
	base = reg.ReplaceAllString(base, " ")
	base = strings.TrimSpace(base)

	maxLen := 50
	if len(base) > maxLen {
		base = base[:maxLen]
	}
	if base == "" {
		base = "receipt"
	}

	return base + ext
}

// SubmitBatch validates the batch, checks the account can afford one credit
// per image, then creates one pending receipt per image and starts its job
// without waiting for completion. A job-start failure fails only that receipt;
// its siblings proceed.
func (g *Gateway) SubmitBatch(ctx context.Context, accountID string, uploads []Upload) ([]Queued, error) {
	if accountID == "" {
		return nil, ErrAccountRequired
	}
	if len(uploads) == 0 {
		return nil, ErrEmptyBatch
	}
	if len(uploads) > g.maxBatch {
		return nil, fmt.Errorf("%w: %d images, maximum is %d", ErrBatchTooLarge, len(uploads), g.maxBatch)
	}

	// The whole batch is rejected before any record exists when the account
	// cannot afford one credit per image.
	ok, err := g.ledger.HasCredits(accountID, len(uploads))
	if err != nil {
		return nil, fmt.Errorf("checking credits: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: need %d", ledger.ErrInsufficientCredits, len(uploads))
	}

	queued := make([]Queued, 0, len(uploads))
	for _, upload := range uploads {
		q, err := g.submitOne(ctx, accountID, upload)
		if err != nil {
			// Per-image failure before a receipt row exists: skip this image
			// but never abort its siblings.
			slog.Error("Failed to queue upload", "filename", upload.Filename, "error", err)
			continue
		}
		queued = append(queued, *q)
	}
	return queued, nil
}

func (g *Gateway) submitOne(ctx context.Context, accountID string, upload Upload) (*Queued, error) {
	id := g.idGenerator.Generate()
	now := g.timeSource.Now()
	cleanFilename := sanitizeFilename(upload.Filename)

	bucket, path, err := g.storage.Save(ctx, fmt.Sprintf("%s_%s", id, cleanFilename), upload.Data)
	if err != nil {
		return nil, fmt.Errorf("saving image: %w", err)
	}

	rec := &receipt.Receipt{
		ID:          id,
		AccountID:   accountID,
		Status:      receipt.StatusPending,
		Total:       0,
		ImageBucket: bucket,
		ImagePath:   path,
		Filename:    upload.Filename,
		ContentType: contentTypeFor(upload),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := g.db.SaveReceipt(rec); err != nil {
		if derr := g.storage.Delete(ctx, path); derr != nil {
			slog.Warn("Failed to delete orphaned image", "path", path, "error", derr)
		}
		return nil, fmt.Errorf("saving receipt: %w", err)
	}
	g.publish(rec)

	if err := g.runner.Start(ctx, id); err != nil {
		// The receipt exists but its job never started; fail it in place so
		// the caller's batch response still succeeds for queued siblings.
		msg := fmt.Sprintf("starting extraction job: %v", err)
		if failed, uerr := g.db.UpdateStatus(id, receipt.StatusFailed, &msg); uerr != nil {
			slog.Error("Failed to mark unstartable job as failed", "receipt_id", id, "error", uerr)
		} else {
			g.publish(failed)
		}
	}

	return &Queued{ReceiptID: id, ImagePath: path, Filename: upload.Filename}, nil
}

// Rerun starts a fresh extraction cycle on an existing receipt, reusing its
// image. The terminal receipt is reset to pending and its error cleared.
func (g *Gateway) Rerun(ctx context.Context, receiptID string) (*Queued, error) {
	rec, err := g.db.GetReceipt(receiptID)
	if err != nil {
		return nil, err
	}
	if rec.ImagePath == "" {
		return nil, ErrNoImage
	}
	if !rec.Status.Terminal() {
		return nil, ErrJobInFlight
	}

	if rec.AccountID != "" {
		ok, err := g.ledger.HasCredits(rec.AccountID, 1)
		if err != nil {
			return nil, fmt.Errorf("checking credits: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: need 1", ledger.ErrInsufficientCredits)
		}
	}

	rec, err = g.db.ResetForRerun(receiptID)
	if err != nil {
		return nil, err
	}
	g.publish(rec)

	if err := g.runner.Start(ctx, receiptID); err != nil {
		msg := fmt.Sprintf("starting extraction job: %v", err)
		if failed, uerr := g.db.UpdateStatus(receiptID, receipt.StatusFailed, &msg); uerr != nil {
			slog.Error("Failed to mark unstartable job as failed", "receipt_id", receiptID, "error", uerr)
		} else {
			g.publish(failed)
		}
		return nil, fmt.Errorf("starting extraction job: %w", err)
	}

	return &Queued{ReceiptID: rec.ID, ImagePath: rec.ImagePath, Filename: rec.Filename}, nil
}

func (g *Gateway) publish(rec *receipt.Receipt) {
	g.hub.Publish(notify.Event{
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

// contentTypeFor resolves the content type, falling back to the filename
// extension for clients that do not send one.
func contentTypeFor(upload Upload) string {
	contentType := strings.ToLower(strings.TrimSpace(upload.ContentType))
	if contentType != "" {
		return contentType
	}
	switch strings.ToLower(filepath.Ext(upload.Filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	default:
		return "application/octet-stream"
	}
}
