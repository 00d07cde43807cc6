package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/receipt-ledger/internal/metrics"
	"github.com/zombor/receipt-ledger/internal/receipt"
	"github.com/zombor/receipt-ledger/internal/scanning"
)

// stepMarkProcessing transitions the receipt out of pending so observers see
// work has begun.
func stepMarkProcessing(ctx context.Context, job *Job) error {
	rec, err := job.runner.db.UpdateStatus(job.Receipt.ID, receipt.StatusProcessing, nil)
	if err != nil {
		return err
	}
	job.Receipt = rec
	job.runner.publish(rec)
	return nil
}

// stepLoadImage fetches the original upload and normalizes it into the
// canonical encoding the extraction service can read.
func stepLoadImage(ctx context.Context, job *Job) error {
	return job.loadImage(ctx)
}

// loadImage is shared with the extract step so a resumed job that skips
// load-image can rebuild the in-memory bytes from durable state.
func (job *Job) loadImage(ctx context.Context) error {
	data, err := job.runner.storage.Get(ctx, job.Receipt.ImagePath)
	if err != nil {
		return fmt.Errorf("loading image: %w", err)
	}

	normalized, mime, err := scanning.Normalize(data, job.Receipt.ContentType)
	if err != nil {
		return err
	}
	job.imageData = normalized
	job.imageMime = mime
	return nil
}

// stepExtract calls the extraction service and records its output on the job
// state so a resume does not pay for a second extraction.
func stepExtract(ctx context.Context, job *Job) error {
	if job.imageData == nil {
		if err := job.loadImage(ctx); err != nil {
			return err
		}
	}

	data, err := job.runner.scanner.ScanReceipt(ctx, job.imageData, job.imageMime)
	if err != nil {
		return err
	}
	job.extracted = data

	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding extraction: %w", err)
	}
	job.state.ExtractedJSON = raw
	return nil
}

// stepPersist writes the extracted fields onto the receipt and wholesale
// replaces its line items in one transaction, marking it completed. The
// replace writes sort order 0..n-1 in extraction order, so it is idempotent:
// a retried persist produces the identical result.
func stepPersist(ctx context.Context, job *Job) error {
	if job.extracted == nil {
		return fmt.Errorf("no extraction result to persist")
	}
	data := job.extracted

	var txDate *time.Time
	if data.Date != "" {
		if d, err := time.Parse("2006-01-02", data.Date); err == nil {
			txDate = &d
		}
	}

	items := make([]receipt.Item, 0, len(data.Items))
	for _, it := range data.Items {
		items = append(items, receipt.Item{
			ID:           uuid.NewString(),
			Name:         it.Name,
			InferredName: it.InferredName,
			ProductType:  it.ProductType,
			BoundingBox:  it.BoundingBox,
			Quantity:     it.Quantity,
			UnitPrice:    it.UnitPrice,
			TotalPrice:   it.TotalPrice,
			Discount:     it.Discount,
		})
	}

	rec, err := job.runner.db.CompleteExtraction(job.Receipt.ID, &receipt.Extraction{
		StoreName:       data.StoreName,
		StoreAddress:    data.StoreAddress,
		TransactionDate: txDate,
		Currency:        data.Currency,
		Subtotal:        data.Subtotal,
		Tax:             data.Tax,
		Total:           data.Total,
		BoundingBox:     data.BoundingBox,
		Items:           items,
	})
	if err != nil {
		return err
	}
	job.Receipt = rec
	return nil
}

// stepCharge deducts exactly one credit for the successful extraction,
// attributed to this receipt. Anonymous receipts are not charged. The deduct
// carries the job's charge key, so neither retries within the job nor a
// crash-resume re-entering this step can charge twice.
func stepCharge(ctx context.Context, job *Job) error {
	if job.Receipt.AccountID == "" {
		return nil
	}
	// Balance may have changed since submission; failing here beats a free
	// extraction.
	if err := job.runner.ledger.Deduct(job.Receipt.AccountID, 1, job.Receipt.ID, "receipt extraction", job.state.chargeKey()); err != nil {
		return err
	}
	metrics.CreditsDeducted.Inc()
	return nil
}

// stepNotifyComplete broadcasts the completion with the fields observers
// display.
func stepNotifyComplete(ctx context.Context, job *Job) error {
	job.runner.publish(job.Receipt)
	return nil
}
