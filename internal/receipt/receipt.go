package receipt

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the processing state of a receipt.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is one of the four known states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s is a terminal state. Terminal receipts never
// transition again except through an explicit rerun reset.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed:
		return true
	case StatusPending, StatusProcessing:
		return false
	}
	return false
}

// CanTransition reports whether a receipt may move from s to next. Transitions
// only ever move forward: pending -> processing -> completed|failed.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing || next == StatusFailed
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	case StatusCompleted:
		return false
	case StatusFailed:
		return false
	}
	return false
}

// BoundingBox locates a region on the source image as [ymin, xmin, ymax, xmax]
// on a normalized 0-1000 scale.
type BoundingBox [4]float64

// UnmarshalJSON rejects arrays that are not exactly four elements. The stdlib
// array decoder zero-fills short arrays, which would turn a malformed box into
// a plausible-looking one.
func (b *BoundingBox) UnmarshalJSON(data []byte) error {
	var raw []float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("unmarshaling bounding box: %w", err)
	}
	if len(raw) != 4 {
		return fmt.Errorf("bounding box must have exactly 4 elements, got %d", len(raw))
	}
	copy(b[:], raw)
	return nil
}

// Validate checks that every coordinate is on the 0-1000 scale.
func (b *BoundingBox) Validate() error {
	if b == nil {
		return nil
	}
	for _, v := range b {
		if v < 0 || v > 1000 {
			return fmt.Errorf("bounding box coordinate %v outside 0-1000 scale", v)
		}
	}
	return nil
}

// Receipt represents one photographed transaction and its extraction state.
type Receipt struct {
	ID              string       `json:"id"`
	AccountID       string       `json:"account_id,omitempty"` // empty for anonymous/legacy receipts
	Status          Status       `json:"status"`
	StoreName       *string      `json:"store_name,omitempty"`
	StoreAddress    *string      `json:"store_address,omitempty"`
	TransactionDate *time.Time   `json:"transaction_date,omitempty"`
	Currency        string       `json:"currency,omitempty"`
	Subtotal        *float64     `json:"subtotal,omitempty"`
	Tax             *float64     `json:"tax,omitempty"`
	Total           float64      `json:"total"` // always present, 0 while pending, never negative
	ImageBucket     string       `json:"image_bucket,omitempty"`
	ImagePath       string       `json:"image_path"`
	Filename        string       `json:"filename"`
	ContentType     string       `json:"content_type"`
	BoundingBox     *BoundingBox `json:"bounding_box,omitempty"`
	ErrorMessage    *string      `json:"error_message,omitempty"` // non-nil iff Status == failed
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// Item is one line item belonging to exactly one receipt. Items are owned by
// their receipt and are replaced wholesale, never patched.
type Item struct {
	ID           string       `json:"id"`
	ReceiptID    string       `json:"receipt_id"`
	Name         string       `json:"name"` // raw name as printed
	InferredName *string      `json:"inferred_name,omitempty"`
	ProductType  *string      `json:"product_type,omitempty"`
	BoundingBox  *BoundingBox `json:"bounding_box,omitempty"`
	Quantity     float64      `json:"quantity"` // positive, defaults to 1
	UnitPrice    *float64     `json:"unit_price,omitempty"`
	TotalPrice   float64      `json:"total_price"` // non-negative
	Discount     *float64     `json:"discount,omitempty"`
	SortOrder    int          `json:"sort_order"` // display order, 0..n-1 in extraction order
}

// StatusView is the read-side projection returned by the pull and push status
// interfaces.
type StatusView struct {
	ID           string  `json:"id"`
	Status       Status  `json:"status"`
	ErrorMessage *string `json:"error_message,omitempty"`
	StoreName    *string `json:"store_name,omitempty"`
	Total        float64 `json:"total"`
	ImagePath    string  `json:"image_path"`
}

// View returns the status projection for r.
func (r *Receipt) View() StatusView {
	return StatusView{
		ID:           r.ID,
		Status:       r.Status,
		ErrorMessage: r.ErrorMessage,
		StoreName:    r.StoreName,
		Total:        r.Total,
		ImagePath:    r.ImagePath,
	}
}
