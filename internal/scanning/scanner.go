package scanning

import (
	"context"

	"github.com/zombor/receipt-ledger/internal/receipt"
)

// ItemData is one extracted line item. Name and TotalPrice are always present;
// everything else may be absent.
type ItemData struct {
	Name         string               `json:"name"`
	InferredName *string              `json:"inferred_name"`
	ProductType  *string              `json:"product_type"`
	BoundingBox  *receipt.BoundingBox `json:"bounding_box"`
	Quantity     float64              `json:"quantity"` // defaults to 1
	UnitPrice    *float64             `json:"unit_price"`
	TotalPrice   float64              `json:"total_price"` // defaults to 0
	Discount     *float64             `json:"discount"`
}

// ReceiptData contains the structured fields extracted from a receipt. Every
// field may be absent except Total (defaults to 0) and Items (defaults to
// empty).
type ReceiptData struct {
	StoreName    *string              `json:"store_name"`
	StoreAddress *string              `json:"store_address"`
	Date         string               `json:"date"` // ISO 8601, empty when not found
	Currency     string               `json:"currency"`
	BoundingBox  *receipt.BoundingBox `json:"bounding_box"`
	Subtotal     *float64             `json:"subtotal"`
	Tax          *float64             `json:"tax"`
	Total        float64              `json:"total"`
	Items        []ItemData           `json:"items"`
}

// Scanner defines the interface for receipt extraction operations
type Scanner interface {
	// ScanReceipt analyzes a receipt image/PDF and extracts structured fields.
	// Errors marked fatal (see IsFatal) must not be retried; all others are
	// transient.
	ScanReceipt(ctx context.Context, imageData []byte, contentType string) (*ReceiptData, error)
	// Close closes the scanner and releases resources
	Close() error
}
