package receipt

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const (
	receiptBucket = "receipts"
	itemBucket    = "receipt_items"
)

// ErrNotFound is returned when a receipt does not exist.
var ErrNotFound = errors.New("receipt not found")

// ErrInvalidTransition is returned when a status update would move a receipt
// backwards or out of a terminal state.
var ErrInvalidTransition = errors.New("invalid status transition")

// Extraction holds the fields written onto a receipt when an extraction
// completes. Items replace the previous set wholesale.
type Extraction struct {
	StoreName       *string
	StoreAddress    *string
	TransactionDate *time.Time
	Currency        string
	Subtotal        *float64
	Tax             *float64
	Total           float64
	BoundingBox     *BoundingBox
	Items           []Item
}

// DB defines the interface for receipt persistence.
type DB interface {
	// SaveReceipt saves a receipt to the database
	SaveReceipt(receipt *Receipt) error

	// GetReceipt retrieves a receipt by ID
	GetReceipt(id string) (*Receipt, error)

	// ListReceipts returns all receipts
	ListReceipts() ([]*Receipt, error)

	// ListReceiptsByAccount returns all receipts owned by an account
	ListReceiptsByAccount(accountID string) ([]*Receipt, error)

	// UpdateStatus moves a receipt to the given status, enforcing the
	// forward-only state machine, and returns the updated receipt. The error
	// message must be non-nil iff status is failed.
	UpdateStatus(id string, status Status, errorMessage *string) (*Receipt, error)

	// CompleteExtraction writes the extracted fields, replaces the item set,
	// and marks the receipt completed in one transaction.
	CompleteExtraction(id string, ex *Extraction) (*Receipt, error)

	// GetItems returns a receipt's line items in sort order
	GetItems(receiptID string) ([]Item, error)

	// ReplaceItems deletes the previous item set and inserts the new one as
	// one logical operation
	ReplaceItems(receiptID string, items []Item) error

	// ResetForRerun moves a receipt back to pending and clears its error
	// message so a fresh extraction cycle can run on the same ID
	ResetForRerun(id string) (*Receipt, error)

	// DeleteReceipt removes a receipt and its items from the database
	DeleteReceipt(id string) error
}

// BoltDB implements the DB interface using BoltDB. The handle is shared with
// the ledger and job-state stores, so callers open it once and pass it in.
type BoltDB struct {
	db  *bbolt.DB
	now func() time.Time
}

// NewBoltDB creates a new BoltDB instance on an open bbolt handle.
func NewBoltDB(db *bbolt.DB) (*BoltDB, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(receiptBucket)); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(itemBucket)); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db, now: time.Now}, nil
}

// Open opens a bbolt database file with the settings every store in this
// process shares.
func Open(path string) (*bbolt.DB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}
	return db, nil
}

// SaveReceipt saves a receipt to the database
func (b *BoltDB) SaveReceipt(receipt *Receipt) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return putReceipt(tx, receipt)
	})
}

func putReceipt(tx *bbolt.Tx, receipt *Receipt) error {
	bucket := tx.Bucket([]byte(receiptBucket))
	data, err := json.Marshal(receipt)
	if err != nil {
		return fmt.Errorf("marshaling receipt: %w", err)
	}
	return bucket.Put([]byte(receipt.ID), data)
}

func getReceipt(tx *bbolt.Tx, id string) (*Receipt, error) {
	bucket := tx.Bucket([]byte(receiptBucket))
	data := bucket.Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	var receipt Receipt
	if err := json.Unmarshal(data, &receipt); err != nil {
		return nil, fmt.Errorf("unmarshaling receipt: %w", err)
	}
	return &receipt, nil
}

// GetReceipt retrieves a receipt by ID
func (b *BoltDB) GetReceipt(id string) (*Receipt, error) {
	var receipt *Receipt
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		receipt, err = getReceipt(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// ListReceipts returns all receipts
func (b *BoltDB) ListReceipts() ([]*Receipt, error) {
	receipts := make([]*Receipt, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(receiptBucket))
		return bucket.ForEach(func(k, v []byte) error {
			var receipt Receipt
			if err := json.Unmarshal(v, &receipt); err != nil {
				return fmt.Errorf("unmarshaling receipt: %w", err)
			}
			receipts = append(receipts, &receipt)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return receipts, nil
}

// ListReceiptsByAccount returns all receipts owned by an account
func (b *BoltDB) ListReceiptsByAccount(accountID string) ([]*Receipt, error) {
	all, err := b.ListReceipts()
	if err != nil {
		return nil, err
	}
	receipts := make([]*Receipt, 0)
	for _, r := range all {
		if r.AccountID == accountID {
			receipts = append(receipts, r)
		}
	}
	return receipts, nil
}

// UpdateStatus moves a receipt forward along the state machine.
func (b *BoltDB) UpdateStatus(id string, status Status, errorMessage *string) (*Receipt, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("unknown status %q", status)
	}
	if (errorMessage != nil) != (status == StatusFailed) {
		return nil, fmt.Errorf("error message must be set iff status is failed")
	}

	var receipt *Receipt
	err := b.db.Update(func(tx *bbolt.Tx) error {
		var err error
		receipt, err = getReceipt(tx, id)
		if err != nil {
			return err
		}
		if !receipt.Status.CanTransition(status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, receipt.Status, status)
		}
		receipt.Status = status
		receipt.ErrorMessage = errorMessage
		receipt.UpdatedAt = b.now()
		return putReceipt(tx, receipt)
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// CompleteExtraction persists the extracted fields, wholesale-replaces the
// item set, and marks the receipt completed, all in one transaction so a
// reader never observes a half-applied result.
func (b *BoltDB) CompleteExtraction(id string, ex *Extraction) (*Receipt, error) {
	if ex.Total < 0 {
		return nil, fmt.Errorf("total cannot be negative: %v", ex.Total)
	}

	var receipt *Receipt
	err := b.db.Update(func(tx *bbolt.Tx) error {
		var err error
		receipt, err = getReceipt(tx, id)
		if err != nil {
			return err
		}
		if !receipt.Status.CanTransition(StatusCompleted) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, receipt.Status, StatusCompleted)
		}

		receipt.StoreName = ex.StoreName
		receipt.StoreAddress = ex.StoreAddress
		receipt.TransactionDate = ex.TransactionDate
		receipt.Currency = ex.Currency
		receipt.Subtotal = ex.Subtotal
		receipt.Tax = ex.Tax
		receipt.Total = ex.Total
		receipt.BoundingBox = ex.BoundingBox
		receipt.Status = StatusCompleted
		receipt.ErrorMessage = nil
		receipt.UpdatedAt = b.now()

		if err := putReceipt(tx, receipt); err != nil {
			return err
		}
		return putItems(tx, id, ex.Items)
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

func putItems(tx *bbolt.Tx, receiptID string, items []Item) error {
	for i := range items {
		items[i].ReceiptID = receiptID
		items[i].SortOrder = i
	}
	bucket := tx.Bucket([]byte(itemBucket))
	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("marshaling items: %w", err)
	}
	// The whole item set is one value keyed by receipt ID, so a replace is a
	// single Put and readers never see a mix of old and new items.
	return bucket.Put([]byte(receiptID), data)
}

// GetItems returns a receipt's line items in sort order
func (b *BoltDB) GetItems(receiptID string) ([]Item, error) {
	items := make([]Item, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		if _, err := getReceipt(tx, receiptID); err != nil {
			return err
		}
		data := tx.Bucket([]byte(itemBucket)).Get([]byte(receiptID))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &items)
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// ReplaceItems deletes the previous item set and inserts the new one
func (b *BoltDB) ReplaceItems(receiptID string, items []Item) error {
	if items == nil {
		items = make([]Item, 0)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		if _, err := getReceipt(tx, receiptID); err != nil {
			return err
		}
		return putItems(tx, receiptID, items)
	})
}

// ResetForRerun moves a receipt back to pending for a fresh extraction cycle.
// This is the only path out of a terminal state, and only out of one: a
// receipt still in flight cannot be reset.
func (b *BoltDB) ResetForRerun(id string) (*Receipt, error) {
	var receipt *Receipt
	err := b.db.Update(func(tx *bbolt.Tx) error {
		var err error
		receipt, err = getReceipt(tx, id)
		if err != nil {
			return err
		}
		if !receipt.Status.Terminal() {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, receipt.Status, StatusPending)
		}
		receipt.Status = StatusPending
		receipt.ErrorMessage = nil
		receipt.UpdatedAt = b.now()
		return putReceipt(tx, receipt)
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// DeleteReceipt removes a receipt and its items from the database
func (b *BoltDB) DeleteReceipt(id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket([]byte(itemBucket)).Delete([]byte(id)); err != nil {
			return err
		}
		return tx.Bucket([]byte(receiptBucket)).Delete([]byte(id))
	})
}
