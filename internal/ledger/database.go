package ledger

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

const (
	accountBucket     = "accounts"
	transactionBucket = "credit_transactions"
	dedupeBucket      = "credit_dedupe"
)

// BoltLedger implements the Ledger interface using BoltDB. Every mutation runs
// inside a single bbolt Update, and bbolt serializes writers, so concurrent
// jobs deducting from the same account cannot lose a decrement.
type BoltLedger struct {
	db  *bbolt.DB
	now func() time.Time
}

// NewBoltLedger creates a new BoltLedger on an open bbolt handle.
func NewBoltLedger(db *bbolt.DB) (*BoltLedger, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(accountBucket)); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(transactionBucket)); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(dedupeBucket)); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltLedger{db: db, now: time.Now}, nil
}

func getAccount(tx *bbolt.Tx, id string) (*Account, error) {
	data := tx.Bucket([]byte(accountBucket)).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	var account Account
	if err := json.Unmarshal(data, &account); err != nil {
		return nil, fmt.Errorf("unmarshaling account: %w", err)
	}
	return &account, nil
}

func putAccount(tx *bbolt.Tx, account *Account) error {
	data, err := json.Marshal(account)
	if err != nil {
		return fmt.Errorf("marshaling account: %w", err)
	}
	return tx.Bucket([]byte(accountBucket)).Put([]byte(account.ID), data)
}

// appendTransaction writes an entry into the account's transaction log.
// Entries are keyed by a per-account sequence number so they list in append
// order.
func appendTransaction(tx *bbolt.Tx, entry *Transaction) error {
	parent := tx.Bucket([]byte(transactionBucket))
	bucket, err := parent.CreateBucketIfNotExists([]byte(entry.AccountID))
	if err != nil {
		return fmt.Errorf("creating transaction log: %w", err)
	}
	seq, err := bucket.NextSequence()
	if err != nil {
		return fmt.Errorf("allocating sequence: %w", err)
	}
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling transaction: %w", err)
	}
	return bucket.Put(key, data)
}

// CreateAccount creates an account, crediting signupBonus when positive
func (b *BoltLedger) CreateAccount(id string, signupBonus int) (*Account, error) {
	if id == "" {
		return nil, fmt.Errorf("account id is required")
	}
	if signupBonus < 0 {
		return nil, fmt.Errorf("signup bonus cannot be negative")
	}

	var account *Account
	err := b.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(accountBucket)).Get([]byte(id)) != nil {
			return fmt.Errorf("%w: %s", ErrAccountExists, id)
		}
		now := b.now()
		account = &Account{
			ID:        id,
			Balance:   signupBonus,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := putAccount(tx, account); err != nil {
			return err
		}
		if signupBonus > 0 {
			return appendTransaction(tx, &Transaction{
				ID:          uuid.NewString(),
				AccountID:   id,
				Amount:      signupBonus,
				Type:        TypeSignupBonus,
				Description: "signup bonus",
				CreatedAt:   now,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}

// GetAccount retrieves an account by ID
func (b *BoltLedger) GetAccount(id string) (*Account, error) {
	var account *Account
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		account, err = getAccount(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}

// GetBalance returns the current balance, 0 when the account has no row
func (b *BoltLedger) GetBalance(accountID string) (int, error) {
	account, err := b.GetAccount(accountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return account.Balance, nil
}

// HasCredits reports whether the account can afford n credits
func (b *BoltLedger) HasCredits(accountID string, n int) (bool, error) {
	balance, err := b.GetBalance(accountID)
	if err != nil {
		return false, err
	}
	return balance >= n, nil
}

// Deduct removes amount credits inside one transaction. Check, decrement, and
// log append commit together or not at all, so a failed deduct leaves the
// balance untouched. A non-empty idempotencyKey marks the deduction inside the
// same transaction; repeating it with a key that already committed is a no-op.
func (b *BoltLedger) Deduct(accountID string, amount int, receiptID, description, idempotencyKey string) error {
	if amount <= 0 {
		return fmt.Errorf("deduction amount must be positive")
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		dedupe := tx.Bucket([]byte(dedupeBucket))
		if idempotencyKey != "" && dedupe.Get([]byte(idempotencyKey)) != nil {
			return nil
		}

		account, err := getAccount(tx, accountID)
		if err != nil {
			return err
		}
		if account.Balance < amount {
			return fmt.Errorf("%w: balance %d, need %d", ErrInsufficientCredits, account.Balance, amount)
		}

		account.Balance -= amount
		account.UpdatedAt = b.now()
		if err := putAccount(tx, account); err != nil {
			return err
		}

		entry := &Transaction{
			ID:          uuid.NewString(),
			AccountID:   accountID,
			Amount:      -amount,
			Type:        TypeUsage,
			Description: description,
			ReceiptID:   &receiptID,
			CreatedAt:   b.now(),
		}
		if err := appendTransaction(tx, entry); err != nil {
			return err
		}

		if idempotencyKey != "" {
			return dedupe.Put([]byte(idempotencyKey), []byte(entry.ID))
		}
		return nil
	})
}

// Add credits amount to the account. A failure writing the log entry does not
// roll back the increment; the loss is logged loudly instead.
func (b *BoltLedger) Add(accountID string, amount int, txType TransactionType, externalRef, description *string) error {
	if amount <= 0 {
		return fmt.Errorf("credit amount must be positive")
	}
	if !txType.Valid() {
		return fmt.Errorf("unknown transaction type %q", txType)
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		account, err := getAccount(tx, accountID)
		if err != nil {
			return err
		}

		account.Balance += amount
		account.UpdatedAt = b.now()
		if err := putAccount(tx, account); err != nil {
			return err
		}

		desc := ""
		if description != nil {
			desc = *description
		}
		entry := &Transaction{
			ID:          uuid.NewString(),
			AccountID:   accountID,
			Amount:      amount,
			Type:        txType,
			Description: desc,
			ExternalRef: externalRef,
			CreatedAt:   b.now(),
		}
		if err := appendTransaction(tx, entry); err != nil {
			slog.Error("Credit added but transaction log entry was lost",
				"account_id", accountID,
				"amount", amount,
				"type", txType,
				"error", err,
			)
		}
		return nil
	})
}

// Refund returns amount credits attributed to a receipt.
func (b *BoltLedger) Refund(accountID string, amount int, receiptID, description string) error {
	if amount <= 0 {
		return fmt.Errorf("refund amount must be positive")
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		account, err := getAccount(tx, accountID)
		if err != nil {
			return err
		}

		account.Balance += amount
		account.UpdatedAt = b.now()
		if err := putAccount(tx, account); err != nil {
			return err
		}

		return appendTransaction(tx, &Transaction{
			ID:          uuid.NewString(),
			AccountID:   accountID,
			Amount:      amount,
			Type:        TypeRefund,
			Description: description,
			ReceiptID:   &receiptID,
			CreatedAt:   b.now(),
		})
	})
}

// ListTransactions returns an account's entries oldest first
func (b *BoltLedger) ListTransactions(accountID string) ([]*Transaction, error) {
	transactions := make([]*Transaction, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(transactionBucket)).Bucket([]byte(accountID))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var entry Transaction
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("unmarshaling transaction: %w", err)
			}
			transactions = append(transactions, &entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return transactions, nil
}
