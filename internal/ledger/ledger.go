// Package ledger meters extraction credits: a non-negative integer balance
// per account plus an append-only transaction log the balance must always
// reconcile to.
package ledger

import (
	"errors"
	"time"
)

// TransactionType classifies a ledger entry.
type TransactionType string

const (
	TypeSignupBonus TransactionType = "signup_bonus"
	TypePurchase    TransactionType = "purchase"
	TypeUsage       TransactionType = "usage"
	TypeRefund      TransactionType = "refund"
)

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	switch t {
	case TypeSignupBonus, TypePurchase, TypeUsage, TypeRefund:
		return true
	}
	return false
}

// ErrInsufficientCredits is returned when a deduction exceeds the balance.
var ErrInsufficientCredits = errors.New("insufficient credits")

// ErrAccountNotFound is returned when the account has no row.
var ErrAccountNotFound = errors.New("account not found")

// ErrAccountExists is returned when creating an account that already exists.
var ErrAccountExists = errors.New("account already exists")

// Account holds a credit balance. Balances are mutated only through the
// Ledger so they never drift from the transaction log.
type Account struct {
	ID        string    `json:"id"`
	Balance   int       `json:"balance"` // never negative
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Transaction is one append-only ledger entry. Entries are never updated or
// deleted after creation.
type Transaction struct {
	ID          string          `json:"id"`
	AccountID   string          `json:"account_id"`
	Amount      int             `json:"amount"` // signed: negative for usage
	Type        TransactionType `json:"type"`
	Description string          `json:"description,omitempty"`
	ReceiptID   *string         `json:"receipt_id,omitempty"`   // the receipt that caused this entry
	ExternalRef *string         `json:"external_ref,omitempty"` // external payment reference
	CreatedAt   time.Time       `json:"created_at"`
}

// Ledger defines the credit metering operations.
type Ledger interface {
	// CreateAccount creates an account, crediting signupBonus when positive
	CreateAccount(id string, signupBonus int) (*Account, error)

	// GetAccount retrieves an account by ID
	GetAccount(id string) (*Account, error)

	// GetBalance returns the current balance, 0 when the account has no row
	GetBalance(accountID string) (int, error)

	// HasCredits reports whether the account can afford n credits
	HasCredits(accountID string, n int) (bool, error)

	// Deduct removes amount credits and appends a usage transaction
	// attributed to receiptID. The balance check, the decrement, and the
	// transaction append are one atomic unit: a failed deduct observably
	// changes nothing. A non-empty idempotencyKey makes the deduction apply
	// at most once; a repeat with a key that already committed is a no-op.
	Deduct(accountID string, amount int, receiptID, description, idempotencyKey string) error

	// Add credits amount to the account and appends a transaction of the
	// given type. If the transaction record cannot be written the increment
	// is kept anyway: losing a paid-for credit is worse than a missing log
	// line.
	Add(accountID string, amount int, txType TransactionType, externalRef, description *string) error

	// Refund returns amount credits for a receipt that should not have been
	// charged. It is an Add of type refund attributed to the receipt.
	Refund(accountID string, amount int, receiptID, description string) error

	// ListTransactions returns an account's entries oldest first
	ListTransactions(accountID string) ([]*Transaction, error)
}
