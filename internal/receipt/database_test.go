package receipt

import (
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.etcd.io/bbolt"
)

var _ = Describe("BoltDB", func() {
	var (
		bolt *bbolt.DB
		db   *BoltDB
	)

	BeforeEach(func() {
		dbPath := filepath.Join(GinkgoT().TempDir(), "test.db")
		var err error
		bolt, err = Open(dbPath)
		Expect(err).NotTo(HaveOccurred())
		db, err = NewBoltDB(bolt)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if bolt != nil {
			bolt.Close()
		}
	})

	newPending := func(id string) *Receipt {
		return &Receipt{
			ID:          id,
			AccountID:   "acct-1",
			Status:      StatusPending,
			ImagePath:   id + "_receipt.jpg",
			Filename:    "receipt.jpg",
			ContentType: "image/jpeg",
			CreatedAt:   time.Now(),
			UpdatedAt:   time.Now(),
		}
	}

	Describe("SaveReceipt", func() {
		var err error

		JustBeforeEach(func() {
			err = db.SaveReceipt(newPending("test-id"))
		})

		When("saving succeeds", func() {
			It("should not return an error", func() {
				Expect(err).NotTo(HaveOccurred())
			})

			It("should save the receipt to the database", func() {
				saved, getErr := db.GetReceipt("test-id")
				Expect(getErr).NotTo(HaveOccurred())
				Expect(saved.ID).To(Equal("test-id"))
				Expect(saved.Status).To(Equal(StatusPending))
			})
		})
	})

	Describe("GetReceipt", func() {
		var (
			receiptID string
			rec       *Receipt
			err       error
		)

		JustBeforeEach(func() {
			rec, err = db.GetReceipt(receiptID)
		})

		When("receipt exists", func() {
			BeforeEach(func() {
				receiptID = "test-id"
				Expect(db.SaveReceipt(newPending("test-id"))).NotTo(HaveOccurred())
			})

			It("should not return an error", func() {
				Expect(err).NotTo(HaveOccurred())
			})

			It("should return the correct receipt", func() {
				Expect(rec.ID).To(Equal("test-id"))
				Expect(rec.AccountID).To(Equal("acct-1"))
			})
		})

		When("receipt does not exist", func() {
			BeforeEach(func() {
				receiptID = "nonexistent"
			})

			It("returns ErrNotFound", func() {
				Expect(err).To(MatchError(ErrNotFound))
			})
		})
	})

	Describe("ListReceiptsByAccount", func() {
		BeforeEach(func() {
			mine := newPending("mine")
			theirs := newPending("theirs")
			theirs.AccountID = "acct-2"
			anonymous := newPending("anonymous")
			anonymous.AccountID = ""
			Expect(db.SaveReceipt(mine)).NotTo(HaveOccurred())
			Expect(db.SaveReceipt(theirs)).NotTo(HaveOccurred())
			Expect(db.SaveReceipt(anonymous)).NotTo(HaveOccurred())
		})

		It("returns only the account's receipts", func() {
			receipts, err := db.ListReceiptsByAccount("acct-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(receipts).To(HaveLen(1))
			Expect(receipts[0].ID).To(Equal("mine"))
		})
	})

	Describe("UpdateStatus", func() {
		var (
			status       Status
			errorMessage *string
			rec          *Receipt
			err          error
		)

		BeforeEach(func() {
			status = StatusProcessing
			errorMessage = nil
			Expect(db.SaveReceipt(newPending("test-id"))).NotTo(HaveOccurred())
		})

		JustBeforeEach(func() {
			rec, err = db.UpdateStatus("test-id", status, errorMessage)
		})

		When("moving pending to processing", func() {
			It("should not return an error", func() {
				Expect(err).NotTo(HaveOccurred())
			})

			It("should return the updated receipt", func() {
				Expect(rec.Status).To(Equal(StatusProcessing))
			})

			It("should persist the new status", func() {
				saved, getErr := db.GetReceipt("test-id")
				Expect(getErr).NotTo(HaveOccurred())
				Expect(saved.Status).To(Equal(StatusProcessing))
			})
		})

		When("moving to failed with a message", func() {
			BeforeEach(func() {
				status = StatusFailed
				msg := "scan failed"
				errorMessage = &msg
			})

			It("should record the error message", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(rec.ErrorMessage).NotTo(BeNil())
				Expect(*rec.ErrorMessage).To(Equal("scan failed"))
			})
		})

		When("moving to failed without a message", func() {
			BeforeEach(func() {
				status = StatusFailed
			})

			It("returns the error", func() {
				Expect(err).To(HaveOccurred())
			})
		})

		When("setting a message on a non-failed status", func() {
			BeforeEach(func() {
				msg := "should not be here"
				errorMessage = &msg
			})

			It("returns the error", func() {
				Expect(err).To(HaveOccurred())
			})
		})

		When("the transition moves backwards", func() {
			BeforeEach(func() {
				_, uerr := db.UpdateStatus("test-id", StatusProcessing, nil)
				Expect(uerr).NotTo(HaveOccurred())
				status = StatusPending
			})

			It("returns ErrInvalidTransition", func() {
				Expect(err).To(MatchError(ErrInvalidTransition))
			})
		})

		When("the receipt is already terminal", func() {
			BeforeEach(func() {
				_, uerr := db.UpdateStatus("test-id", StatusProcessing, nil)
				Expect(uerr).NotTo(HaveOccurred())
				_, uerr = db.UpdateStatus("test-id", StatusCompleted, nil)
				Expect(uerr).NotTo(HaveOccurred())
				msg := "too late"
				status = StatusFailed
				errorMessage = &msg
			})

			It("returns ErrInvalidTransition", func() {
				Expect(err).To(MatchError(ErrInvalidTransition))
			})
		})
	})

	Describe("CompleteExtraction", func() {
		var (
			extraction *Extraction
			rec        *Receipt
			err        error
		)

		BeforeEach(func() {
			Expect(db.SaveReceipt(newPending("test-id"))).NotTo(HaveOccurred())
			_, uerr := db.UpdateStatus("test-id", StatusProcessing, nil)
			Expect(uerr).NotTo(HaveOccurred())

			store := "Lidl"
			extraction = &Extraction{
				StoreName: &store,
				Currency:  "EUR",
				Total:     12.30,
				Items: []Item{
					{ID: "item-1", Name: "Milk", Quantity: 1, TotalPrice: 1.20},
					{ID: "item-2", Name: "Bread", Quantity: 2, TotalPrice: 3.10},
				},
			}
		})

		JustBeforeEach(func() {
			rec, err = db.CompleteExtraction("test-id", extraction)
		})

		When("the receipt is processing", func() {
			It("should not return an error", func() {
				Expect(err).NotTo(HaveOccurred())
			})

			It("should mark the receipt completed", func() {
				Expect(rec.Status).To(Equal(StatusCompleted))
				Expect(rec.ErrorMessage).To(BeNil())
			})

			It("should write the extracted fields", func() {
				Expect(*rec.StoreName).To(Equal("Lidl"))
				Expect(rec.Currency).To(Equal("EUR"))
				Expect(rec.Total).To(Equal(12.30))
			})

			It("should store the items with sort order in extraction order", func() {
				items, getErr := db.GetItems("test-id")
				Expect(getErr).NotTo(HaveOccurred())
				Expect(items).To(HaveLen(2))
				Expect(items[0].Name).To(Equal("Milk"))
				Expect(items[0].SortOrder).To(Equal(0))
				Expect(items[0].ReceiptID).To(Equal("test-id"))
				Expect(items[1].Name).To(Equal("Bread"))
				Expect(items[1].SortOrder).To(Equal(1))
			})
		})

		When("the total is negative", func() {
			BeforeEach(func() {
				extraction.Total = -5
			})

			It("returns the error", func() {
				Expect(err).To(HaveOccurred())
			})

			It("leaves the receipt untouched", func() {
				saved, getErr := db.GetReceipt("test-id")
				Expect(getErr).NotTo(HaveOccurred())
				Expect(saved.Status).To(Equal(StatusProcessing))
			})
		})

		When("the receipt is already completed", func() {
			BeforeEach(func() {
				_, cerr := db.CompleteExtraction("test-id", extraction)
				Expect(cerr).NotTo(HaveOccurred())
			})

			It("returns ErrInvalidTransition", func() {
				Expect(err).To(MatchError(ErrInvalidTransition))
			})
		})
	})

	Describe("GetItems", func() {
		When("the receipt does not exist", func() {
			It("returns ErrNotFound", func() {
				_, err := db.GetItems("nonexistent")
				Expect(err).To(MatchError(ErrNotFound))
			})
		})

		When("the receipt has no items", func() {
			BeforeEach(func() {
				Expect(db.SaveReceipt(newPending("test-id"))).NotTo(HaveOccurred())
			})

			It("returns an empty list", func() {
				items, err := db.GetItems("test-id")
				Expect(err).NotTo(HaveOccurred())
				Expect(items).To(BeEmpty())
			})
		})
	})

	Describe("ReplaceItems", func() {
		var (
			items []Item
			err   error
		)

		BeforeEach(func() {
			Expect(db.SaveReceipt(newPending("test-id"))).NotTo(HaveOccurred())
			Expect(db.ReplaceItems("test-id", []Item{
				{ID: "old-1", Name: "Old Item", Quantity: 1, TotalPrice: 9.99},
			})).NotTo(HaveOccurred())
			items = []Item{
				{ID: "new-1", Name: "Eggs", Quantity: 1, TotalPrice: 2.50},
				{ID: "new-2", Name: "Butter", Quantity: 1, TotalPrice: 3.00},
			}
		})

		JustBeforeEach(func() {
			err = db.ReplaceItems("test-id", items)
		})

		When("replacing with a new set", func() {
			It("should not return an error", func() {
				Expect(err).NotTo(HaveOccurred())
			})

			It("should replace the previous set wholesale", func() {
				saved, getErr := db.GetItems("test-id")
				Expect(getErr).NotTo(HaveOccurred())
				Expect(saved).To(HaveLen(2))
				Expect(saved[0].Name).To(Equal("Eggs"))
				Expect(saved[1].Name).To(Equal("Butter"))
			})

			It("should reassign sort order from zero", func() {
				saved, getErr := db.GetItems("test-id")
				Expect(getErr).NotTo(HaveOccurred())
				Expect(saved[0].SortOrder).To(Equal(0))
				Expect(saved[1].SortOrder).To(Equal(1))
			})
		})

		When("replacing with an empty set", func() {
			BeforeEach(func() {
				items = nil
			})

			It("clears the items", func() {
				Expect(err).NotTo(HaveOccurred())
				saved, getErr := db.GetItems("test-id")
				Expect(getErr).NotTo(HaveOccurred())
				Expect(saved).To(BeEmpty())
			})
		})

		When("the receipt does not exist", func() {
			It("returns ErrNotFound", func() {
				Expect(db.ReplaceItems("nonexistent", items)).To(MatchError(ErrNotFound))
			})
		})
	})

	Describe("ResetForRerun", func() {
		var (
			rec *Receipt
			err error
		)

		BeforeEach(func() {
			Expect(db.SaveReceipt(newPending("test-id"))).NotTo(HaveOccurred())
			_, uerr := db.UpdateStatus("test-id", StatusProcessing, nil)
			Expect(uerr).NotTo(HaveOccurred())
		})

		JustBeforeEach(func() {
			rec, err = db.ResetForRerun("test-id")
		})

		When("the receipt is failed", func() {
			BeforeEach(func() {
				msg := "scan failed"
				_, uerr := db.UpdateStatus("test-id", StatusFailed, &msg)
				Expect(uerr).NotTo(HaveOccurred())
			})

			It("should not return an error", func() {
				Expect(err).NotTo(HaveOccurred())
			})

			It("should move the receipt back to pending", func() {
				Expect(rec.Status).To(Equal(StatusPending))
			})

			It("should clear the error message", func() {
				Expect(rec.ErrorMessage).To(BeNil())
			})
		})

		When("the receipt is still processing", func() {
			It("returns ErrInvalidTransition", func() {
				Expect(err).To(MatchError(ErrInvalidTransition))
			})

			It("leaves the receipt untouched", func() {
				saved, getErr := db.GetReceipt("test-id")
				Expect(getErr).NotTo(HaveOccurred())
				Expect(saved.Status).To(Equal(StatusProcessing))
			})
		})
	})

	Describe("DeleteReceipt", func() {
		var err error

		JustBeforeEach(func() {
			err = db.DeleteReceipt("test-id")
		})

		When("receipt exists with items", func() {
			BeforeEach(func() {
				Expect(db.SaveReceipt(newPending("test-id"))).NotTo(HaveOccurred())
				Expect(db.ReplaceItems("test-id", []Item{
					{ID: "item-1", Name: "Milk", Quantity: 1, TotalPrice: 1.20},
				})).NotTo(HaveOccurred())
			})

			It("should not return an error", func() {
				Expect(err).NotTo(HaveOccurred())
			})

			It("should remove the receipt and its items", func() {
				_, getErr := db.GetReceipt("test-id")
				Expect(getErr).To(MatchError(ErrNotFound))
				_, getErr = db.GetItems("test-id")
				Expect(getErr).To(MatchError(ErrNotFound))
			})
		})

		When("receipt does not exist", func() {
			It("should not return an error", func() {
				Expect(err).NotTo(HaveOccurred())
			})
		})
	})
})
