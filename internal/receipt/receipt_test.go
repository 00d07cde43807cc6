package receipt

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestReceipt(t *testing.T) {
	// Disable logging during tests
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))

	RegisterFailHandler(Fail)
	RunSpecs(t, "Receipt Suite")
}

var _ = Describe("Status", func() {
	Describe("Valid", func() {
		It("accepts the four known states", func() {
			Expect(StatusPending.Valid()).To(BeTrue())
			Expect(StatusProcessing.Valid()).To(BeTrue())
			Expect(StatusCompleted.Valid()).To(BeTrue())
			Expect(StatusFailed.Valid()).To(BeTrue())
		})

		It("rejects unknown states", func() {
			Expect(Status("done").Valid()).To(BeFalse())
			Expect(Status("").Valid()).To(BeFalse())
		})
	})

	Describe("Terminal", func() {
		It("marks completed and failed as terminal", func() {
			Expect(StatusCompleted.Terminal()).To(BeTrue())
			Expect(StatusFailed.Terminal()).To(BeTrue())
		})

		It("marks pending and processing as non-terminal", func() {
			Expect(StatusPending.Terminal()).To(BeFalse())
			Expect(StatusProcessing.Terminal()).To(BeFalse())
		})
	})

	Describe("CanTransition", func() {
		It("allows pending to processing", func() {
			Expect(StatusPending.CanTransition(StatusProcessing)).To(BeTrue())
		})

		It("allows pending to failed", func() {
			Expect(StatusPending.CanTransition(StatusFailed)).To(BeTrue())
		})

		It("allows processing to completed", func() {
			Expect(StatusProcessing.CanTransition(StatusCompleted)).To(BeTrue())
		})

		It("allows processing to failed", func() {
			Expect(StatusProcessing.CanTransition(StatusFailed)).To(BeTrue())
		})

		It("never moves backwards", func() {
			Expect(StatusProcessing.CanTransition(StatusPending)).To(BeFalse())
			Expect(StatusCompleted.CanTransition(StatusProcessing)).To(BeFalse())
		})

		It("never leaves a terminal state", func() {
			Expect(StatusCompleted.CanTransition(StatusFailed)).To(BeFalse())
			Expect(StatusFailed.CanTransition(StatusCompleted)).To(BeFalse())
			Expect(StatusFailed.CanTransition(StatusProcessing)).To(BeFalse())
		})

		It("never skips processing", func() {
			Expect(StatusPending.CanTransition(StatusCompleted)).To(BeFalse())
		})
	})
})

var _ = Describe("BoundingBox", func() {
	Describe("UnmarshalJSON", func() {
		var (
			input string
			box   BoundingBox
			err   error
		)

		JustBeforeEach(func() {
			err = json.Unmarshal([]byte(input), &box)
		})

		When("the array has exactly four elements", func() {
			BeforeEach(func() {
				input = `[10, 20, 500, 900]`
			})

			It("should not return an error", func() {
				Expect(err).NotTo(HaveOccurred())
			})

			It("should fill the coordinates in order", func() {
				Expect(box).To(Equal(BoundingBox{10, 20, 500, 900}))
			})
		})

		When("the array is too short", func() {
			BeforeEach(func() {
				input = `[10, 20, 500]`
			})

			It("returns the error", func() {
				Expect(err).To(MatchError(ContainSubstring("exactly 4 elements")))
			})
		})

		When("the array is too long", func() {
			BeforeEach(func() {
				input = `[10, 20, 500, 900, 1]`
			})

			It("returns the error", func() {
				Expect(err).To(MatchError(ContainSubstring("exactly 4 elements")))
			})
		})

		When("the value is not an array", func() {
			BeforeEach(func() {
				input = `"not a box"`
			})

			It("returns the error", func() {
				Expect(err).To(HaveOccurred())
			})
		})
	})

	Describe("Validate", func() {
		It("accepts a nil box", func() {
			var box *BoundingBox
			Expect(box.Validate()).NotTo(HaveOccurred())
		})

		It("accepts coordinates on the 0-1000 scale", func() {
			box := &BoundingBox{0, 0, 1000, 1000}
			Expect(box.Validate()).NotTo(HaveOccurred())
		})

		It("rejects negative coordinates", func() {
			box := &BoundingBox{-1, 0, 10, 10}
			Expect(box.Validate()).To(HaveOccurred())
		})

		It("rejects coordinates above 1000", func() {
			box := &BoundingBox{0, 0, 10, 1001}
			Expect(box.Validate()).To(HaveOccurred())
		})
	})
})

var _ = Describe("View", func() {
	It("projects the status fields", func() {
		store := "Lidl"
		rec := &Receipt{
			ID:        "r1",
			Status:    StatusCompleted,
			StoreName: &store,
			Total:     12.30,
			ImagePath: "r1_receipt.png",
		}

		view := rec.View()
		Expect(view.ID).To(Equal("r1"))
		Expect(view.Status).To(Equal(StatusCompleted))
		Expect(view.StoreName).To(Equal(&store))
		Expect(view.Total).To(Equal(12.30))
		Expect(view.ImagePath).To(Equal("r1_receipt.png"))
		Expect(view.ErrorMessage).To(BeNil())
	})
})
