package scanning

import (
	"errors"
	"fmt"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestScanning(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Scanning Suite")
}

var _ = Describe("parseReceiptJSON", func() {
	var (
		jsonInput string
		data      *ReceiptData
		err       error
	)

	JustBeforeEach(func() {
		data, err = parseReceiptJSON(jsonInput)
	})

	When("parsing valid JSON", func() {
		BeforeEach(func() {
			jsonInput = `{
				"store_name": "Lidl",
				"date": "2024-03-20",
				"currency": "eur",
				"total": 12.30,
				"items": [
					{"name": "Milk", "quantity": 1, "total_price": 1.20},
					{"name": "Bread", "total_price": 3.10}
				]
			}`
		})

		It("should not return an error", func() {
			Expect(err).NotTo(HaveOccurred())
		})

		It("should parse the store name correctly", func() {
			Expect(*data.StoreName).To(Equal("Lidl"))
		})

		It("should parse the total correctly", func() {
			Expect(data.Total).To(Equal(12.30))
		})

		It("should uppercase the currency", func() {
			Expect(data.Currency).To(Equal("EUR"))
		})

		It("should keep the ISO date", func() {
			Expect(data.Date).To(Equal("2024-03-20"))
		})

		It("should default a missing quantity to one", func() {
			Expect(data.Items[1].Quantity).To(Equal(1.0))
		})
	})

	When("parsing JSON with markdown code blocks", func() {
		BeforeEach(func() {
			jsonInput = "```json\n{\"store_name\": \"Test\", \"total\": 10.50, \"items\": []}\n```"
		})

		It("should not return an error", func() {
			Expect(err).NotTo(HaveOccurred())
		})

		It("should parse the store name correctly", func() {
			Expect(*data.StoreName).To(Equal("Test"))
		})
	})

	When("parsing JSON surrounded by prose", func() {
		BeforeEach(func() {
			jsonInput = `Here is the extracted receipt: {"total": 5.00, "items": []} Let me know if you need more.`
		})

		It("should not return an error", func() {
			Expect(err).NotTo(HaveOccurred())
		})

		It("should parse the total correctly", func() {
			Expect(data.Total).To(Equal(5.00))
		})
	})

	When("the date is not in a known format", func() {
		BeforeEach(func() {
			jsonInput = `{"date": "March twentieth", "total": 10.50, "items": []}`
		})

		It("should not return an error", func() {
			Expect(err).NotTo(HaveOccurred())
		})

		It("should drop the date rather than guess", func() {
			Expect(data.Date).To(BeEmpty())
		})
	})

	When("the date uses a slash format", func() {
		BeforeEach(func() {
			jsonInput = `{"date": "2024/03/20", "total": 10.50, "items": []}`
		})

		It("should normalize it to ISO 8601", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(data.Date).To(Equal("2024-03-20"))
		})
	})

	When("items are missing entirely", func() {
		BeforeEach(func() {
			jsonInput = `{"total": 10.50}`
		})

		It("should default to an empty item list", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(data.Items).NotTo(BeNil())
			Expect(data.Items).To(BeEmpty())
		})
	})

	When("the total is negative", func() {
		BeforeEach(func() {
			jsonInput = `{"total": -4.20, "items": []}`
		})

		It("returns a fatal error", func() {
			Expect(err).To(HaveOccurred())
			Expect(IsFatal(err)).To(BeTrue())
		})
	})

	When("an item has no name", func() {
		BeforeEach(func() {
			jsonInput = `{"total": 10.50, "items": [{"name": "   ", "total_price": 1.00}]}`
		})

		It("returns a fatal error", func() {
			Expect(err).To(HaveOccurred())
			Expect(IsFatal(err)).To(BeTrue())
		})
	})

	When("an item has a negative total price", func() {
		BeforeEach(func() {
			jsonInput = `{"total": 10.50, "items": [{"name": "Milk", "total_price": -1.00}]}`
		})

		It("returns a fatal error", func() {
			Expect(err).To(HaveOccurred())
			Expect(IsFatal(err)).To(BeTrue())
		})
	})

	When("a bounding box has the wrong element count", func() {
		BeforeEach(func() {
			jsonInput = `{"total": 10.50, "bounding_box": [10, 20, 30], "items": []}`
		})

		It("returns a fatal error", func() {
			Expect(err).To(HaveOccurred())
			Expect(IsFatal(err)).To(BeTrue())
		})
	})

	When("a bounding box coordinate is off the 0-1000 scale", func() {
		BeforeEach(func() {
			jsonInput = `{"total": 10.50, "bounding_box": [10, 20, 30, 1500], "items": []}`
		})

		It("returns a fatal error", func() {
			Expect(err).To(HaveOccurred())
			Expect(IsFatal(err)).To(BeTrue())
		})
	})

	When("parsing invalid JSON", func() {
		BeforeEach(func() {
			jsonInput = `invalid json`
		})

		It("returns a fatal error", func() {
			Expect(err).To(HaveOccurred())
			Expect(IsFatal(err)).To(BeTrue())
		})
	})
})

var _ = Describe("Fatal", func() {
	It("marks an error as non-retryable", func() {
		err := Fatal(errors.New("corrupt input"))
		Expect(IsFatal(err)).To(BeTrue())
	})

	It("survives wrapping", func() {
		err := fmt.Errorf("extract: %w", Fatal(errors.New("corrupt input")))
		Expect(IsFatal(err)).To(BeTrue())
	})

	It("preserves the wrapped error", func() {
		inner := errors.New("corrupt input")
		Expect(errors.Is(Fatal(inner), inner)).To(BeTrue())
	})

	It("returns nil for nil", func() {
		Expect(Fatal(nil)).To(BeNil())
	})

	It("leaves plain errors transient", func() {
		Expect(IsFatal(errors.New("connection reset"))).To(BeFalse())
	})
})

var _ = Describe("isHEICFormat", func() {
	It("detects the heic brand in the ftyp box", func() {
		data := []byte{0, 0, 0, 24, 'f', 't', 'y', 'p', 'h', 'e', 'i', 'c'}
		Expect(isHEICFormat(data)).To(BeTrue())
	})

	It("detects the mif1 brand", func() {
		data := []byte{0, 0, 0, 24, 'f', 't', 'y', 'p', 'm', 'i', 'f', '1'}
		Expect(isHEICFormat(data)).To(BeTrue())
	})

	It("rejects other container brands", func() {
		data := []byte{0, 0, 0, 24, 'f', 't', 'y', 'p', 'm', 'p', '4', '2'}
		Expect(isHEICFormat(data)).To(BeFalse())
	})

	It("rejects short data", func() {
		Expect(isHEICFormat([]byte("png"))).To(BeFalse())
	})

	It("rejects PNG magic bytes", func() {
		data := []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A, 0, 0, 0, 13}
		Expect(isHEICFormat(data)).To(BeFalse())
	})
})
