package receipt

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("LocalStorage", func() {
	var (
		storage *LocalStorage
		ctx     context.Context
	)

	BeforeEach(func() {
		var err error
		storage, err = NewLocalStorage(GinkgoT().TempDir())
		Expect(err).NotTo(HaveOccurred())
		ctx = context.Background()
	})

	Describe("Save", func() {
		It("stores the file and returns its path with an empty bucket", func() {
			bucket, path, err := storage.Save(ctx, "abc_receipt.jpg", []byte("image data"))
			Expect(err).NotTo(HaveOccurred())
			Expect(bucket).To(BeEmpty())
			Expect(path).To(Equal("abc_receipt.jpg"))
		})
	})

	Describe("Get", func() {
		When("the file exists", func() {
			BeforeEach(func() {
				_, _, err := storage.Save(ctx, "abc_receipt.jpg", []byte("image data"))
				Expect(err).NotTo(HaveOccurred())
			})

			It("returns the stored bytes", func() {
				data, err := storage.Get(ctx, "abc_receipt.jpg")
				Expect(err).NotTo(HaveOccurred())
				Expect(data).To(Equal([]byte("image data")))
			})
		})

		When("the file does not exist", func() {
			It("returns the error", func() {
				_, err := storage.Get(ctx, "missing.jpg")
				Expect(err).To(HaveOccurred())
			})
		})
	})

	Describe("Delete", func() {
		BeforeEach(func() {
			_, _, err := storage.Save(ctx, "abc_receipt.jpg", []byte("image data"))
			Expect(err).NotTo(HaveOccurred())
		})

		It("removes the file", func() {
			Expect(storage.Delete(ctx, "abc_receipt.jpg")).NotTo(HaveOccurred())
			_, err := storage.Get(ctx, "abc_receipt.jpg")
			Expect(err).To(HaveOccurred())
		})
	})
})
