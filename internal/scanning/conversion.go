package scanning

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

// Normalize converts raw upload bytes into the canonical encoding every
// downstream consumer (preview and extraction) can read. HEIC/HEIF device
// photos and PDFs are decoded and re-encoded as PNG; other already-readable
// encodings are converted to PNG only when they are not PNG already.
// Unreadable or corrupt bytes are a fatal error.
func Normalize(imageData []byte, contentType string) (data []byte, mimeType string, err error) {
	mime := strings.ToLower(strings.TrimSpace(contentType))
	if mime == "" {
		mime = "image/jpeg" // default
	}

	switch {
	case mime == "application/pdf":
		data, err = pdfToPNG(imageData)
	case mime == "image/png" && !isHEICFormat(imageData):
		data = imageData
	default:
		data, err = imageToPNG(imageData, mime)
	}
	if err != nil {
		return nil, "", err
	}
	return data, "image/png", nil
}

// pdfToPNG renders the first page of a PDF as a PNG image. Most receipts are
// single page.
func pdfToPNG(pdfData []byte) ([]byte, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, Fatal(fmt.Errorf("opening PDF: %w", err))
	}
	defer doc.Close()

	img, err := doc.Image(0)
	if err != nil {
		return nil, Fatal(fmt.Errorf("rendering PDF page: %w", err))
	}

	return encodePNG(img)
}

// imageToPNG converts any supported image format to PNG.
func imageToPNG(imageData []byte, mimeType string) ([]byte, error) {
	var img image.Image
	var err error

	// HEIC/HEIF (common on iPhones) is not supported by Go's standard image
	// package, so it gets its own decode path.
	if isHEICFormat(imageData) || isHEICMimeType(mimeType) {
		img, err = heic.Decode(bytes.NewReader(imageData))
		if err != nil {
			return nil, Fatal(fmt.Errorf("decoding HEIC/HEIF image: %w", err))
		}
	} else {
		img, _, err = image.Decode(bytes.NewReader(imageData))
		if err != nil {
			if strings.Contains(err.Error(), "unknown format") || strings.Contains(err.Error(), "unsupported") {
				return nil, Fatal(fmt.Errorf("unsupported image format, supported formats are JPEG, PNG, GIF, HEIC, HEIF, PDF: %w", err))
			}
			return nil, Fatal(fmt.Errorf("decoding image: %w", err))
		}
	}

	return encodePNG(img)
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// isHEICFormat sniffs the HEIC/HEIF ftyp box. The brand lives at offset 8
// inside the ftyp header.
func isHEICFormat(data []byte) bool {
	if len(data) < 12 {
		return false
	}
	if string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heif", "mif1", "msf1":
		return true
	}
	return false
}

// isHEICMimeType checks if the MIME type indicates HEIC/HEIF format
func isHEICMimeType(mimeType string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	return strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif")
}
