package scanning

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// dateFormats are the layouts we try when the model does not return ISO 8601.
var dateFormats = []string{
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"02-01-2006",
}

// parseReceiptJSON parses the model's JSON response. The service may wrap its
// answer in a markdown fence despite being told not to, so fencing is stripped
// before decoding. Output that still cannot be decoded is fatal: the model
// would keep producing it identically on every retry.
func parseReceiptJSON(text string) (*ReceiptData, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	// Find the JSON object boundaries - first { and last }
	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return nil, Fatal(fmt.Errorf("no JSON object found in response"))
	}
	endIdx := strings.LastIndex(text, "}")
	if endIdx == -1 || endIdx < startIdx {
		return nil, Fatal(fmt.Errorf("invalid JSON object in response"))
	}
	text = text[startIdx : endIdx+1]

	var data ReceiptData
	if err := json.Unmarshal([]byte(text), &data); err != nil {
		return nil, Fatal(fmt.Errorf("unmarshaling json: %w", err))
	}

	if err := normalizeReceiptData(&data); err != nil {
		return nil, Fatal(err)
	}
	return &data, nil
}

// normalizeReceiptData applies the contract defaults and validates what the
// model returned.
func normalizeReceiptData(data *ReceiptData) error {
	if data.Total < 0 {
		return fmt.Errorf("total cannot be negative: %v", data.Total)
	}
	if err := data.BoundingBox.Validate(); err != nil {
		return err
	}

	data.Date = normalizeDate(data.Date)
	data.Currency = strings.ToUpper(strings.TrimSpace(data.Currency))

	if data.Items == nil {
		data.Items = make([]ItemData, 0)
	}
	for i := range data.Items {
		item := &data.Items[i]
		item.Name = strings.TrimSpace(item.Name)
		if item.Name == "" {
			return fmt.Errorf("item %d has no name", i)
		}
		if item.Quantity <= 0 {
			item.Quantity = 1
		}
		if item.TotalPrice < 0 {
			return fmt.Errorf("item %q has negative total price", item.Name)
		}
		if err := item.BoundingBox.Validate(); err != nil {
			return fmt.Errorf("item %q: %w", item.Name, err)
		}
	}
	return nil
}

// normalizeDate converts a date string to ISO 8601. A date we cannot parse is
// dropped rather than guessed: the transaction date is nullable.
func normalizeDate(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	for _, format := range dateFormats {
		if d, err := time.Parse(format, raw); err == nil {
			return d.Format("2006-01-02")
		}
	}
	return ""
}
