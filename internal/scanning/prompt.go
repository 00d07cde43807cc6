package scanning

// receiptScanPrompt is the shared prompt used by all providers. Bounding boxes
// use the 0-1000 normalized scale the vision models are trained on.
const receiptScanPrompt = `You are analyzing a photographed receipt. Carefully read all text in the image and extract the following information:

1. **Store**: the merchant name exactly as printed, usually the largest text at the top, and the store address if one is printed.

2. **Date**: the transaction date, converted to ISO 8601 format (YYYY-MM-DD).

3. **Currency**: the ISO 4217 currency code (e.g. "USD", "EUR"). Infer it from the currency symbol and the store address if it is not printed.

4. **Totals**: the subtotal before tax, the tax amount, and the final grand total, usually labeled "TOTAL", "Amount Due", or similar at the bottom. Extract only numeric values.

5. **Line items**: every purchased item, in the order printed. For each item extract:
   - "name": the raw name exactly as printed, including abbreviations
   - "inferred_name": your best guess at the full human-readable product name
   - "product_type": a short free-text product category (e.g. "dairy", "produce")
   - "quantity": the purchased quantity (default 1)
   - "unit_price": the per-unit price if printed
   - "total_price": the line total
   - "discount": any discount applied to the line
   - "bounding_box": [ymin, xmin, ymax, xmax] of the line on a 0-1000 scale

Return ONLY valid JSON in this exact format:
{
  "store_name": "...",
  "store_address": "...",
  "date": "YYYY-MM-DD",
  "currency": "USD",
  "bounding_box": [0, 0, 1000, 1000],
  "subtotal": 0.00,
  "tax": 0.00,
  "total": 0.00,
  "items": [
    {"name": "...", "inferred_name": "...", "product_type": "...", "quantity": 1, "unit_price": 0.00, "total_price": 0.00, "discount": null, "bounding_box": [0, 0, 0, 0]}
  ]
}

Important:
- All amounts must be numbers (not strings)
- Bounding boxes must be 4-element arrays on a 0-1000 scale covering the region where the field appears
- If you cannot find a field, use null for that field
- Do not include any text before or after the JSON
- Do not use markdown code blocks`
