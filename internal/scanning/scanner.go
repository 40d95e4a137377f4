package scanning

import "context"

// Suggestion holds expense fields read off a receipt photo
type Suggestion struct {
	Title    string  `json:"title"`
	Category string  `json:"category"`
	Date     string  `json:"date"` // YYYY-MM-DD
	Amount   float64 `json:"amount"`
}

// Scanner reads expense details from a receipt photo
type Scanner interface {
	// ScanReceipt analyzes a JPEG receipt photo
	ScanReceipt(ctx context.Context, jpegData []byte) (*Suggestion, error)
	// Close releases the backend
	Close() error
}

// Categories are the expense categories a scanner may suggest
var Categories = []string{"food", "transport", "lodging", "medical", "office", "entertainment", "other"}

const receiptScanPrompt = `You are reading a photo of a receipt for an expense report. Read all text in the image and extract:

1. **Title**: the merchant or business name, optionally followed by a short description. Example: "Blue Bottle Coffee - team breakfast".

2. **Category**: exactly one of: food, transport, lodging, medical, office, entertainment, other.

3. **Date**: the transaction date in ISO 8601 format (YYYY-MM-DD).

4. **Amount**: the final total actually paid, as a number (e.g. 42.75 for $42.75).

Return ONLY valid JSON in this exact format:
{
  "title": "Merchant - Description",
  "category": "food",
  "date": "YYYY-MM-DD",
  "amount": 0.00
}

If you cannot find a field, use null for that field. Do not include any text before or after the JSON and do not use markdown code blocks.`
