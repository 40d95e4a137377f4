package scanning

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

var dateFormats = []string{
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"02-01-2006",
	"Jan 2, 2006",
	"2 Jan 2006",
}

// parseSuggestion extracts a Suggestion from a model response, tolerating prose and code fences
func parseSuggestion(text string, now time.Time) (*Suggestion, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")

	start := strings.Index(text, "{")
	if start == -1 {
		return nil, fmt.Errorf("no JSON object found in response")
	}
	end := strings.LastIndex(text, "}")
	if end < start {
		return nil, fmt.Errorf("invalid JSON object in response")
	}

	var s Suggestion
	if err := json.Unmarshal([]byte(text[start:end+1]), &s); err != nil {
		return nil, fmt.Errorf("unmarshaling json: %w", err)
	}

	s.Date = normalizeDate(s.Date, now)
	s.Category = normalizeCategory(s.Category)
	s.Title = strings.TrimSpace(s.Title)
	if s.Title == "" {
		s.Title = "Unknown Expense"
	}
	if s.Amount < 0 {
		s.Amount = -s.Amount
	}
	return &s, nil
}

// normalizeDate falls back to today when the date is missing or unreadable
func normalizeDate(raw string, now time.Time) string {
	raw = strings.TrimSpace(raw)
	for _, format := range dateFormats {
		if d, err := time.Parse(format, raw); err == nil {
			return d.Format("2006-01-02")
		}
	}
	return now.Format("2006-01-02")
}

func normalizeCategory(raw string) string {
	raw = strings.ToLower(strings.TrimSpace(raw))
	for _, c := range Categories {
		if c == raw {
			return c
		}
	}
	return "other"
}
