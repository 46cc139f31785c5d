package csvparser

import (
	"encoding/csv"
	"errors"
	"io"
	"os"
	"strings"
)

// Recipient is one row of a cohort file.
// Email comes from the "email" column and RecipientID from "recipient_id"
// or "id" (case-insensitive). Every other column becomes a template variable.
type Recipient struct {
	RecipientID string
	Email       string
	Variables   map[string]string
}

var ErrNoEmailColumn = errors.New("csv must contain an email column")

// ParseFile opens path and parses it as a cohort.
func ParseFile(path string, maxRows int) ([]Recipient, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return Parse(f, maxRows)
}

// Parse reads a cohort CSV with a header row. Rows with the wrong number of
// fields or an empty email are skipped. maxRows caps data rows, 1000 when <= 0.
func Parse(r io.Reader, maxRows int) ([]Recipient, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	headers, err := reader.Read()
	if err == io.EOF {
		return nil, errors.New("csv is empty")
	}
	if err != nil {
		return nil, err
	}

	emailIdx, idIdx := -1, -1
	normalized := make([]string, len(headers))
	for i, h := range headers {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		normalized[i] = h
		switch strings.ToLower(h) {
		case "email":
			emailIdx = i
		case "recipient_id", "id":
			if idIdx == -1 {
				idIdx = i
			}
		}
	}
	if emailIdx == -1 {
		return nil, ErrNoEmailColumn
	}

	if maxRows <= 0 {
		maxRows = 1000
	}

	rows := make([]Recipient, 0)
	for len(rows) < maxRows {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(record) != len(headers) {
			continue // malformed
		}

		email := strings.TrimSpace(record[emailIdx])
		if email == "" {
			continue
		}

		rec := Recipient{
			Email:     email,
			Variables: make(map[string]string, len(headers)),
		}
		if idIdx >= 0 {
			rec.RecipientID = strings.TrimSpace(record[idIdx])
		}

		for i := range record {
			if i == emailIdx || i == idIdx || normalized[i] == "" {
				continue
			}
			rec.Variables[normalized[i]] = strings.TrimSpace(record[i])
		}

		rows = append(rows, rec)
	}

	if len(rows) == 0 {
		return nil, errors.New("csv must contain at least one data row")
	}

	return rows, nil
}
