package csvparser

import (
	"encoding/csv"
	"errors"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/draftsmith/draftsmith/internal/models"
)

// DefaultMaxRows bounds how many contact rows one dispatch accepts.
const DefaultMaxRows = 10000

// ParseContacts parses a contact CSV. The header row must contain an "Email"
// column (case-insensitive); an "Id" column is used when present and
// generated otherwise. All other columns become merge fields.
func ParseContacts(r io.Reader, maxRows int) ([]models.Contact, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	headers, err := reader.Read()
	if err != nil {
		return nil, err
	}
	if len(headers) == 0 {
		return nil, errors.New("csv header row is empty")
	}

	emailIdx, idIdx := -1, -1
	normalized := make([]string, len(headers))
	for i, h := range headers {
		h = strings.TrimSpace(h)
		normalized[i] = h
		if strings.EqualFold(h, "email") {
			emailIdx = i
		}
		if strings.EqualFold(h, "id") {
			idIdx = i
		}
	}
	if emailIdx == -1 {
		return nil, errors.New("csv must contain an Email column")
	}

	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}

	contacts := make([]models.Contact, 0)
	for len(contacts) < maxRows {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(record) != len(headers) {
			// skip malformed row
			continue
		}

		email := strings.TrimSpace(record[emailIdx])
		if email == "" {
			continue
		}

		contact := models.Contact{
			Email:  email,
			Fields: make(map[string]string, len(headers)-1),
		}
		if idIdx >= 0 {
			contact.ID = strings.TrimSpace(record[idIdx])
		}
		if contact.ID == "" {
			contact.ID = uuid.NewString()
		}
		for i := range record {
			if i == emailIdx || i == idIdx {
				continue
			}
			key := normalized[i]
			if key == "" {
				continue
			}
			contact.Fields[key] = strings.TrimSpace(record[i])
		}

		contacts = append(contacts, contact)
	}

	if len(contacts) == 0 {
		return nil, errors.New("csv must contain at least one data row")
	}

	return contacts, nil
}
