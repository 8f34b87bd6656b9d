package patient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nyaruka/phonenumbers"
)

var ErrPatientNotFound = errors.New("patient not found")

// FallbackLastName is used when a web lead gives a single-word name.
const FallbackLastName = "Web-Lead"

type Patient struct {
	ID         uuid.UUID
	FirstName  string
	LastName   string
	Email      *string
	Phone      *string
	DocumentID string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type NewPatient struct {
	FirstName  string
	LastName   string
	Email      string
	Phone      string
	DocumentID string
}

// Directory is the slice of patient records the scheduler needs.
type Directory interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	FindByEmail(ctx context.Context, email string) (*Patient, error)
	Create(ctx context.Context, p NewPatient) (*Patient, error)
}

// SplitFullName splits on the first run of whitespace. A single word keeps
// FallbackLastName as the last name.
func SplitFullName(full string) (first, last string) {
	fields := strings.Fields(full)
	switch len(fields) {
	case 0:
		return "", ""
	case 1:
		return fields[0], FallbackLastName
	default:
		return fields[0], strings.Join(fields[1:], " ")
	}
}

// ResolveNames prefers explicit first and last names over splitting full.
func ResolveNames(first, last, full string) (string, string) {
	first, last = strings.TrimSpace(first), strings.TrimSpace(last)
	if first != "" {
		if last == "" {
			last = FallbackLastName
		}
		return first, last
	}
	return SplitFullName(full)
}

// PlaceholderDocumentID marks patients created from the public booking page
// until the front desk records their real national id.
func PlaceholderDocumentID() string {
	return "WEB-" + uuid.NewString()
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NormalizePhone returns the number in E.164. Numbers without a country
// prefix are read as local to region.
func NormalizePhone(raw, region string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}

	num, err := phonenumbers.Parse(raw, region)
	if err != nil {
		return "", fmt.Errorf("parse phone %q: %w", raw, err)
	}
	if !phonenumbers.IsValidNumber(num) {
		return "", fmt.Errorf("phone %q is not a valid number for %s", raw, region)
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}
