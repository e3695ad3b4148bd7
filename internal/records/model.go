// Package records holds the persisted account record and the donation
// entries embedded in it, plus the repository that reads and writes them.
package records

import (
	"slices"
	"time"
)

// TimeLayout is the ISO-8601 layout used for every persisted timestamp.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatTime renders t in TimeLayout (UTC).
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a persisted timestamp.
func ParseTime(value string) (time.Time, bool) {
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, false
	}
	return parsed, true
}

// ProjectRef is the denormalized project data kept with favorites.
type ProjectRef struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Image string `json:"image,omitempty"`
}

// EmailPreferences holds the per-account mailing switches.
type EmailPreferences struct {
	Marketing        bool `json:"marketing"`
	Newsletters      bool `json:"newsletters"`
	ProjectUpdates   bool `json:"projectUpdates"`
	DonationReceipts bool `json:"donationReceipts"`
}

// DefaultEmailPreferences is applied to new accounts.
func DefaultEmailPreferences() EmailPreferences {
	return EmailPreferences{
		Marketing:        false,
		Newsletters:      true,
		ProjectUpdates:   true,
		DonationReceipts: true,
	}
}

// Donation is one ledger entry. UserEmail is the ownership tag; entries
// without it predate ownership tagging and must be migrated before display.
type Donation struct {
	PaymentID   string  `json:"paymentId"`
	ProjectID   int64   `json:"projectId,omitempty"`
	ProjectName string  `json:"projectName,omitempty"`
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency,omitempty"`
	Timestamp   string  `json:"timestamp,omitempty"`
	UserEmail   string  `json:"userEmail,omitempty"`
	UserID      string  `json:"userId,omitempty"`
	AddedAt     string  `json:"addedAt,omitempty"`
	MigratedAt  string  `json:"migratedAt,omitempty"`
}

// SameEntry reports whether d and other share the (paymentId, projectId) key.
func (d Donation) SameEntry(other Donation) bool {
	return d.PaymentID == other.PaymentID && d.ProjectID == other.ProjectID
}

// Account is the record stored under userData_<identifier>.
type Account struct {
	ID                  string           `json:"id"`
	FirstName           string           `json:"first_name"`
	LastName            string           `json:"last_name"`
	Email               string           `json:"email"`
	Location            string           `json:"location,omitempty"`
	PasswordHash        string           `json:"password_hash,omitempty"`
	LegacyPassword      string           `json:"password,omitempty"`
	UserType            string           `json:"user_type,omitempty"`
	FavoriteProjects    []ProjectRef     `json:"favoriteProjects"`
	EmailPreferences    EmailPreferences `json:"emailPreferences"`
	SuccessfulDonations []Donation       `json:"successfulDonations"`
	ProjectUpdates      map[string]int64 `json:"projectUpdates,omitempty"`
	CreatedAt           string           `json:"created_at,omitempty"`
	UpdatedAt           string           `json:"updated_at,omitempty"`
}

// HasSecret reports whether any password material is stored.
func (a Account) HasSecret() bool {
	return a.PasswordHash != "" || a.LegacyPassword != ""
}

// Sanitized returns a deep copy without password material.
func (a Account) Sanitized() Account {
	clone := a.Clone()
	clone.PasswordHash = ""
	clone.LegacyPassword = ""
	return clone
}

// Clone returns a deep copy of the record.
func (a Account) Clone() Account {
	clone := a
	clone.FavoriteProjects = slices.Clone(a.FavoriteProjects)
	clone.SuccessfulDonations = slices.Clone(a.SuccessfulDonations)
	if a.ProjectUpdates != nil {
		clone.ProjectUpdates = make(map[string]int64, len(a.ProjectUpdates))
		for key, value := range a.ProjectUpdates {
			clone.ProjectUpdates[key] = value
		}
	}
	return clone
}

// SortByRecent orders donations by timestamp, most recent first. Entries
// whose timestamp cannot be parsed sort last, keeping their relative order.
func SortByRecent(donations []Donation) {
	slices.SortStableFunc(donations, func(left, right Donation) int {
		leftTime, leftOK := ParseTime(left.Timestamp)
		rightTime, rightOK := ParseTime(right.Timestamp)
		switch {
		case leftOK && !rightOK:
			return -1
		case !leftOK && rightOK:
			return 1
		case !leftOK && !rightOK:
			return 0
		}
		return rightTime.Compare(leftTime)
	})
}
