package submissions

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidUserID indicates that a user identifier is empty, too long, or not file-name safe.
	ErrInvalidUserID = errors.New("submissions: invalid user id")
)

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	for _, r := range trimmed {
		if !isIdentifierRune(r) {
			return "", fmt.Errorf("%w: unsupported character %q", ErrInvalidUserID, r)
		}
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

func isIdentifierRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z':
		return true
	case r >= 'A' && r <= 'Z':
		return true
	case r >= '0' && r <= '9':
		return true
	case r == '_' || r == '-':
		return true
	default:
		return false
	}
}

// Submission models one judged attempt at a problem.
type Submission struct {
	ID            int64   `gorm:"column:id;primaryKey;autoIncrement:false" json:"id"`
	EpochSecond   int64   `gorm:"column:epoch_second;not null" json:"epoch_second"`
	ProblemID     string  `gorm:"column:problem_id;size:190;not null" json:"problem_id"`
	ContestID     string  `gorm:"column:contest_id;size:190;not null" json:"contest_id"`
	UserID        string  `gorm:"column:user_id;size:190;not null" json:"user_id"`
	Language      string  `gorm:"column:language;size:190;not null" json:"language"`
	Point         float64 `gorm:"column:point;not null" json:"point"`
	Length        int64   `gorm:"column:length;not null" json:"length"`
	Result        string  `gorm:"column:result;size:32;not null" json:"result"`
	ExecutionTime *int64  `gorm:"column:execution_time" json:"execution_time"`
}

// TableName provides the explicit table binding for GORM.
func (Submission) TableName() string {
	return "submissions"
}

// SortByID orders submissions by ascending identifier in place.
func SortByID(items []Submission) {
	sort.Slice(items, func(i, j int) bool {
		return items[i].ID < items[j].ID
	})
}

// LatestEpochSecond returns the greatest EpochSecond in items, or zero when items is empty.
func LatestEpochSecond(items []Submission) int64 {
	var latest int64
	for _, item := range items {
		if item.EpochSecond > latest {
			latest = item.EpochSecond
		}
	}
	return latest
}

// Merge collapses the provided groups into one id-unique slice sorted by ID.
// Entries from later groups overwrite entries from earlier ones.
func Merge(groups ...[]Submission) []Submission {
	byID := make(map[int64]Submission)
	for _, group := range groups {
		for _, item := range group {
			byID[item.ID] = item
		}
	}
	merged := make([]Submission, 0, len(byID))
	for _, item := range byID {
		merged = append(merged, item)
	}
	SortByID(merged)
	return merged
}

// IDs returns the identifiers of items in their current order.
func IDs(items []Submission) []int64 {
	if len(items) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	return ids
}
