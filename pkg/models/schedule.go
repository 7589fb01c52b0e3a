package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"
)

var (
	// ErrPastTime is returned when a schedule is set to fire in the past.
	ErrPastTime = errors.New("scheduled time is in the past")
	// ErrInvalidHours is returned for empty, duplicate or out of range hours.
	ErrInvalidHours = errors.New("invalid active hours")
	// ErrInvalidDays is returned for empty, duplicate or out of range days.
	ErrInvalidDays = errors.New("invalid active days")
	// ErrInvalidInterval is returned for a non-positive recurrence interval.
	ErrInvalidInterval = errors.New("recurrence interval must be positive")
)

// AllHours and AllDays are the unrestricted windows. Days are numbered
// Monday=0 through Sunday=6.
var (
	AllHours = []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23}
	AllDays  = []int{0, 1, 2, 3, 4, 5, 6}
)

// ScheduledExecution is a pending or recurring re-invocation of a job. A nil
// ScheduledTime means the schedule is inactive.
type ScheduledExecution struct {
	ID                 string          `json:"id"`
	TenantID           string          `json:"tenant_id"`
	ActivationID       string          `json:"activation_id"`
	Job                string          `json:"job"`
	Payload            json.RawMessage `json:"payload,omitempty"`
	ScheduledTime      *time.Time      `json:"scheduled_time,omitempty"`
	ActiveHours        []int           `json:"active_hours"`
	ActiveDays         []int           `json:"active_days"`
	IsRecurring        bool            `json:"is_recurring"`
	RecurrenceInterval int             `json:"recurrence_interval"` // minutes
	MaxRuns            int             `json:"max_runs,omitempty"`  // 0 = unlimited
	RunCount           int             `json:"run_count"`
	LastError          string          `json:"last_error,omitempty"`
	// ClaimedUntil and ClaimToken describe the current sweep lease, if any.
	ClaimedUntil *time.Time `json:"claimed_until,omitempty"`
	ClaimToken   string     `json:"-"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// NewScheduledExecution returns a schedule for job with unrestricted windows.
func NewScheduledExecution(tenantID, activationID, job string) *ScheduledExecution {
	return &ScheduledExecution{
		TenantID:     tenantID,
		ActivationID: activationID,
		Job:          job,
		ActiveHours:  slices.Clone(AllHours),
		ActiveDays:   slices.Clone(AllDays),
	}
}

// SetScheduledTime arms the schedule. Times before now are rejected.
func (s *ScheduledExecution) SetScheduledTime(at, now time.Time) error {
	if at.Before(now) {
		return fmt.Errorf("%w: %s", ErrPastTime, at.Format(time.RFC3339))
	}
	at = at.UTC()
	s.ScheduledTime = &at
	return nil
}

// SetActiveHours restricts firing to the given hours of day (0-23).
func (s *ScheduledExecution) SetActiveHours(hours []int) error {
	if err := validateSet(hours, 23); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidHours, err)
	}
	s.ActiveHours = sortedCopy(hours)
	return nil
}

// SetActiveDays restricts firing to the given days of week (0=Monday .. 6=Sunday).
func (s *ScheduledExecution) SetActiveDays(days []int) error {
	if err := validateSet(days, 6); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDays, err)
	}
	s.ActiveDays = sortedCopy(days)
	return nil
}

// SetRecurrence makes the schedule repeat every interval minutes.
func (s *ScheduledExecution) SetRecurrence(intervalMinutes int) error {
	if intervalMinutes <= 0 {
		return ErrInvalidInterval
	}
	s.IsRecurring = true
	s.RecurrenceInterval = intervalMinutes
	return nil
}

// IncrementRunCount records one more run and reports whether another run is
// still permitted. Reaching MaxRuns disarms the schedule.
func (s *ScheduledExecution) IncrementRunCount() bool {
	s.RunCount++
	if s.MaxRuns > 0 && s.RunCount >= s.MaxRuns {
		s.ScheduledTime = nil
		s.IsRecurring = false
		return false
	}
	return true
}

// IsDue reports whether the schedule has passed its time and now falls in
// its active window.
func (s *ScheduledExecution) IsDue(now time.Time) bool {
	if s.ScheduledTime == nil || s.ScheduledTime.After(now) {
		return false
	}
	return s.InWindow(now)
}

// InWindow reports whether t falls in the active hours and days.
func (s *ScheduledExecution) InWindow(t time.Time) bool {
	return slices.Contains(s.ActiveHours, t.Hour()) && slices.Contains(s.ActiveDays, Weekday(t))
}

// Advance moves a recurring schedule forward by its interval, clamped to now,
// and clears a one-shot schedule.
func (s *ScheduledExecution) Advance(now time.Time) {
	if !s.IsRecurring || s.ScheduledTime == nil || s.RecurrenceInterval <= 0 {
		s.ScheduledTime = nil
		return
	}
	next := s.ScheduledTime.Add(time.Duration(s.RecurrenceInterval) * time.Minute)
	if next.Before(now) {
		next = now
	}
	next = next.UTC()
	s.ScheduledTime = &next
}

// Weekday numbers t's day with Monday as 0.
func Weekday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

func validateSet(values []int, max int) error {
	if len(values) == 0 {
		return errors.New("empty set")
	}
	seen := make(map[int]struct{}, len(values))
	for _, v := range values {
		if v < 0 || v > max {
			return fmt.Errorf("%d out of range 0-%d", v, max)
		}
		if _, dup := seen[v]; dup {
			return fmt.Errorf("duplicate value %d", v)
		}
		seen[v] = struct{}{}
	}
	return nil
}

func sortedCopy(values []int) []int {
	out := slices.Clone(values)
	slices.Sort(out)
	return out
}
