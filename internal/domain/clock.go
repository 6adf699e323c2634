package domain

import "time"

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// TimeRange is a half-open wall-clock range [Start, End). A zero End is open-ended.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Validate checks that the range is not inverted.
func (r TimeRange) Validate() error {
	if !r.End.IsZero() && r.End.Before(r.Start) {
		return ErrInvalidRange
	}
	return nil
}

// IDRange is a half-open range [From, To) of war log ids.
type IDRange struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

// Contains reports whether id falls in the range.
func (r IDRange) Contains(id int64) bool {
	return id >= r.From && id < r.To
}

// Empty reports whether the range selects no ids.
func (r IDRange) Empty() bool {
	return r.To <= r.From
}
