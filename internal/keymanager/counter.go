// ABOUTME: In-memory per-minute and per-day quota counter for the free tier.
// ABOUTME: Windows roll lazily when the wall-clock bucket id changes, not on a timer.

package keymanager

import "time"

const (
	minuteBucketLayout = "2006-01-02T15:04"
	dayBucketLayout    = "2006-01-02"
)

// Limits caps free-tier usage.
type Limits struct {
	Daily  int `json:"daily" yaml:"daily"`
	Minute int `json:"minute" yaml:"minute"`
}

// DefaultLimits matches the Gemini free tier.
var DefaultLimits = Limits{Daily: 1500, Minute: 15}

// CounterState is a read-only view of a UsageCounter.
type CounterState struct {
	DailyUsage  int `json:"dailyUsage"`
	DailyLimit  int `json:"dailyLimit"`
	MinuteUsage int `json:"minuteUsage"`
	MinuteLimit int `json:"minuteLimit"`
}

// UsageCounter tracks free-tier calls in the current minute and day. It is
// not safe for concurrent use; KeyManager guards it.
type UsageCounter struct {
	dailyUsage  int
	dailyLimit  int
	minuteUsage int
	minuteLimit int

	lastMinuteBucket string
	lastDayBucket    string
}

func NewUsageCounter(l Limits) *UsageCounter {
	return &UsageCounter{dailyLimit: l.Daily, minuteLimit: l.Minute}
}

// Roll zeroes each window whose bucket id differs from the one for now.
func (c *UsageCounter) Roll(now time.Time) {
	if minute := now.Format(minuteBucketLayout); minute != c.lastMinuteBucket {
		c.minuteUsage = 0
		c.lastMinuteBucket = minute
	}
	if day := now.Format(dayBucketLayout); day != c.lastDayBucket {
		c.dailyUsage = 0
		c.lastDayBucket = day
	}
}

// Allows reports whether both windows have room for one more call.
func (c *UsageCounter) Allows() bool {
	return c.dailyUsage < c.dailyLimit && c.minuteUsage < c.minuteLimit
}

// DailyRemaining reports whether the day window has room.
func (c *UsageCounter) DailyRemaining() bool {
	return c.dailyUsage < c.dailyLimit
}

// Slot identifies the windows a call was counted in.
type Slot struct {
	minute string
	day    string
}

// Take counts one call in both windows.
func (c *UsageCounter) Take() Slot {
	c.dailyUsage++
	c.minuteUsage++
	return Slot{minute: c.lastMinuteBucket, day: c.lastDayBucket}
}

// Release returns a slot taken by a call that did not reach the provider.
// A window that rolled since the slot was taken is left alone.
func (c *UsageCounter) Release(s Slot) {
	if s.day == c.lastDayBucket && c.dailyUsage > 0 {
		c.dailyUsage--
	}
	if s.minute == c.lastMinuteBucket && c.minuteUsage > 0 {
		c.minuteUsage--
	}
}

// CanWait reports whether waiting for the next minute could free a slot.
func (c *UsageCounter) CanWait() bool {
	return c.DailyRemaining() && c.minuteLimit > 0
}

func (c *UsageCounter) SetLimits(l Limits) {
	c.dailyLimit = l.Daily
	c.minuteLimit = l.Minute
}

// State returns the counter as it would look after rolling to now, without
// rolling it.
func (c *UsageCounter) State(now time.Time) CounterState {
	s := CounterState{
		DailyUsage:  c.dailyUsage,
		DailyLimit:  c.dailyLimit,
		MinuteUsage: c.minuteUsage,
		MinuteLimit: c.minuteLimit,
	}
	if now.Format(minuteBucketLayout) != c.lastMinuteBucket {
		s.MinuteUsage = 0
	}
	if now.Format(dayBucketLayout) != c.lastDayBucket {
		s.DailyUsage = 0
	}
	return s
}
