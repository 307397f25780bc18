package scheduler

import (
	"time"

	"pubflow/internal/policy"
)

// defaultDelay is the fallback for platforms without a configured policy.
const defaultDelay = time.Hour

// NextSlot returns the next optimal publish time for a platform, strictly
// after now. The second return reports whether the generic fallback was
// used because the platform has no configured policy.
//
// Slot selection uses the weekday/weekend list matching now's calendar day.
// When every slot of today has passed, the result is tomorrow at the first
// slot of that same list: the rollover keeps today's day-type list even when
// tomorrow is a different day type. That matches the long-standing queue
// behavior and is pinned by tests; change it only together with them.
func NextSlot(table policy.Table, platform string, now time.Time) (time.Time, bool) {
	pol, ok := table.Lookup(platform)
	if !ok {
		return now.Add(defaultDelay), true
	}

	slots := pol.Slots(now)
	for _, slot := range slots {
		if target := slot.At(now); target.After(now) {
			return target, false
		}
	}
	return slots[0].At(now.AddDate(0, 0, 1)), false
}
