package scheduler

import (
	"fmt"
	"log/slog"
	"time"
)

// CallingHours is the daily local-time window inside which dialing is
// allowed. Start and End are "15:04" formatted; the window is inclusive of
// Start and exclusive of End.
type CallingHours struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

// Validate checks both bounds parse and Start precedes End.
func (h CallingHours) Validate() error {
	start, err := time.Parse("15:04", h.Start)
	if err != nil {
		return fmt.Errorf("scheduler: calling hours start %q: %w", h.Start, err)
	}
	end, err := time.Parse("15:04", h.End)
	if err != nil {
		return fmt.Errorf("scheduler: calling hours end %q: %w", h.End, err)
	}
	if !start.Before(end) {
		return fmt.Errorf("scheduler: calling hours start %q must precede end %q", h.Start, h.End)
	}
	return nil
}

// Contains reports whether now, converted to the lead's timezone, falls
// inside the window. An unknown timezone falls back to UTC with a warning
// rather than blocking the lead forever.
func (h CallingHours) Contains(now time.Time, timezone string) bool {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		slog.Warn("unknown lead timezone, evaluating calling hours in UTC",
			"timezone", timezone, "err", err)
		loc = time.UTC
	}
	local := now.In(loc)
	minutes := local.Hour()*60 + local.Minute()

	start, err := time.Parse("15:04", h.Start)
	if err != nil {
		return true
	}
	end, err := time.Parse("15:04", h.End)
	if err != nil {
		return true
	}
	startMin := start.Hour()*60 + start.Minute()
	endMin := end.Hour()*60 + end.Minute()

	return minutes >= startMin && minutes < endMin
}
