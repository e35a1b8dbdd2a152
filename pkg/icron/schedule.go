package icron

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

type TriggerInfo struct {
	Expression    string        `json:"expression"`
	Next          time.Time     `json:"next"`
	TimeUntilNext time.Duration `json:"time_until_next"`
}

// Parse accepts standard 5-field expressions and descriptors such as "@hourly".
func Parse(expr string) (cron.Schedule, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return schedule, nil
}

func GetTriggerInfo(expr string, ref time.Time) (*TriggerInfo, error) {
	schedule, err := Parse(expr)
	if err != nil {
		return nil, err
	}
	next := schedule.Next(ref)
	return &TriggerInfo{
		Expression:    expr,
		Next:          next,
		TimeUntilNext: next.Sub(ref),
	}, nil
}
