package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Cron computes the next fire time of a cron expression strictly after the
// given instant.
type Cron interface {
	Next(expr string, after time.Time) (time.Time, error)
}

// StandardCron parses five-field cron expressions plus the @every/@hourly
// descriptors using robfig/cron.
type StandardCron struct {
	parser cron.Parser
}

// NewStandardCron constructs the default cron calculator.
func NewStandardCron() *StandardCron {
	return &StandardCron{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Next returns the first fire time of expr strictly after the given time.
func (c *StandardCron) Next(expr string, after time.Time) (time.Time, error) {
	sched, err := c.parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	return sched.Next(after), nil
}

// ValidateCron reports whether expr is a parseable cron expression.
func ValidateCron(expr string) error {
	_, err := NewStandardCron().parser.Parse(expr)
	if err != nil {
		return fmt.Errorf("parse cron %q: %w", expr, err)
	}
	return nil
}
