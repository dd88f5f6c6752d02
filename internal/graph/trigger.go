package graph

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cadenceParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var dailyShorthand = regexp.MustCompile(`^daily@([01]?\d|2[0-3]):([0-5]\d)$`)

// TriggerConfig controls when a new enrollment first becomes due. An empty
// cadence or Immediate fires at enroll time; otherwise the enrollment waits
// for the next occurrence of the cadence.
type TriggerConfig struct {
	Cadence   string `json:"cadence,omitempty"`
	Immediate bool   `json:"immediate,omitempty"`
	Timezone  string `json:"timezone,omitempty" validate:"omitempty,timezone"`

	schedule cron.Schedule
}

// CronSpec converts the cadence into a cron expression. "daily@HH:MM" is
// shorthand for "MM HH * * *"; anything else passes through unchanged.
func (t *TriggerConfig) CronSpec() string {
	c := strings.TrimSpace(t.Cadence)
	if m := dailyShorthand.FindStringSubmatch(c); m != nil {
		hour, _ := strconv.Atoi(m[1])
		minute, _ := strconv.Atoi(m[2])
		c = fmt.Sprintf("%d %d * * *", minute, hour)
	}
	if t.Timezone != "" && !strings.HasPrefix(c, "CRON_TZ=") && !strings.HasPrefix(c, "TZ=") {
		c = "CRON_TZ=" + t.Timezone + " " + c
	}
	return c
}

func (t *TriggerConfig) parse() (cron.Schedule, error) {
	if t.Immediate || strings.TrimSpace(t.Cadence) == "" {
		return nil, nil
	}
	s, err := cadenceParser.Parse(t.CronSpec())
	if err != nil {
		return nil, fmt.Errorf("invalid cadence %q: %w", t.Cadence, err)
	}
	return s, nil
}

func (t *TriggerConfig) compile() error {
	s, err := t.parse()
	if err != nil {
		return err
	}
	t.schedule = s
	return nil
}

// FirstFire returns the time a fresh enrollment becomes due. A cadence that
// matches now exactly (to the second) fires now.
func (t *TriggerConfig) FirstFire(now time.Time) time.Time {
	s := t.schedule
	if s == nil {
		var err error
		if s, err = t.parse(); err != nil || s == nil {
			return now
		}
	}
	return s.Next(now.Add(-time.Second))
}
