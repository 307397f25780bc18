package policy

import (
	"fmt"
	"os"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// Slot is a time-of-day publish slot at minute resolution.
type Slot struct {
	Hour   int
	Minute int
}

// At anchors the slot on the calendar day of t, in t's location.
func (s Slot) At(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), s.Hour, s.Minute, 0, 0, t.Location())
}

func (s Slot) String() string { return fmt.Sprintf("%02d:%02d", s.Hour, s.Minute) }

func (s Slot) minuteOfDay() int { return s.Hour*60 + s.Minute }

// Policy is the cadence configuration for one platform.
type Policy struct {
	WeekdaySlots []Slot
	WeekendSlots []Slot
	MinInterval  time.Duration
	MaxDaily     int
}

// Slots returns the slot list for t's day type. Saturday and Sunday count
// as weekend.
func (p Policy) Slots(t time.Time) []Slot {
	if wd := t.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return p.WeekendSlots
	}
	return p.WeekdaySlots
}

// Table maps platform names to their cadence policies. Built once at
// startup and never mutated afterwards.
type Table map[string]Policy

// Lookup returns the policy for a platform and whether one is configured.
// Unknown platforms fall back to the generic 1-hour rule in the selector.
func (t Table) Lookup(platform string) (Policy, bool) {
	p, ok := t[platform]
	return p, ok
}

// Default returns the built-in policy table.
func Default() Table {
	return Table{
		"douyin": {
			WeekdaySlots: mustSlots("09:00", "12:00", "18:00", "21:00"),
			WeekendSlots: mustSlots("10:00", "14:00", "19:00", "22:00"),
			MinInterval:  time.Hour,
			MaxDaily:     5,
		},
		"bilibili": {
			WeekdaySlots: mustSlots("10:00", "14:00", "19:00", "22:00"),
			WeekendSlots: mustSlots("11:00", "15:00", "20:00", "23:00"),
			MinInterval:  2 * time.Hour,
			MaxDaily:     3,
		},
	}
}

type filePolicy struct {
	WeekdaySlots       []string `yaml:"weekday_slots"`
	WeekendSlots       []string `yaml:"weekend_slots"`
	MinIntervalSeconds int      `yaml:"min_interval_seconds"`
	MaxDaily           int      `yaml:"max_daily"`
}

type fileConfig struct {
	Platforms map[string]filePolicy `yaml:"platforms"`
}

// LoadFile parses a YAML policy file and returns the resulting table.
// Any malformed entry is a fatal configuration error; callers are expected
// to abort startup rather than schedule against a broken table.
func LoadFile(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	if len(cfg.Platforms) == 0 {
		return nil, fmt.Errorf("policy file %s: no platforms defined", path)
	}

	table := make(Table, len(cfg.Platforms))
	for name, fp := range cfg.Platforms {
		p, err := fp.toPolicy()
		if err != nil {
			return nil, fmt.Errorf("platform %q: %w", name, err)
		}
		table[name] = p
	}
	return table, nil
}

func (fp filePolicy) toPolicy() (Policy, error) {
	weekday, err := parseSlots(fp.WeekdaySlots)
	if err != nil {
		return Policy{}, fmt.Errorf("weekday_slots: %w", err)
	}
	weekend, err := parseSlots(fp.WeekendSlots)
	if err != nil {
		return Policy{}, fmt.Errorf("weekend_slots: %w", err)
	}
	if fp.MinIntervalSeconds < 0 {
		return Policy{}, fmt.Errorf("min_interval_seconds must not be negative")
	}
	if fp.MaxDaily < 0 {
		return Policy{}, fmt.Errorf("max_daily must not be negative")
	}
	return Policy{
		WeekdaySlots: weekday,
		WeekendSlots: weekend,
		MinInterval:  time.Duration(fp.MinIntervalSeconds) * time.Second,
		MaxDaily:     fp.MaxDaily,
	}, nil
}

// parseSlots parses HH:MM strings and requires a non-empty, strictly
// increasing sequence within the day.
func parseSlots(raw []string) ([]Slot, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("slot list is empty")
	}
	slots := make([]Slot, 0, len(raw))
	for _, s := range raw {
		slot, err := ParseSlot(s)
		if err != nil {
			return nil, err
		}
		if n := len(slots); n > 0 && slot.minuteOfDay() <= slots[n-1].minuteOfDay() {
			return nil, fmt.Errorf("slot %q must come after %q", s, slots[n-1])
		}
		slots = append(slots, slot)
	}
	return slots, nil
}

// ParseSlot parses a single HH:MM time-of-day value.
func ParseSlot(s string) (Slot, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return Slot{}, fmt.Errorf("invalid slot %q: %w", s, err)
	}
	return Slot{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func mustSlots(raw ...string) []Slot {
	slots, err := parseSlots(raw)
	if err != nil {
		panic(err)
	}
	return slots
}
