package scheduler

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed schedule.yaml
var defaultSchedule []byte

const defaultSweepInterval = 15 * time.Minute

// Schedule is the periodic work of the scheduler process.
type Schedule struct {
	Timezone      string          `yaml:"timezone"`
	SweepInterval time.Duration   `yaml:"sweep_interval"`
	Entries       []ScheduleEntry `yaml:"entries"`
}

// ScheduleEntry enqueues Task on every Cron tick.
type ScheduleEntry struct {
	Name      string `yaml:"name"`
	Cron      string `yaml:"cron"`
	Task      string `yaml:"task"`
	Generator string `yaml:"generator,omitempty"`
	ClinicID  string `yaml:"clinic_id,omitempty"`
}

// LoadSchedule reads the schedule at path, or the built-in one when path is
// empty.
func LoadSchedule(path string) (*Schedule, error) {
	data := defaultSchedule
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read schedule: %w", err)
		}
		data = raw
	}
	return ParseSchedule(data)
}

// ParseSchedule decodes and validates a YAML schedule.
func ParseSchedule(data []byte) (*Schedule, error) {
	var s Schedule
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse schedule: %w", err)
	}
	if s.SweepInterval == 0 {
		s.SweepInterval = defaultSweepInterval
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Location resolves the schedule timezone, falling back to fallback.
func (s *Schedule) Location(fallback *time.Location) *time.Location {
	if s.Timezone == "" {
		return fallback
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return fallback
	}
	return loc
}

func (s *Schedule) validate() error {
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return fmt.Errorf("schedule: invalid timezone %q", s.Timezone)
		}
	}
	if s.SweepInterval < 0 {
		return fmt.Errorf("schedule: sweep_interval must not be negative")
	}

	seen := make(map[string]bool, len(s.Entries))
	for i, e := range s.Entries {
		if strings.TrimSpace(e.Name) == "" {
			return fmt.Errorf("schedule: entry %d has no name", i)
		}
		if seen[e.Name] {
			return fmt.Errorf("schedule: duplicate entry %q", e.Name)
		}
		seen[e.Name] = true

		if len(strings.Fields(e.Cron)) != 5 && !strings.HasPrefix(e.Cron, "@") {
			return fmt.Errorf("schedule: entry %q has invalid cron %q", e.Name, e.Cron)
		}
		switch e.Task {
		case TaskRunGenerator:
			if !knownGenerator(e.Generator) {
				return fmt.Errorf("schedule: entry %q names unknown generator %q", e.Name, e.Generator)
			}
		case TaskSweepAttributions:
		default:
			return fmt.Errorf("schedule: entry %q has unsupported task %q", e.Name, e.Task)
		}
	}
	return nil
}
