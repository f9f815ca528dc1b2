package cron

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/symbiont/internal/config"
	"github.com/haasonsaas/symbiont/pkg/symbiont"
)

// Status is the lifecycle state of a cron job.
type Status string

const (
	StatusActive   Status = "active"
	StatusPaused   Status = "paused"
	StatusDisabled Status = "disabled"
	StatusError    Status = "error"
)

// Schedule represents a parsed schedule. For Kind=="cron", parsed holds the
// cron expression parsed once at construction (NewSchedule); Next reuses it
// instead of re-parsing CronExpr on every call.
type Schedule struct {
	Kind     string
	CronExpr string
	Every    time.Duration
	At       time.Time
	Timezone string

	parsed cron.Schedule
}

// Job is a scheduled agent trigger: a parsed schedule, the agent definition
// it drives, and a delivery configuration for the run's output.
type Job struct {
	ID       string
	Name     string
	Schedule Schedule
	Timezone string

	Agent     symbiont.AgentDefinition
	PolicyIDs []string

	Status  Status
	Enabled bool
	OneShot bool

	Delivery DeliveryConfig

	RunCount     int
	FailureCount int
	LastRun      time.Time
	NextRun      time.Time
	LastError    string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// JobSpec is the input to RegisterJob and NewScheduler: a raw schedule
// configuration (parsed by NewSchedule), the agent it should run, and the
// delivery configuration for the run's output.
type JobSpec struct {
	ID        string
	Name      string
	Schedule  config.CronScheduleConfig
	Agent     symbiont.AgentDefinition
	PolicyIDs []string
	OneShot   bool
	Delivery  DeliveryConfig
}
