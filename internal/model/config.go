// Package model defines the data structures for exprun's configuration, task queues, snapshots and commands.
package model

import (
	"math"
	"time"
)

// StateDirName is the directory under base_experiment_dir holding scheduler state.
const StateDirName = ".exp_state"

type Config struct {
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Logging   LoggingConfig   `yaml:"logging"`
	Events    EventsConfig    `yaml:"events"`
	History   HistoryConfig   `yaml:"history"`
	Observer  ObserverConfig  `yaml:"observer"`
	Notify    NotifyConfig    `yaml:"notify"`
}

type SchedulerConfig struct {
	MaxConcurrent     int     `yaml:"max_concurrent_experiments"`
	CheckIntervalSec  float64 `yaml:"check_interval"`
	BaseExperimentDir string  `yaml:"base_experiment_dir"`
	AutoRestart       bool    `yaml:"auto_restart_on_error"`

	// LingerWhenIdle is a pointer so an explicit false survives defaulting.
	LingerWhenIdle      *bool   `yaml:"linger_when_idle"`
	IdleGracePeriodSec  float64 `yaml:"idle_grace_period"`
	TerminateTimeoutSec float64 `yaml:"terminate_timeout"`
	KillTimeoutSec      float64 `yaml:"kill_timeout"`
	WatchCommands       *bool   `yaml:"watch_commands"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	// File overrides the default <state_dir>/logs/scheduler.log; "-" disables the file sink.
	File string `yaml:"file"`
}

type EventsConfig struct {
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
	BufferSize    int    `yaml:"buffer_size"`

	// Journal appends every event to <state_dir>/logs/events.jsonl.
	Journal         *bool `yaml:"journal"`
	JournalMaxBytes int64 `yaml:"journal_max_bytes"`
}

type HistoryConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type ObserverConfig struct {
	Addr              string  `yaml:"addr"`
	CommandRatePerSec float64 `yaml:"command_rate_per_sec"`
	CommandBurst      int     `yaml:"command_burst"`
}

// NotifyConfig enables desktop notifications for failed tasks and finished runs.
type NotifyConfig struct {
	Desktop bool `yaml:"desktop"`
}

const (
	DefaultCheckInterval    = 10 * time.Second
	DefaultIdleGracePeriod  = 60 * time.Second
	DefaultTerminateTimeout = 10 * time.Second
	DefaultKillTimeout      = 5 * time.Second
	DefaultObserverAddr     = "127.0.0.1:6066"
	DefaultSubjectPrefix    = "exprun.events"
	DefaultJournalMaxBytes  = 64 * 1024 * 1024

	// MinCheckInterval is the floor applied when deriving the idle grace cycle count.
	MinCheckInterval = 100 * time.Millisecond
	// MinGraceCycles is the lower bound on idle lingering cycles.
	MinGraceCycles = 2
)

// ApplyDefaults fills zero-valued settings with their defaults.
func (c *Config) ApplyDefaults() {
	s := &c.Scheduler
	if s.MaxConcurrent <= 0 {
		s.MaxConcurrent = 1
	}
	if s.CheckIntervalSec <= 0 {
		s.CheckIntervalSec = DefaultCheckInterval.Seconds()
	}
	if s.LingerWhenIdle == nil {
		s.LingerWhenIdle = boolPtr(true)
	}
	if s.IdleGracePeriodSec <= 0 {
		s.IdleGracePeriodSec = DefaultIdleGracePeriod.Seconds()
	}
	if s.TerminateTimeoutSec <= 0 {
		s.TerminateTimeoutSec = DefaultTerminateTimeout.Seconds()
	}
	if s.KillTimeoutSec <= 0 {
		s.KillTimeoutSec = DefaultKillTimeout.Seconds()
	}
	if s.WatchCommands == nil {
		s.WatchCommands = boolPtr(true)
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Events.SubjectPrefix == "" {
		c.Events.SubjectPrefix = DefaultSubjectPrefix
	}
	if c.Events.BufferSize <= 0 {
		c.Events.BufferSize = 256
	}
	if c.Events.Journal == nil {
		c.Events.Journal = boolPtr(true)
	}
	if c.Events.JournalMaxBytes <= 0 {
		c.Events.JournalMaxBytes = DefaultJournalMaxBytes
	}
	if c.History.Enabled == nil {
		c.History.Enabled = boolPtr(true)
	}
	if c.Observer.Addr == "" {
		c.Observer.Addr = DefaultObserverAddr
	}
	if c.Observer.CommandRatePerSec <= 0 {
		c.Observer.CommandRatePerSec = 5
	}
	if c.Observer.CommandBurst <= 0 {
		c.Observer.CommandBurst = 10
	}
}

func (s SchedulerConfig) CheckInterval() time.Duration {
	return seconds(s.CheckIntervalSec)
}

func (s SchedulerConfig) IdleGracePeriod() time.Duration {
	return seconds(s.IdleGracePeriodSec)
}

func (s SchedulerConfig) TerminateTimeout() time.Duration {
	return seconds(s.TerminateTimeoutSec)
}

func (s SchedulerConfig) KillTimeout() time.Duration {
	return seconds(s.KillTimeoutSec)
}

func (s SchedulerConfig) Linger() bool {
	return s.LingerWhenIdle == nil || *s.LingerWhenIdle
}

func (s SchedulerConfig) Watch() bool {
	return s.WatchCommands == nil || *s.WatchCommands
}

// GraceCycles converts the idle grace period into a number of scheduling cycles:
// grace / max(check_interval, MinCheckInterval), never fewer than MinGraceCycles.
func (s SchedulerConfig) GraceCycles() int {
	interval := s.CheckInterval()
	if interval < MinCheckInterval {
		interval = MinCheckInterval
	}
	cycles := int(math.Floor(float64(s.IdleGracePeriod()) / float64(interval)))
	if cycles < MinGraceCycles {
		cycles = MinGraceCycles
	}
	return cycles
}

func (e EventsConfig) JournalEnabled() bool {
	return e.Journal == nil || *e.Journal
}

func (h HistoryConfig) IsEnabled() bool {
	return h.Enabled == nil || *h.Enabled
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func boolPtr(b bool) *bool {
	return &b
}
