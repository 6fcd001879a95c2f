package config

import (
	"reflect"

	"github.com/telroute/outdial/internal/agent"
	"github.com/telroute/outdial/internal/scheduler"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged     bool
	NewLogLevel         LogLevel
	ScriptChanged       bool
	NewScript           agent.Script
	CallingHoursChanged bool
	NewCallingHours     scheduler.CallingHours
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !reflect.DeepEqual(old.Script, new.Script) {
		d.ScriptChanged = true
		d.NewScript = new.Script
	}

	if old.Scheduler.CallingHours != new.Scheduler.CallingHours {
		d.CallingHoursChanged = true
		d.NewCallingHours = new.Scheduler.CallingHours
	}

	return d
}
