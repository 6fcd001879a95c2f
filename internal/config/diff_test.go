package config_test

import (
	"testing"

	"github.com/telroute/outdial/internal/agent"
	"github.com/telroute/outdial/internal/config"
	"github.com/telroute/outdial/internal/scheduler"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		Scheduler: config.SchedulerConfig{
			CallingHours: scheduler.CallingHours{Start: "09:00", End: "19:00"},
		},
		Script: agent.Script{
			Greeting:  "Hello.",
			Questions: []string{"Are you the owner?"},
		},
	}
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()

	d := config.Diff(old, new)
	if d.LogLevelChanged || d.ScriptChanged || d.CallingHoursChanged {
		t.Errorf("identical configs should produce an empty diff, got %+v", d)
	}
}

func TestDiff_LogLevel(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Fatal("expected LogLevelChanged")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("NewLogLevel: got %q, want debug", d.NewLogLevel)
	}
	if d.ScriptChanged || d.CallingHoursChanged {
		t.Errorf("unrelated fields flagged: %+v", d)
	}
}

func TestDiff_Script(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Script.Questions = append(new.Script.Questions, "Is the property listed?")

	d := config.Diff(old, new)
	if !d.ScriptChanged {
		t.Fatal("expected ScriptChanged")
	}
	if len(d.NewScript.Questions) != 2 {
		t.Errorf("NewScript questions: got %d, want 2", len(d.NewScript.Questions))
	}
}

func TestDiff_CallingHours(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Scheduler.CallingHours.End = "20:00"

	d := config.Diff(old, new)
	if !d.CallingHoursChanged {
		t.Fatal("expected CallingHoursChanged")
	}
	if d.NewCallingHours.End != "20:00" {
		t.Errorf("NewCallingHours end: got %q, want 20:00", d.NewCallingHours.End)
	}
}

func TestDiff_RestartOnlyFieldsIgnored(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Server.ListenAddr = ":9090"
	new.Store.PostgresDSN = "postgres://localhost/other"

	d := config.Diff(old, new)
	if d.LogLevelChanged || d.ScriptChanged || d.CallingHoursChanged {
		t.Errorf("restart-only fields should not appear in the diff, got %+v", d)
	}
}
