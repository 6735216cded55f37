package store

import (
	"errors"
	"testing"

	"github.com/agenshield/agenshield/pkg/scope"
)

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool { return &b }

func TestConfigGetEmpty(t *testing.T) {
	s := setupStore(t)
	got, err := s.Config(nil).Get()
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != nil {
		t.Errorf("Get with no rows = %+v, want nil", got)
	}
}

func TestConfigMergesLevels(t *testing.T) {
	s := setupStore(t)
	seedTenancy(t, s)

	allow := ActionAllow
	if err := s.Config(scope.Global()).Set(ConfigValues{
		DaemonHost:    strPtr("localhost"),
		DaemonPort:    intPtr(5200),
		LogLevel:      strPtr("info"),
		DefaultAction: &allow,
	}); err != nil {
		t.Fatalf("Set global failed: %v", err)
	}
	if err := s.Config(scope.Target("t1")).Set(ConfigValues{
		DaemonPort:         intPtr(6969),
		EnableNetworkProxy: boolPtr(true),
	}); err != nil {
		t.Fatalf("Set target failed: %v", err)
	}
	if err := s.Config(scope.User("t1", "alice")).Set(ConfigValues{
		LogLevel:           strPtr("debug"),
		EnableNetworkProxy: boolPtr(false),
	}); err != nil {
		t.Fatalf("Set user failed: %v", err)
	}

	tests := []struct {
		name      string
		filter    *scope.Filter
		host      string
		port      int
		logLevel  string
		proxy     *bool
		skillScan *bool
	}{
		{"global", scope.Global(), "localhost", 5200, "info", nil, nil},
		{"target", scope.Target("t1"), "localhost", 6969, "info", boolPtr(true), nil},
		{"user", scope.User("t1", "alice"), "localhost", 6969, "debug", boolPtr(false), nil},
		{"user without own row", scope.User("t1", "bob"), "localhost", 6969, "info", boolPtr(true), nil},
		{"other target", scope.Target("t2"), "localhost", 5200, "info", nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Config(tt.filter).Get()
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if got == nil {
				t.Fatal("Get returned nil")
			}
			if got.DaemonHost == nil || *got.DaemonHost != tt.host {
				t.Errorf("host = %v, want %q", got.DaemonHost, tt.host)
			}
			if got.DaemonPort == nil || *got.DaemonPort != tt.port {
				t.Errorf("port = %v, want %d", got.DaemonPort, tt.port)
			}
			if got.LogLevel == nil || *got.LogLevel != tt.logLevel {
				t.Errorf("log level = %v, want %q", got.LogLevel, tt.logLevel)
			}
			if (got.EnableNetworkProxy == nil) != (tt.proxy == nil) ||
				(tt.proxy != nil && *got.EnableNetworkProxy != *tt.proxy) {
				t.Errorf("proxy = %v, want %v", got.EnableNetworkProxy, tt.proxy)
			}
			if got.EnableSkillScan != nil {
				t.Errorf("skill scan = %v, want unset", *got.EnableSkillScan)
			}
			if got.DefaultAction == nil || *got.DefaultAction != ActionAllow {
				t.Errorf("default action = %v, want allow", got.DefaultAction)
			}
		})
	}
}

func TestConfigSetIsPartial(t *testing.T) {
	s := setupStore(t)
	repo := s.Config(nil)

	if err := repo.Set(ConfigValues{DaemonHost: strPtr("0.0.0.0"), DaemonPort: intPtr(5200)}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := repo.Set(ConfigValues{DaemonPort: intPtr(5300)}); err != nil {
		t.Fatalf("second Set failed: %v", err)
	}

	got, err := repo.GetLevel()
	if err != nil {
		t.Fatalf("GetLevel failed: %v", err)
	}
	if got.DaemonHost == nil || *got.DaemonHost != "0.0.0.0" {
		t.Errorf("host = %v, want preserved", got.DaemonHost)
	}
	if got.DaemonPort == nil || *got.DaemonPort != 5300 {
		t.Errorf("port = %v, want 5300", got.DaemonPort)
	}
	if n := countRows(t, s.DB(), "config", "1=1"); n != 1 {
		t.Errorf("config rows = %d, want 1", n)
	}
}

func TestConfigSetUnsetField(t *testing.T) {
	s := setupStore(t)
	seedTenancy(t, s)

	if err := s.Config(nil).Set(ConfigValues{DaemonPort: intPtr(5200), LogLevel: strPtr("info")}); err != nil {
		t.Fatalf("Set global failed: %v", err)
	}
	target := s.Config(scope.Target("t1"))
	if err := target.Set(ConfigValues{DaemonPort: intPtr(6000), LogLevel: strPtr("debug")}); err != nil {
		t.Fatalf("Set target failed: %v", err)
	}

	if err := target.Set(ConfigValues{}, FieldDaemonPort); err != nil {
		t.Fatalf("Set with unset failed: %v", err)
	}

	level, err := target.GetLevel()
	if err != nil {
		t.Fatalf("GetLevel failed: %v", err)
	}
	if level == nil || level.DaemonPort != nil {
		t.Errorf("level port = %+v, want unset", level)
	}
	if level.LogLevel == nil || *level.LogLevel != "debug" {
		t.Errorf("level log level = %v, want debug kept", level.LogLevel)
	}

	merged, err := target.Get()
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if merged.DaemonPort == nil || *merged.DaemonPort != 5200 {
		t.Errorf("merged port = %v, want inherited 5200", merged.DaemonPort)
	}

	// Setting and unsetting in one call works on different fields.
	if err := target.Set(ConfigValues{DaemonPort: intPtr(7000)}, FieldLogLevel); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	merged, _ = target.Get()
	if *merged.DaemonPort != 7000 || *merged.LogLevel != "info" {
		t.Errorf("merged = port %d level %s, want 7000 info", *merged.DaemonPort, *merged.LogLevel)
	}
}

func TestConfigSetUnsetValidation(t *testing.T) {
	s := setupStore(t)
	repo := s.Config(nil)

	if err := repo.Set(ConfigValues{}, ConfigField("color")); !errors.Is(err, ErrValidation) {
		t.Errorf("unknown field error = %v, want ErrValidation", err)
	}
	if err := repo.Set(ConfigValues{DaemonPort: intPtr(80)}, FieldDaemonPort); !errors.Is(err, ErrValidation) {
		t.Errorf("set and unset error = %v, want ErrValidation", err)
	}

	// Unsetting on a level without a row stores nothing.
	if err := repo.Set(ConfigValues{}, FieldLogLevel); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if n := countRows(t, s.DB(), "config", "1=1"); n != 0 {
		t.Errorf("config rows = %d, want 0", n)
	}
}

func TestConfigClear(t *testing.T) {
	s := setupStore(t)
	seedTenancy(t, s)

	if err := s.Config(nil).Set(ConfigValues{DaemonPort: intPtr(5200)}); err != nil {
		t.Fatalf("Set global failed: %v", err)
	}
	target := s.Config(scope.Target("t1"))
	if err := target.Set(ConfigValues{DaemonPort: intPtr(6000)}); err != nil {
		t.Fatalf("Set target failed: %v", err)
	}

	ok, err := target.Clear()
	if err != nil || !ok {
		t.Fatalf("Clear = %v, %v; want true, nil", ok, err)
	}
	got, _ := target.Get()
	if got == nil || got.DaemonPort == nil || *got.DaemonPort != 5200 {
		t.Errorf("after Clear target inherits %+v, want global port", got)
	}
	if ok, _ := target.Clear(); ok {
		t.Error("second Clear reported a deletion")
	}
}

func TestConfigValidation(t *testing.T) {
	s := setupStore(t)
	repo := s.Config(nil)
	bad := PolicyAction("maybe")

	tests := []struct {
		name  string
		patch ConfigValues
	}{
		{"port zero", ConfigValues{DaemonPort: intPtr(0)}},
		{"port too large", ConfigValues{DaemonPort: intPtr(70000)}},
		{"log level", ConfigValues{LogLevel: strPtr("verbose")}},
		{"empty host", ConfigValues{DaemonHost: strPtr("")}},
		{"default action", ConfigValues{DefaultAction: &bad}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := repo.Set(tt.patch); !errors.Is(err, ErrValidation) {
				t.Errorf("Set error = %v, want ErrValidation", err)
			}
		})
	}
}
