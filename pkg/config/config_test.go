package config

import "testing"

func TestLoadAppliesDefaultsWithNoConfigFile(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("got port=%d want=8080", cfg.Server.Port)
	}
	if cfg.SQLite.AnalyticsPath != "./data/analytics.db" {
		t.Fatalf("got analyticsPath=%q want=%q", cfg.SQLite.AnalyticsPath, "./data/analytics.db")
	}
	if cfg.Agent.TableSelectFloor != 0.15 {
		t.Fatalf("got tableSelectFloor=%v want=0.15", cfg.Agent.TableSelectFloor)
	}
}

func TestLoadHonorsEnvOverride(t *testing.T) {
	t.Setenv("NL2SQL_SERVER_PORT", "9090")
	t.Setenv("NL2SQL_LLM_MODEL", "gpt-4o")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Fatalf("got port=%d want=9090 from NL2SQL_SERVER_PORT", cfg.Server.Port)
	}
	if cfg.LLM.Model != "gpt-4o" {
		t.Fatalf("got model=%q want=%q from NL2SQL_LLM_MODEL", cfg.LLM.Model, "gpt-4o")
	}
}
