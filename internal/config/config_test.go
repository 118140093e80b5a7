package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeConfig writes a contimg.yaml with the minimum required paths plus
// any extra YAML and returns the workspace directory.
func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	body := "paths:\n" +
		"  raw: " + filepath.Join(dir, "raw") + "\n" +
		"  staging: " + filepath.Join(dir, "staging") + "\n" +
		"  published: " + filepath.Join(dir, "published") + "\n" +
		extra
	if err := os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(body), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return dir
}

func TestLoadDefaults(t *testing.T) {
	dir := writeConfig(t, "")
	cfg, err := Load(filepath.Join(dir, ConfigFileName))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Ingest.CompleteThreshold != 16 {
		t.Errorf("complete_threshold = %d, want 16", cfg.Ingest.CompleteThreshold)
	}
	if cfg.Ingest.EligibleThreshold != 12 {
		t.Errorf("eligible_threshold = %d, want 12", cfg.Ingest.EligibleThreshold)
	}
	if cfg.Ingest.SemiCompleteDelay != 15*time.Minute {
		t.Errorf("semi_complete_delay = %v, want 15m", cfg.Ingest.SemiCompleteDelay)
	}
	if cfg.Ingest.Quiescence != 30*time.Second {
		t.Errorf("quiescence = %v, want 30s", cfg.Ingest.Quiescence)
	}
	if cfg.Orchestrator.WorkerCount != 2 {
		t.Errorf("worker_count = %d, want 2", cfg.Orchestrator.WorkerCount)
	}
	if cfg.Orchestrator.LeaseDuration != 10*time.Minute {
		t.Errorf("lease_duration = %v, want 10m", cfg.Orchestrator.LeaseDuration)
	}
	if cfg.Orchestrator.DefaultRetry.MaxAttempts != 3 {
		t.Errorf("default_retry.max_attempts = %d, want 3", cfg.Orchestrator.DefaultRetry.MaxAttempts)
	}
	if cfg.Orchestrator.DefaultRetry.Multiplier != 2.0 {
		t.Errorf("default_retry.multiplier = %v, want 2.0", cfg.Orchestrator.DefaultRetry.Multiplier)
	}
	if cfg.Scheduler.TickInterval != 5*time.Second {
		t.Errorf("tick_interval = %v, want 5s", cfg.Scheduler.TickInterval)
	}
	if cfg.Calibration.BPValidity != 24*time.Hour {
		t.Errorf("bp_validity = %v, want 24h", cfg.Calibration.BPValidity)
	}
	if cfg.Calibration.GainValidity != time.Hour {
		t.Errorf("gain_validity = %v, want 1h", cfg.Calibration.GainValidity)
	}
	if cfg.Publish.AutoPublishDefault {
		t.Error("auto_publish_default should default to false")
	}
	if cfg.Publish.MaxAttempts != 5 {
		t.Errorf("publish.max_attempts = %d, want 5", cfg.Publish.MaxAttempts)
	}
	if cfg.Resources.MSLockTimeout != 10*time.Minute {
		t.Errorf("ms_lock_timeout = %v, want 10m", cfg.Resources.MSLockTimeout)
	}
}

func TestLoadDerivedPaths(t *testing.T) {
	dir := writeConfig(t, "")
	cfg, err := Load(filepath.Join(dir, ConfigFileName))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	wantState := filepath.Join(dir, StateDirName)
	if cfg.Paths.StateDir != wantState {
		t.Errorf("state_dir = %s, want %s", cfg.Paths.StateDir, wantState)
	}
	wantCal := filepath.Join(dir, "staging", "caltables")
	if cfg.Paths.CalTables != wantCal {
		t.Errorf("caltables = %s, want %s", cfg.Paths.CalTables, wantCal)
	}
	if cfg.DatabasePath() != filepath.Join(wantState, "contimg.db") {
		t.Errorf("DatabasePath = %s", cfg.DatabasePath())
	}
	if cfg.SocketPath() != filepath.Join(wantState, "daemon.sock") {
		t.Errorf("SocketPath = %s", cfg.SocketPath())
	}
}

func TestLoadOverrides(t *testing.T) {
	dir := writeConfig(t, `
ingest:
  complete_threshold: 8
  eligible_threshold: 6
  semi_complete_delay: 5m
orchestrator:
  worker_count: 4
  default_retry:
    max_attempts: 7
calibration:
  bp_validity: 48h
stages:
  image:
    enabled: false
    timeout: 2h
    retry:
      max_attempts: 1
`)
	cfg, err := Load(filepath.Join(dir, ConfigFileName))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Ingest.CompleteThreshold != 8 {
		t.Errorf("complete_threshold = %d, want 8", cfg.Ingest.CompleteThreshold)
	}
	if cfg.Ingest.SemiCompleteDelay != 5*time.Minute {
		t.Errorf("semi_complete_delay = %v, want 5m", cfg.Ingest.SemiCompleteDelay)
	}
	if cfg.Orchestrator.WorkerCount != 4 {
		t.Errorf("worker_count = %d, want 4", cfg.Orchestrator.WorkerCount)
	}
	if cfg.Orchestrator.DefaultRetry.MaxAttempts != 7 {
		t.Errorf("default_retry.max_attempts = %d, want 7", cfg.Orchestrator.DefaultRetry.MaxAttempts)
	}
	if cfg.Calibration.BPValidity != 48*time.Hour {
		t.Errorf("bp_validity = %v, want 48h", cfg.Calibration.BPValidity)
	}
	if cfg.StageEnabled("image") {
		t.Error("stages.image.enabled=false should disable the stage")
	}
	if cfg.StageTimeout("image") != 2*time.Hour {
		t.Errorf("StageTimeout(image) = %v, want 2h", cfg.StageTimeout("image"))
	}
}

func TestStageRetryMerge(t *testing.T) {
	dir := writeConfig(t, `
stages:
  solve_calibration:
    retry:
      max_attempts: 5
      base_delay: 30s
`)
	cfg, err := Load(filepath.Join(dir, ConfigFileName))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	r := cfg.StageRetry("solve_calibration")
	if r.MaxAttempts != 5 {
		t.Errorf("merged max_attempts = %d, want 5", r.MaxAttempts)
	}
	if r.BaseDelay != 30*time.Second {
		t.Errorf("merged base_delay = %v, want 30s", r.BaseDelay)
	}
	// Unset fields inherit the orchestrator default.
	if r.MaxDelay != 10*time.Minute {
		t.Errorf("merged max_delay = %v, want 10m", r.MaxDelay)
	}
	if r.Multiplier != 2.0 {
		t.Errorf("merged multiplier = %v, want 2.0", r.Multiplier)
	}

	// A stage with no override gets the default verbatim.
	d := cfg.StageRetry("image")
	if d != cfg.Orchestrator.DefaultRetry {
		t.Errorf("StageRetry(image) = %+v, want default", d)
	}
}

func TestStageDefaults(t *testing.T) {
	dir := writeConfig(t, "")
	cfg, err := Load(filepath.Join(dir, ConfigFileName))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !cfg.StageEnabled("image") {
		t.Error("unconfigured stage should be enabled")
	}
	if cfg.StageTimeout("image") != DefaultStageTimeout {
		t.Errorf("StageTimeout = %v, want %v", cfg.StageTimeout("image"), DefaultStageTimeout)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name  string
		extra string
	}{
		{"eligible above complete", "ingest:\n  complete_threshold: 8\n  eligible_threshold: 9\n"},
		{"zero workers", "orchestrator:\n  worker_count: 0\n"},
		{"lease below heartbeat", "orchestrator:\n  lease_duration: 30s\n  heartbeat_interval: 1m\n"},
		{"bad log level", "logging:\n  level: chatty\n"},
		{"negative jitter", "orchestrator:\n  default_retry:\n    jitter_fraction: -0.1\n"},
		{"zero bp validity", "calibration:\n  bp_validity: 0s\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := writeConfig(t, tc.extra)
			if _, err := Load(filepath.Join(dir, ConfigFileName)); err == nil {
				t.Error("Load should have failed")
			}
		})
	}
}

func TestValidateMissingRaw(t *testing.T) {
	dir := t.TempDir()
	body := "paths:\n  staging: /tmp/s\n  published: /tmp/p\n"
	if err := os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(body), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	if _, err := Load(filepath.Join(dir, ConfigFileName)); err == nil {
		t.Error("missing paths.raw should be rejected")
	}
}

func TestValidatePublishedInsideStaging(t *testing.T) {
	dir := t.TempDir()
	body := "paths:\n" +
		"  raw: " + filepath.Join(dir, "raw") + "\n" +
		"  staging: " + filepath.Join(dir, "staging") + "\n" +
		"  published: " + filepath.Join(dir, "staging", "pub") + "\n"
	if err := os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(body), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	if _, err := Load(filepath.Join(dir, ConfigFileName)); err == nil {
		t.Error("published inside staging should be rejected")
	}
}

func TestValidateStageNames(t *testing.T) {
	dir := writeConfig(t, "stages:\n  imaging:\n    timeout: 2h\n")
	cfg, err := Load(filepath.Join(dir, ConfigFileName))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	err = cfg.ValidateStageNames([]string{"image", "validate_image"})
	if err == nil {
		t.Fatal("unknown stage name should be rejected")
	}
	// A near miss should earn a suggestion.
	if !strings.Contains(err.Error(), `did you mean "image"?`) {
		t.Errorf("error %q should suggest the closest stage name", err)
	}
	if err := cfg.ValidateStageNames([]string{"imaging"}); err != nil {
		t.Errorf("known stage name rejected: %v", err)
	}
}

func TestValidateStageNamesNoSuggestionWhenFar(t *testing.T) {
	dir := writeConfig(t, "stages:\n  zzfrobnicate:\n    enabled: false\n")
	cfg, err := Load(filepath.Join(dir, ConfigFileName))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	err = cfg.ValidateStageNames([]string{"image", "photometry"})
	if err == nil {
		t.Fatal("unknown stage name should be rejected")
	}
	if strings.Contains(err.Error(), "did you mean") {
		t.Errorf("error %q should not suggest a name that far away", err)
	}
}

func TestFindWorkspace(t *testing.T) {
	root := writeConfig(t, "")
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("failed to make nested dir: %v", err)
	}

	ws, cfg, err := FindWorkspace(nested)
	if err != nil {
		t.Fatalf("FindWorkspace failed: %v", err)
	}
	if ws != root {
		t.Errorf("workspace = %s, want %s", ws, root)
	}
	if cfg != filepath.Join(root, ConfigFileName) {
		t.Errorf("config path = %s", cfg)
	}
}

func TestFindWorkspaceStateDirOnly(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, StateDirName), 0o755); err != nil {
		t.Fatalf("failed to make state dir: %v", err)
	}
	ws, cfg, err := FindWorkspace(root)
	if err != nil {
		t.Fatalf("FindWorkspace failed: %v", err)
	}
	if ws != root {
		t.Errorf("workspace = %s, want %s", ws, root)
	}
	if cfg != "" {
		t.Errorf("config path = %q, want empty", cfg)
	}
}
