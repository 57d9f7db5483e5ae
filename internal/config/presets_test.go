package config

import "testing"

func TestDefaultsAreSensible(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.MinWorkers < 1 {
		t.Error("default min workers should be at least 1")
	}
}

func TestPresetsTightenMonotonically(t *testing.T) {
	strict, err := New(PresetStrict)
	if err != nil {
		t.Fatalf("strict: %v", err)
	}
	secure, err := New(PresetSecure)
	if err != nil {
		t.Fatalf("secure: %v", err)
	}
	standard, err := New(PresetStandard)
	if err != nil {
		t.Fatalf("standard: %v", err)
	}
	permissive, err := New(PresetPermissive)
	if err != nil {
		t.Fatalf("permissive: %v", err)
	}

	if !(strict.MemoryLimitPerWorker <= secure.MemoryLimitPerWorker &&
		secure.MemoryLimitPerWorker <= standard.MemoryLimitPerWorker &&
		standard.MemoryLimitPerWorker <= permissive.MemoryLimitPerWorker) {
		t.Error("memory limits should tighten monotonically from permissive to strict")
	}
	if !(strict.MaxQueueSize <= secure.MaxQueueSize &&
		secure.MaxQueueSize <= standard.MaxQueueSize &&
		standard.MaxQueueSize <= permissive.MaxQueueSize) {
		t.Error("queue sizes should tighten monotonically from permissive to strict")
	}
}

func TestNewRejectsInvalidMinMax(t *testing.T) {
	_, err := New(PresetStandard, WithMinWorkers(4), WithMaxWorkers(2))
	if err == nil {
		t.Fatal("expected error when max_workers < min_workers")
	}
}

func TestNewAppliesOverridesAfterPreset(t *testing.T) {
	cfg, err := New(PresetStrict, WithMaxWorkers(10))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MaxWorkers != 10 {
		t.Errorf("expected override to win, got %d", cfg.MaxWorkers)
	}
}

func TestValidateRejectsNonPositiveDurations(t *testing.T) {
	cfg := Defaults()
	cfg.QueueTimeout = 0
	if err := Validate(cfg); err == nil {
		t.Error("expected error for zero queue timeout")
	}
}
