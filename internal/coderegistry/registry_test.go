package coderegistry

import "testing"

func TestRegisterBundleVersioning(t *testing.T) {
	r := NewRegistry(nil)

	first, err := r.RegisterBundle("step-counter", "counts steps", "package main")
	if err != nil {
		t.Fatalf("RegisterBundle: %v", err)
	}
	if first.Version != 1 {
		t.Fatalf("expected version 1, got %d", first.Version)
	}

	second, err := r.RegisterBundle("step-counter", "counts steps v2", "package main // v2")
	if err != nil {
		t.Fatalf("RegisterBundle: %v", err)
	}
	if second.Version != 2 {
		t.Fatalf("expected version 2, got %d", second.Version)
	}
	if first.Checksum == second.Checksum {
		t.Fatalf("expected distinct checksums for distinct code")
	}

	latest, ok := r.GetLatestBundleByName("step-counter")
	if !ok || latest.ID != second.ID {
		t.Fatalf("expected latest bundle to be version 2")
	}
}

func TestVerifyBundleDetectsTamper(t *testing.T) {
	r := NewRegistry(nil)
	bundle, err := r.RegisterBundle("matrix-reducer", "", "package main")
	if err != nil {
		t.Fatalf("RegisterBundle: %v", err)
	}

	ok, err := r.VerifyBundle(bundle.ID)
	if err != nil || !ok {
		t.Fatalf("expected fresh bundle to verify, got ok=%v err=%v", ok, err)
	}

	stored, _ := r.GetBundle(bundle.ID)
	stored.Code = "package main // tampered"

	ok, err = r.VerifyBundle(bundle.ID)
	if err != nil {
		t.Fatalf("VerifyBundle returned error: %v", err)
	}
	if ok {
		t.Fatalf("expected tampered bundle to fail verification")
	}
}

func TestVerifyBundleIgnoresNameAndVersionChanges(t *testing.T) {
	r := NewRegistry(nil)
	bundle, err := r.RegisterBundle("matrix-reducer", "", "package main")
	if err != nil {
		t.Fatalf("RegisterBundle: %v", err)
	}

	stored, _ := r.GetBundle(bundle.ID)
	stored.Name = "renamed-reducer"
	stored.Version = 99

	ok, err := r.VerifyBundle(bundle.ID)
	if err != nil || !ok {
		t.Fatalf("expected checksum to ignore name/version changes, got ok=%v err=%v", ok, err)
	}
}

func TestCheckpointHistoryAndLatest(t *testing.T) {
	r := NewRegistry(nil)

	cp1, err := r.SaveCheckpoint("task-1", 1, 10, map[string]interface{}{"x": 1.0}, "node-a")
	if err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	cp2, err := r.SaveCheckpoint("task-1", 2, 10, map[string]interface{}{"x": 2.0}, "node-a")
	if err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	latest, ok := r.GetLatestCheckpoint("task-1")
	if !ok || latest.ID != cp2.ID {
		t.Fatalf("expected latest checkpoint to be cp2")
	}

	history := r.CheckpointHistory("task-1")
	if len(history) != 2 || history[0].ID != cp1.ID {
		t.Fatalf("expected ordered history [cp1, cp2], got %+v", history)
	}

	ok, err = r.VerifyCheckpoint(cp2)
	if err != nil || !ok {
		t.Fatalf("expected checkpoint to verify, got ok=%v err=%v", ok, err)
	}

	r.ClearCheckpoints("task-1")
	if _, ok := r.GetLatestCheckpoint("task-1"); ok {
		t.Fatalf("expected no checkpoint after ClearCheckpoints")
	}
}

func TestStatsCountsAcrossTasks(t *testing.T) {
	r := NewRegistry(nil)
	if _, err := r.RegisterBundle("b1", "", "code"); err != nil {
		t.Fatalf("RegisterBundle: %v", err)
	}
	if _, err := r.SaveCheckpoint("t1", 1, 5, map[string]interface{}{}, "node-a"); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	if _, err := r.SaveCheckpoint("t2", 1, 5, map[string]interface{}{}, "node-a"); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	stats := r.Stats()
	if stats.TotalBundles != 1 {
		t.Fatalf("expected 1 bundle, got %d", stats.TotalBundles)
	}
	if stats.TotalCheckpoints != 2 {
		t.Fatalf("expected 2 checkpoints, got %d", stats.TotalCheckpoints)
	}
	if stats.TasksWithHistory != 2 {
		t.Fatalf("expected 2 tasks with history, got %d", stats.TasksWithHistory)
	}
}
