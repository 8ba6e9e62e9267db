package coordinator

import (
	"testing"
	"time"
)

func TestRegisterReplacesExistingNodeOnSameID(t *testing.T) {
	r := NewNodeRegistry()
	r.Register("n1", "first", RoleWorker, "10.0.0.1")
	r.Register("n1", "second", RoleWorker, "10.0.0.2")

	n, ok := r.Get("n1")
	if !ok {
		t.Fatalf("expected node n1 to exist")
	}
	if n.Name != "second" || n.Address != "10.0.0.2" {
		t.Fatalf("expected re-registration to replace the node record, got %+v", n)
	}
	if n.Status != NodeOnline {
		t.Fatalf("expected re-registered node to be online, got %s", n.Status)
	}
}

func TestFindAvailableWorkerExcludesGivenNode(t *testing.T) {
	r := NewNodeRegistry()
	r.Register("n1", "n1", RoleWorker, "")
	r.Register("n2", "n2", RoleWorker, "")

	target, ok := r.FindAvailableWorker("n1")
	if !ok {
		t.Fatalf("expected an available worker")
	}
	if target.ID != "n2" {
		t.Fatalf("expected n2 to be selected, got %s", target.ID)
	}
}

func TestFindAvailableWorkerSkipsNonWorkerAndOfflineNodes(t *testing.T) {
	r := NewNodeRegistry()
	r.Register("coord", "coord", RoleCoordinator, "")
	r.Register("offline-worker", "offline-worker", RoleWorker, "")
	r.SetStatus("offline-worker", NodeOffline)

	if _, ok := r.FindAvailableWorker(""); ok {
		t.Fatalf("expected no available worker when only a coordinator and an offline worker exist")
	}
}

func TestStaleNodesExcludesAlreadyOfflineNodes(t *testing.T) {
	r := NewNodeRegistry()
	r.Register("n1", "n1", RoleWorker, "")
	r.Register("n2", "n2", RoleWorker, "")
	r.SetStatus("n2", NodeOffline)

	time.Sleep(5 * time.Millisecond)

	stale := r.StaleNodes(1 * time.Millisecond)
	if len(stale) != 1 || stale[0].ID != "n1" {
		t.Fatalf("expected only n1 to be reported stale, got %+v", stale)
	}
}

func TestCountByStatusTallies(t *testing.T) {
	r := NewNodeRegistry()
	r.Register("n1", "n1", RoleWorker, "")
	r.Register("n2", "n2", RoleWorker, "")
	r.SetStatus("n2", NodeBusy)

	counts := r.CountByStatus()
	if counts[NodeOnline] != 1 {
		t.Fatalf("expected 1 online node, got %d", counts[NodeOnline])
	}
	if counts[NodeBusy] != 1 {
		t.Fatalf("expected 1 busy node, got %d", counts[NodeBusy])
	}
}

func TestClearStatsResetsOverloadWindow(t *testing.T) {
	r := NewNodeRegistry()
	r.Register("n1", "n1", RoleWorker, "")
	r.RecordStats("n1", 95)
	r.RecordStats("n1", 95)

	r.ClearStats("n1")

	// One expected sample per window: the two 95% readings would report
	// overload had ClearStats not discarded them.
	if r.OverloadWindow("n1", 20*time.Millisecond, 90, 20*time.Millisecond) {
		t.Fatalf("expected cleared stats window to never report overload")
	}
}
