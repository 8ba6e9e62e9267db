package coordinator

import "testing"

func TestUpdateMutatesExistingTaskAtomically(t *testing.T) {
	s := NewTaskStore()
	s.Put(&Task{ID: "t1", Status: TaskPending})

	ok := s.Update("t1", func(t *Task) {
		t.Status = TaskRunning
		t.CurrentNodeID = "n1"
	})
	if !ok {
		t.Fatalf("expected update of existing task to succeed")
	}

	task, _ := s.Get("t1")
	if task.Status != TaskRunning || task.CurrentNodeID != "n1" {
		t.Fatalf("expected both fields to be updated together, got %+v", task)
	}
}

func TestUpdateOnMissingTaskReturnsFalse(t *testing.T) {
	s := NewTaskStore()
	if s.Update("missing", func(t *Task) { t.Status = TaskRunning }) {
		t.Fatalf("expected update of a missing task to report false")
	}
}

func TestTasksOnNodeFiltersByStatusAndOwner(t *testing.T) {
	s := NewTaskStore()
	s.Put(&Task{ID: "running", Status: TaskRunning, CurrentNodeID: "n1"})
	s.Put(&Task{ID: "migrating", Status: TaskMigrating, CurrentNodeID: "n1"})
	s.Put(&Task{ID: "completed", Status: TaskCompleted, CurrentNodeID: "n1"})
	s.Put(&Task{ID: "other-node", Status: TaskRunning, CurrentNodeID: "n2"})

	got := s.TasksOnNode("n1")
	if len(got) != 2 {
		t.Fatalf("expected 2 tasks on n1, got %d", len(got))
	}
	ids := map[string]bool{}
	for _, task := range got {
		ids[task.ID] = true
	}
	if !ids["running"] || !ids["migrating"] {
		t.Fatalf("expected running and migrating tasks, got %+v", got)
	}
}
