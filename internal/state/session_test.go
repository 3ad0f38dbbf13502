package state

import (
	"testing"
	"time"

	"github.com/ShayCichocki/squad/pkg/models"
)

func sampleRecord(id string) *models.SessionRecord {
	r := models.NewSessionRecord(id, "batch", models.ModeSafe)

	done := models.NewWorkItem("t1", "impl-auth", "")
	done.Assignment = "alfred"
	_ = done.MarkStarted()
	_ = done.MarkCompleted("ok")

	failed := models.NewWorkItem("t2", "impl-ui", "")
	failed.Assignment = "robin"
	_ = failed.MarkStarted()
	_ = failed.MarkFailed("exit status 1: boom")

	skipped := models.NewWorkItem("t3", "docs", "")
	skipped.Assignment = "robin"
	skipped.Dependencies = []string{"t2"}
	_ = skipped.MarkSkipped("dependency t2 did not complete")

	r.Items = []*models.WorkItem{done, failed, skipped}
	r.Summary = models.BatchSummary{Total: 3, Counts: map[models.TaskStatus]int{
		models.TaskStatusCompleted: 1,
		models.TaskStatusFailed:    1,
		models.TaskStatusSkipped:   1,
	}}
	r.Worker("alfred").Completed = 1
	r.Worker("alfred").TimeUsed = 1500 * time.Millisecond
	r.Worker("alfred").AddFilesTouched("auth.go")
	r.Worker("robin").Failed = 1
	r.Worker("robin").TimeUsed = 500 * time.Millisecond
	r.Failures = []models.ItemFailure{{ItemID: "t2", WorkerID: "robin", Error: "exit status 1: boom"}}
	r.Reconcile = &models.ReconcileSummary{
		Merged: []string{id + "/alfred-1234"},
		Conflicts: []models.MergeConflict{{
			WorkerID: "robin", Branch: id + "/robin-5678", Worktree: "/tmp/wt/robin",
			Files: []string{"README.md"}, Message: "merge failed",
		}},
	}
	r.EndedAt = r.StartedAt.Add(2 * time.Second)
	return r
}

func TestSaveSession_RoundTrip(t *testing.T) {
	db := setupTestDB(t)
	r := sampleRecord("squad-aaaa")

	if err := db.SaveSession(r); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}
	got, err := db.GetSession(r.ID)
	if err != nil || got == nil {
		t.Fatalf("GetSession() = %v, %v", got, err)
	}
	if got.Mode != models.ModeSafe || len(got.Items) != 3 || got.Count(models.TaskStatusFailed) != 1 {
		t.Errorf("record = %+v", got)
	}
	if ws := got.Workers["alfred"]; ws == nil || ws.FilesTouched[0] != "auth.go" {
		t.Errorf("alfred stats = %+v", ws)
	}
	if !got.HasConflicts() {
		t.Error("conflicts lost")
	}
}

func TestSaveSession_Replaces(t *testing.T) {
	db := setupTestDB(t)
	r := sampleRecord("squad-aaaa")
	if err := db.SaveSession(r); err != nil {
		t.Fatal(err)
	}
	r.Name = "renamed"
	if err := db.SaveSession(r); err != nil {
		t.Fatalf("second SaveSession failed: %v", err)
	}

	list, err := db.ListSessions(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Name != "renamed" {
		t.Errorf("ListSessions() = %+v", list)
	}
}

func TestSaveSession_RequiresID(t *testing.T) {
	db := setupTestDB(t)
	if err := db.SaveSession(&models.SessionRecord{}); err == nil {
		t.Error("expected error for record without id")
	}
}

func TestGetSession_Missing(t *testing.T) {
	db := setupTestDB(t)
	got, err := db.GetSession("nope")
	if err != nil || got != nil {
		t.Errorf("GetSession() = %v, %v; want nil, nil", got, err)
	}
}

func TestListSessions_NewestFirst(t *testing.T) {
	db := setupTestDB(t)
	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"squad-1", "squad-2", "squad-3"} {
		r := sampleRecord(id)
		r.StartedAt = base.Add(time.Duration(i) * time.Minute)
		r.EndedAt = r.StartedAt.Add(30 * time.Second)
		if err := db.SaveSession(r); err != nil {
			t.Fatal(err)
		}
	}

	list, err := db.ListSessions(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != "squad-3" || list[1].ID != "squad-2" {
		t.Fatalf("ListSessions(2) = %+v", list)
	}
	s := list[0]
	if s.Total != 3 || s.Completed != 1 || s.Failed != 1 || s.Skipped != 1 || s.Conflicts != 1 {
		t.Errorf("summary = %+v", s)
	}
	if s.Duration() != 30*time.Second {
		t.Errorf("Duration() = %v", s.Duration())
	}

	latest, err := db.LatestSession()
	if err != nil || latest == nil || latest.ID != "squad-3" {
		t.Errorf("LatestSession() = %v, %v", latest, err)
	}
}

func TestWorkerTotals(t *testing.T) {
	db := setupTestDB(t)
	for _, id := range []string{"squad-1", "squad-2"} {
		if err := db.SaveSession(sampleRecord(id)); err != nil {
			t.Fatal(err)
		}
	}

	totals, err := db.WorkerTotals()
	if err != nil {
		t.Fatal(err)
	}
	want := []WorkerTotal{
		{WorkerID: "alfred", Sessions: 2, Completed: 2, TimeUsed: 3 * time.Second},
		{WorkerID: "robin", Sessions: 2, Failed: 2, TimeUsed: time.Second},
	}
	if len(totals) != len(want) {
		t.Fatalf("WorkerTotals() = %+v", totals)
	}
	for i := range want {
		if totals[i] != want[i] {
			t.Errorf("totals[%d] = %+v, want %+v", i, totals[i], want[i])
		}
	}
}

func TestConflicts(t *testing.T) {
	db := setupTestDB(t)
	r := sampleRecord("squad-aaaa")
	if err := db.SaveSession(r); err != nil {
		t.Fatal(err)
	}
	conflicts, err := db.Conflicts(r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("Conflicts() = %+v", conflicts)
	}
	c := conflicts[0]
	if c.WorkerID != "robin" || c.Worktree != "/tmp/wt/robin" || len(c.Files) != 1 || c.Files[0] != "README.md" {
		t.Errorf("conflict = %+v", c)
	}

	if err := db.DeleteSession(r.ID); err != nil {
		t.Fatal(err)
	}
	if conflicts, _ := db.Conflicts(r.ID); len(conflicts) != 0 {
		t.Errorf("conflicts survive DeleteSession: %+v", conflicts)
	}
}
