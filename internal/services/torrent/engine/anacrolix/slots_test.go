package anacrolix

import (
	"testing"

	"torrentjobs/internal/domain"
)

func TestPlanSlotsUnlimited(t *testing.T) {
	plan := planSlots([]slotCandidate{{id: "a"}, {id: "b"}, {id: "c", complete: true}}, 0, 0)
	for _, id := range []domain.JobID{"a", "b"} {
		if p := plan[id]; !p.download || !p.upload {
			t.Fatalf("%s: %+v", id, p)
		}
	}
	if p := plan["c"]; p.download || !p.upload {
		t.Fatalf("completed job should only seed: %+v", p)
	}
}

func TestPlanSlotsAdmissionOrder(t *testing.T) {
	candidates := []slotCandidate{
		{id: "a"},
		{id: "b", paused: true},
		{id: "c"},
		{id: "d", complete: true},
		{id: "e"},
	}
	plan := planSlots(candidates, 2, 2)

	tests := []struct {
		id       domain.JobID
		download bool
		upload   bool
	}{
		{"a", true, true},
		{"b", false, false},
		{"c", true, true},
		{"d", false, false},
		{"e", false, false},
	}
	for _, tt := range tests {
		p := plan[tt.id]
		if p.download != tt.download || p.upload != tt.upload {
			t.Fatalf("%s: got %+v, want download=%v upload=%v", tt.id, p, tt.download, tt.upload)
		}
	}
}

func TestPlanSlotsIndependentLimits(t *testing.T) {
	plan := planSlots([]slotCandidate{{id: "a"}, {id: "b"}, {id: "c"}}, 1, 0)
	if !plan["a"].download || plan["b"].download || plan["c"].download {
		t.Fatalf("download slots: %+v", plan)
	}
	for _, id := range []domain.JobID{"a", "b", "c"} {
		if !plan[id].upload {
			t.Fatalf("%s should upload when uploads are unlimited", id)
		}
	}
}

func TestSlotsLimited(t *testing.T) {
	if newTestSession(domain.EngineConfig{}).slotsLimited() {
		t.Fatalf("no limits configured")
	}
	if !newTestSession(domain.EngineConfig{MaxActiveUploads: 1}).slotsLimited() {
		t.Fatalf("upload limit ignored")
	}
}
