package storage

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestProfileRoundTrip(t *testing.T) {
	s := openTestStore(t)

	p := ProfileRow{ID: "p1", DataJSON: `{"name":"crm"}`, IsActive: true, UpdatedAt: t0}
	if err := s.SaveProfile(p); err != nil {
		t.Fatalf("SaveProfile: %v", err)
	}
	got, err := s.GetProfile("p1")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if diff := cmp.Diff(p, *got); diff != "" {
		t.Errorf("profile mismatch (-want +got):\n%s", diff)
	}

	p.IsActive = false
	p.DataJSON = `{"name":"crm2"}`
	if err := s.SaveProfile(p); err != nil {
		t.Fatalf("SaveProfile update: %v", err)
	}
	active, err := s.ListProfiles(true)
	if err != nil {
		t.Fatalf("ListProfiles: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("active profiles = %d, want 0", len(active))
	}
	all, _ := s.ListProfiles(false)
	if len(all) != 1 || all[0].DataJSON != `{"name":"crm2"}` {
		t.Errorf("all profiles = %+v", all)
	}
}

func TestGetProfileNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetProfile("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestScanState_DefaultsToZero(t *testing.T) {
	s := openTestStore(t)

	st, err := s.GetScanState("p1")
	if err != nil {
		t.Fatalf("GetScanState: %v", err)
	}
	if st.ProfileID != "p1" || st.Cursor != "" || st.LastScanAt != nil {
		t.Errorf("zero state = %+v", st)
	}
}

func TestScanState_Upsert(t *testing.T) {
	s := openTestStore(t)

	started := t0
	st := ScanState{ProfileID: "p1", Cursor: "t3_abc", CycleStartedAt: &started, Offset: 2, Processed: 4, Dispatched: 1, UpdatedAt: t0}
	if err := s.SaveScanState(st); err != nil {
		t.Fatalf("SaveScanState: %v", err)
	}
	got, err := s.GetScanState("p1")
	if err != nil {
		t.Fatalf("GetScanState: %v", err)
	}
	if diff := cmp.Diff(st, got); diff != "" {
		t.Errorf("state mismatch (-want +got):\n%s", diff)
	}

	last := t0.Add(time.Minute)
	st.Cursor = ""
	st.LastScanAt = &last
	if err := s.SaveScanState(st); err != nil {
		t.Fatalf("SaveScanState: %v", err)
	}
	got, _ = s.GetScanState("p1")
	if got.Cursor != "" {
		t.Errorf("Cursor = %q, want empty", got.Cursor)
	}
	if got.LastScanAt == nil || !got.LastScanAt.Equal(last) {
		t.Errorf("LastScanAt = %v, want %v", got.LastScanAt, last)
	}
}

func TestInsertActionRecord_Duplicate(t *testing.T) {
	s := openTestStore(t)

	rec := ActionRecord{ID: "a1", ProfileID: "p1", CandidateID: "c1", ResourceID: "r1", Outcome: OutcomePending}
	if err := s.InsertActionRecord(rec); err != nil {
		t.Fatalf("InsertActionRecord: %v", err)
	}
	rec.ID = "a2"
	if err := s.InsertActionRecord(rec); !errors.Is(err, ErrDuplicate) {
		t.Errorf("second insert err = %v, want ErrDuplicate", err)
	}

	var n int
	s.db.QueryRow(`SELECT COUNT(*) FROM action_records`).Scan(&n)
	if n != 1 {
		t.Errorf("rows = %d, want 1", n)
	}

	// Same candidate under another profile is a different key.
	rec.ID = "a3"
	rec.ProfileID = "p2"
	if err := s.InsertActionRecord(rec); err != nil {
		t.Errorf("insert for other profile: %v", err)
	}
}

func TestInsertActionRecord_ConcurrentSingleWinner(t *testing.T) {
	s := openTestStore(t)

	var mu sync.Mutex
	inserted := 0
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.InsertActionRecord(ActionRecord{
				ID: "a" + string(rune('0'+i)), ProfileID: "p1", CandidateID: "c1", ResourceID: "r1", Outcome: OutcomePending,
			})
			if err == nil {
				mu.Lock()
				inserted++
				mu.Unlock()
			} else if !errors.Is(err, ErrDuplicate) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if inserted != 1 {
		t.Errorf("inserted = %d, want 1", inserted)
	}
}

func TestFinalizeAndDeletePendingAction(t *testing.T) {
	s := openTestStore(t)

	s.InsertActionRecord(ActionRecord{ID: "a1", ProfileID: "p1", CandidateID: "c1", ResourceID: "r1", Outcome: OutcomePending})
	s.InsertActionRecord(ActionRecord{ID: "a2", ProfileID: "p1", CandidateID: "c2", ResourceID: "r1", Outcome: OutcomePending})

	if err := s.FinalizeAction("a1", OutcomeDispatched, "t1_xyz"); err != nil {
		t.Fatalf("FinalizeAction: %v", err)
	}
	// A finalized record is never changed again.
	if err := s.FinalizeAction("a1", OutcomeFailed, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("refinalize err = %v, want ErrNotFound", err)
	}
	if err := s.DeletePendingAction("a1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("delete finalized err = %v, want ErrNotFound", err)
	}

	if err := s.DeletePendingAction("a2"); err != nil {
		t.Fatalf("DeletePendingAction: %v", err)
	}
	acted, _ := s.HasActionRecord("p1", "c2")
	if acted {
		t.Error("deleted reservation should free the candidate")
	}
	acted, _ = s.HasActionRecord("p1", "c1")
	if !acted {
		t.Error("finalized candidate should be recorded")
	}

	got, err := s.ListActions(ActionFilter{ProfileID: "p1", Outcome: OutcomeDispatched})
	if err != nil {
		t.Fatalf("ListActions: %v", err)
	}
	if len(got) != 1 || got[0].ActionRef != "t1_xyz" {
		t.Errorf("actions = %+v", got)
	}
}

func TestScanEvents_ListAndDelete(t *testing.T) {
	s := openTestStore(t)

	for i, at := range []time.Time{t0, t0.Add(time.Hour), t0.Add(2 * time.Hour)} {
		e := ScanEvent{ID: "e" + string(rune('0'+i)), ProfileID: "p1", CandidateID: "c", Stage: "score", CreatedAt: at}
		if err := s.SaveScanEvent(e); err != nil {
			t.Fatalf("SaveScanEvent: %v", err)
		}
	}

	got, err := s.ListScanEvents("p1", t0.Add(90*time.Minute))
	if err != nil {
		t.Fatalf("ListScanEvents: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("events = %d, want 2", len(got))
	}
	if got[0].ID != "e0" {
		t.Errorf("first event = %s, want e0", got[0].ID)
	}

	n, err := s.DeleteScanEvents([]string{got[0].ID, got[1].ID})
	if err != nil {
		t.Fatalf("DeleteScanEvents: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted = %d, want 2", n)
	}
	rest, _ := s.ListScanEvents("p1", time.Time{})
	if len(rest) != 1 {
		t.Errorf("remaining = %d, want 1", len(rest))
	}
}
