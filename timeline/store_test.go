package timeline

import "testing"

func TestStoreGetEventsFiltersBySid(t *testing.T) {
	s := NewStore()
	s.Record(Event{Sid: "sid-1", Stage: StageAdmitted})
	s.Record(Event{Sid: "sid-2", Stage: StageAdmitted})
	s.Record(Event{Sid: "sid-1", Stage: StageCompleted})

	got := s.GetEvents("sid-1")
	if len(got) != 2 {
		t.Fatalf("expected 2 events for sid-1, got %d", len(got))
	}
	for _, e := range got {
		if e.Sid != "sid-1" {
			t.Fatalf("GetEvents leaked an event for a different sid: %+v", e)
		}
	}
}

func TestStoreRecordStampsTimestamp(t *testing.T) {
	s := NewStore()
	s.Record(Event{Sid: "sid-1", Stage: StageAdmitted})

	got := s.GetEvents("sid-1")
	if len(got) != 1 || got[0].Timestamp.IsZero() {
		t.Fatalf("expected Record to stamp a zero Timestamp with now")
	}
}

func TestStoreRecentReturnsMostRecentLast(t *testing.T) {
	s := NewStore()
	s.Record(Event{Sid: "sid-1", Stage: StageAdmitted})
	s.Record(Event{Sid: "sid-1", Stage: StageQueued})
	s.Record(Event{Sid: "sid-1", Stage: StageDispatched})

	recent := s.Recent(2)
	if len(recent) != 2 {
		t.Fatalf("expected Recent(2) to return 2 events, got %d", len(recent))
	}
	last, ok := recent[1].(Event)
	if !ok || last.Stage != StageDispatched {
		t.Fatalf("expected last entry to be the most recently recorded event, got %+v", recent[1])
	}
}

func TestStoreRecentCapsAtAvailable(t *testing.T) {
	s := NewStore()
	s.Record(Event{Sid: "sid-1", Stage: StageAdmitted})

	if got := s.Recent(10); len(got) != 1 {
		t.Fatalf("expected Recent to cap at available event count, got %d", len(got))
	}
}

func TestStoreGetAllEventsReturnsCopy(t *testing.T) {
	s := NewStore()
	s.Record(Event{Sid: "sid-1", Stage: StageAdmitted})

	all := s.GetAllEvents()
	all[0].Stage = StageDropped

	if got := s.GetEvents("sid-1")[0].Stage; got != StageAdmitted {
		t.Fatalf("expected GetAllEvents to return a copy, mutation leaked into store: %s", got)
	}
}
