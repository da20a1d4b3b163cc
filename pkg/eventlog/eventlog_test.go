package eventlog_test

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/forja/forja/pkg/eventlog"
	"github.com/forja/forja/pkg/types"
)

func openLog(t *testing.T) (*eventlog.Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".forja", "feature-events.jsonl")
	l, err := eventlog.Open(path, "run_test")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l, path
}

func TestAppendAssignsSequence(t *testing.T) {
	l, path := openLog(t)

	for i := 0; i < 3; i++ {
		ev, err := l.Append(types.Event{Teammate: "api", FeatureID: "f1", Kind: types.EventAttempt})
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		if ev.Seq != uint64(i+1) {
			t.Errorf("expected seq %d, got %d", i+1, ev.Seq)
		}
		if ev.RunID != "run_test" {
			t.Errorf("expected run id to be stamped, got %q", ev.RunID)
		}
		if ev.Timestamp.IsZero() {
			t.Error("expected timestamp to be stamped")
		}
	}

	events, err := eventlog.ReadAll(path)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
}

func TestReopenContinuesSequence(t *testing.T) {
	l, path := openLog(t)
	if _, err := l.Append(types.Event{Kind: types.EventAttempt}); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Append(types.Event{Kind: types.EventPass}); err != nil {
		t.Fatal(err)
	}
	l.Close()

	reopened, err := eventlog.Open(path, "run_two")
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	ev, err := reopened.Append(types.Event{Kind: types.EventFail})
	if err != nil {
		t.Fatal(err)
	}
	if ev.Seq != 3 {
		t.Errorf("expected seq 3 after reopen, got %d", ev.Seq)
	}
}

func TestTornFinalLineIsIgnored(t *testing.T) {
	l, path := openLog(t)
	if _, err := l.Append(types.Event{Kind: types.EventAttempt, FeatureID: "f1"}); err != nil {
		t.Fatal(err)
	}
	l.Close()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(`{"seq":2,"event_kind":"pa`); err != nil {
		t.Fatal(err)
	}
	f.Close()

	events, err := eventlog.ReadAll(path)
	if err != nil {
		t.Fatalf("torn line must be tolerated: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}

	reopened, err := eventlog.Open(path, "run_test")
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()
	ev, err := reopened.Append(types.Event{Kind: types.EventPass, FeatureID: "f1"})
	if err != nil {
		t.Fatal(err)
	}
	if ev.Seq != 2 {
		t.Errorf("expected seq 2, got %d", ev.Seq)
	}

	events, err = eventlog.ReadAll(path)
	if err != nil {
		t.Fatalf("log must be clean after reopen: %v", err)
	}
	if len(events) != 2 || events[1].Kind != types.EventPass {
		t.Errorf("unexpected events after reopen: %+v", events)
	}
}

func TestUnterminatedValidLineIsKept(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	if err := os.WriteFile(path, []byte(`{"seq":1,"event_kind":"attempt"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	l, err := eventlog.Open(path, "")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	if _, err := l.Append(types.Event{Kind: types.EventFail}); err != nil {
		t.Fatal(err)
	}

	events, err := eventlog.ReadAll(path)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(events) != 2 || events[1].Seq != 2 {
		t.Errorf("unexpected events: %+v", events)
	}
}

func TestCorruptMiddleLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	content := "{\"seq\":1,\"event_kind\":\"attempt\"}\ngarbage\n{\"seq\":2,\"event_kind\":\"pass\"}\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := eventlog.ReadAll(path); !errors.Is(err, eventlog.ErrCorruptLog) {
		t.Fatalf("expected ErrCorruptLog, got %v", err)
	}
	if _, err := eventlog.Open(path, ""); !errors.Is(err, eventlog.ErrCorruptLog) {
		t.Fatalf("expected Open to surface ErrCorruptLog, got %v", err)
	}
}

func TestReadSinceAndTail(t *testing.T) {
	l, path := openLog(t)
	for i := 0; i < 5; i++ {
		if _, err := l.Append(types.Event{Kind: types.EventAttempt}); err != nil {
			t.Fatal(err)
		}
	}

	since, err := eventlog.ReadSince(path, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(since) != 2 || since[0].Seq != 4 {
		t.Errorf("unexpected ReadSince result: %+v", since)
	}

	tail, err := eventlog.Tail(path, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(tail) != 2 || tail[1].Seq != 5 {
		t.Errorf("unexpected Tail result: %+v", tail)
	}
}

func TestReadAllMissingFile(t *testing.T) {
	events, err := eventlog.ReadAll(filepath.Join(t.TempDir(), "none.jsonl"))
	if err != nil || len(events) != 0 {
		t.Fatalf("expected no events and no error, got %v, %v", events, err)
	}
}

func TestConcurrentAppendsAreSerialized(t *testing.T) {
	l, path := openLog(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Append(types.Event{Kind: types.EventAttempt}); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	events, err := eventlog.ReadAll(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 20 {
		t.Fatalf("expected 20 events, got %d", len(events))
	}
	for i, ev := range events {
		if ev.Seq != uint64(i+1) {
			t.Errorf("event %d has seq %d", i, ev.Seq)
		}
	}
}

func TestObserverAndClose(t *testing.T) {
	l, _ := openLog(t)

	var seen []types.EventKind
	l.Observe(func(ev types.Event) { seen = append(seen, ev.Kind) })

	if _, err := l.Append(types.Event{Kind: types.EventBlocked}); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 1 || seen[0] != types.EventBlocked {
		t.Errorf("observer not called: %v", seen)
	}

	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Append(types.Event{Kind: types.EventPass}); !errors.Is(err, eventlog.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
