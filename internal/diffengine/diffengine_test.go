package diffengine

import "testing"

func TestCompareDetectsInsertedLine(t *testing.T) {
	old := "line one\nline two\n"
	new := "line one\nline two\nline three\n"
	res := Compare(old, new)
	if res.LinesAdded != 1 || res.LinesRemoved != 0 {
		t.Fatalf("expected 1 added 0 removed, got +%d -%d", res.LinesAdded, res.LinesRemoved)
	}
}

func TestCompareDetectsRemovedLine(t *testing.T) {
	old := "line one\nline two\nline three\n"
	new := "line one\nline three\n"
	res := Compare(old, new)
	if res.LinesRemoved != 1 || res.LinesAdded != 0 {
		t.Fatalf("expected 0 added 1 removed, got +%d -%d", res.LinesAdded, res.LinesRemoved)
	}
}

func TestCompareIdenticalBodiesIsAllEqual(t *testing.T) {
	body := "clause one\nclause two\n"
	res := Compare(body, body)
	if res.LinesAdded != 0 || res.LinesRemoved != 0 {
		t.Fatalf("expected no changes, got +%d -%d", res.LinesAdded, res.LinesRemoved)
	}
	for _, h := range res.Hunks {
		if h.Op != OpEqual {
			t.Fatalf("expected only equal hunks, got %v", h.Op)
		}
	}
}

func TestCompareProducesUnifiedMarkers(t *testing.T) {
	res := Compare("a\nb\n", "a\nc\n")
	if res.UnifiedText == "" {
		t.Fatal("expected non-empty unified text")
	}
}
