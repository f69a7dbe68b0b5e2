package domain

import (
	"testing"
)

func confirmed(id string, ts int64) *Activity {
	return &Activity{
		ID:          id,
		Kind:        KindTransaction,
		Timestamp:   ts,
		Status:      StatusCompleted,
		Transaction: &Transaction{},
	}
}

func pending(id string, ts int64) *Activity {
	a := confirmed(id, ts)
	a.Status = StatusPending
	return a
}

func ids(activities []*Activity) []string {
	out := make([]string, len(activities))
	for i, a := range activities {
		out[i] = a.ID
	}
	return out
}

func assertIDs(t *testing.T, got []*Activity, want ...string) {
	t.Helper()
	gotIDs := ids(got)
	if len(gotIDs) != len(want) {
		t.Fatalf("id mismatch: got %v, want %v", gotIDs, want)
	}
	for i := range want {
		if gotIDs[i] != want[i] {
			t.Fatalf("id mismatch at %d: got %v, want %v", i, gotIDs, want)
		}
	}
}

func TestCompare_PendingFirst(t *testing.T) {
	// The pending activity is older but must still precede the confirmed one.
	p := pending("p", 100)
	c := confirmed("c", 200)

	if Compare(p, c) >= 0 {
		t.Errorf("pending must precede confirmed regardless of timestamp")
	}
	if Compare(c, p) <= 0 {
		t.Errorf("Compare must be antisymmetric")
	}
}

func TestCompare_TimestampDescending(t *testing.T) {
	newer := confirmed("a", 200)
	older := confirmed("b", 100)

	if Compare(newer, older) >= 0 {
		t.Errorf("newer activity must precede older one")
	}
}

func TestCompare_TieBreaksOnID(t *testing.T) {
	a := confirmed("a", 100)
	b := confirmed("b", 100)

	if Compare(a, b) == 0 {
		t.Errorf("distinct activities must never compare equal")
	}
	if Compare(a, b) == Compare(b, a) {
		t.Errorf("tie-break must be antisymmetric")
	}
}

func TestSortActivities(t *testing.T) {
	list := []*Activity{
		confirmed("old", 100),
		pending("pend", 50),
		confirmed("new", 300),
		confirmed("old", 100), // duplicate id
		confirmed("mid", 200),
	}

	got := SortActivities(list)
	assertIDs(t, got, "pend", "new", "mid", "old")
}

func TestSortActivities_DoesNotModifyInput(t *testing.T) {
	list := []*Activity{confirmed("a", 100), confirmed("b", 200)}
	SortActivities(list)
	if list[0].ID != "a" {
		t.Errorf("input slice was reordered")
	}
}

func TestMergeSorted(t *testing.T) {
	a := []*Activity{confirmed("n", 300), confirmed("m", 200)}
	b := []*Activity{confirmed("m2", 200), confirmed("o", 100)}

	got := MergeSorted(a, b)
	assertIDs(t, got, "n", "m2", "m", "o")
}

func TestMergeSorted_DuplicateIDsFirstListWins(t *testing.T) {
	first := confirmed("x", 200)
	first.Transaction.Amount = 1
	second := confirmed("x", 200)
	second.Transaction.Amount = 2

	got := MergeSorted([]*Activity{first}, []*Activity{second, confirmed("y", 100)})
	assertIDs(t, got, "x", "y")
	if got[0].Transaction.Amount != 1 {
		t.Errorf("duplicate must resolve to the earlier list's activity")
	}
}

func TestMergeSorted_RepairsUnsortedInput(t *testing.T) {
	unsorted := []*Activity{confirmed("o", 100), confirmed("n", 300)}

	got := MergeSorted(unsorted, []*Activity{confirmed("m", 200)})
	assertIDs(t, got, "n", "m", "o")
}

func TestAreSortedAndUnique(t *testing.T) {
	if !AreSortedAndUnique([]*Activity{pending("p", 50), confirmed("a", 200), confirmed("b", 100)}) {
		t.Errorf("canonically sorted list reported as unsorted")
	}
	if AreSortedAndUnique([]*Activity{confirmed("a", 100), confirmed("b", 200)}) {
		t.Errorf("ascending timestamps reported as sorted")
	}
	if AreSortedAndUnique([]*Activity{confirmed("a", 100), confirmed("a", 100)}) {
		t.Errorf("duplicate ids reported as sorted")
	}
	if !AreSortedAndUnique(nil) {
		t.Errorf("empty list must count as sorted")
	}
}

func TestSortIDs(t *testing.T) {
	byID := map[string]*Activity{
		"a": confirmed("a", 100),
		"b": confirmed("b", 300),
		"c": pending("c", 50),
	}

	got := SortIDs(byID, []string{"a", "unknown", "b", "c", "a"})
	want := []string{"c", "b", "a"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestMergeSortedIDs(t *testing.T) {
	byID := map[string]*Activity{
		"n": confirmed("n", 300),
		"m": confirmed("m", 200),
		"o": confirmed("o", 100),
	}

	got := MergeSortedIDs(byID, []string{"n"}, []string{"m", "o"})
	want := []string{"n", "m", "o"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
