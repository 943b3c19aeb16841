package session

import "testing"

func TestSessionCloneIsDeep(t *testing.T) {
	orig := &Session{
		ID:             "s1",
		WorktreeConfig: &WorktreeConfig{Path: "/wt", Branch: "main"},
		DisplayOrder:   IntPtr(2),
	}
	c := orig.Clone()
	c.WorktreeConfig.Branch = "feature"
	*c.DisplayOrder = 9

	if orig.WorktreeConfig.Branch != "main" || *orig.DisplayOrder != 2 {
		t.Fatalf("clone shares pointer fields: %+v", orig)
	}
	if (*Session)(nil).Clone() != nil {
		t.Fatal("nil clone should be nil")
	}
}

func TestSortByDisplayOrder(t *testing.T) {
	list := []*Session{
		{ID: "a"},
		{ID: "b", DisplayOrder: IntPtr(0)},
		{ID: "c"},
		{ID: "d", DisplayOrder: IntPtr(5)},
	}
	SortByDisplayOrder(list)

	// Unordered sessions keep their index as their order.
	want := []string{"a", "b", "c", "d"}
	got := make([]string, len(list))
	for i, s := range list {
		got[i] = s.ID
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}

	list = []*Session{{ID: "x", DisplayOrder: IntPtr(3)}, {ID: "y", DisplayOrder: IntPtr(1)}}
	SortByDisplayOrder(list)
	if list[0].ID != "y" || list[1].ID != "x" {
		t.Fatalf("explicit orders not applied: %s, %s", list[0].ID, list[1].ID)
	}
}
