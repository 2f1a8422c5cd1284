package job

import "testing"

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusQueued, StatusProcessing, true},
		{StatusQueued, StatusCompleted, true},
		{StatusQueued, StatusFailed, true},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusFailed, true},
		{StatusProcessing, StatusQueued, false},
		{StatusCompleted, StatusProcessing, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusCompleted, false},
		{StatusQueued, StatusCancelled, true},
		{StatusProcessing, StatusCancelled, true},
		{StatusCancelled, StatusProcessing, false},
	}

	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.want {
			t.Errorf("CanTransition(%s -> %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestStatusTransitionIdempotent(t *testing.T) {
	// 同一終端状態の重複適用は no-op として許可する
	for _, s := range []Status{StatusQueued, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled} {
		if !s.CanTransition(s) {
			t.Errorf("CanTransition(%s -> %s) should be allowed", s, s)
		}
	}
}

func TestJobValidateCounters(t *testing.T) {
	j := &Job{
		ID:             "job-1",
		Kind:           KindMain,
		Status:         StatusProcessing,
		TotalPages:     3,
		PagesCompleted: 2,
		PagesFailed:    2,
	}
	if err := j.Validate(); err == nil {
		t.Fatal("expected counter invariant violation")
	}

	j.PagesFailed = 1
	if err := j.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestJobValidateHierarchy(t *testing.T) {
	page := &Job{ID: "p1", Kind: KindPage, Status: StatusQueued}
	if err := page.Validate(); err == nil {
		t.Fatal("page job without parent should be invalid")
	}

	page.ParentID = "main-1"
	if err := page.Validate(); err == nil {
		t.Fatal("page job without page number should be invalid")
	}

	page.PageNumber = 1
	if err := page.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	main := &Job{ID: "m1", Kind: KindMain, Status: StatusQueued, ParentID: "other"}
	if err := main.Validate(); err == nil {
		t.Fatal("main job with parent should be invalid")
	}
}

func TestPageValidate(t *testing.T) {
	p := &Page{JobID: "m1", PageNumber: 0}
	if err := p.Validate(); err == nil {
		t.Fatal("page number 0 should be invalid")
	}
	p.PageNumber = 1
	if err := p.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
