package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"
)

func TestLastRoutePassForUserOrdersByIssuedAt(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	// Insert out of order; issued_at, not insertion order, decides.
	if _, err := store.CreateRoutePass(ctx, "user-1", "lock-1", []string{"door-a"}, "jti-middle", base.Add(time.Hour), base.Add(25*time.Hour)); err != nil {
		t.Fatal(err)
	}
	if _, err := store.CreateRoutePass(ctx, "user-1", "lock-1", []string{"door-a"}, "jti-oldest", base, base.Add(24*time.Hour)); err != nil {
		t.Fatal(err)
	}
	if _, err := store.CreateRoutePass(ctx, "user-1", "lock-2", []string{"door-b"}, "jti-latest", base.Add(2*time.Hour), base.Add(26*time.Hour)); err != nil {
		t.Fatal(err)
	}

	last, err := store.LastRoutePassForUser(ctx, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if last.JTI != "jti-latest" {
		t.Fatalf("expected latest issuance to win, got %q", last.JTI)
	}
	if last.DeviceID != "lock-2" {
		t.Fatalf("expected device from latest issuance, got %q", last.DeviceID)
	}
	if len(last.Audiences) != 1 || last.Audiences[0] != "door-b" {
		t.Fatalf("unexpected audiences: %v", last.Audiences)
	}
}

func TestLastRoutePassForUserNoRows(t *testing.T) {
	store := newTestStore(t)

	_, err := store.LastRoutePassForUser(context.Background(), "user-never")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestRoutePassHistoryPaginationAndBounds(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		issued := base.Add(time.Duration(i) * 24 * time.Hour)
		if _, err := store.CreateRoutePass(ctx, "user-1", "lock-1", nil, "", issued, issued.Add(24*time.Hour)); err != nil {
			t.Fatal(err)
		}
	}

	history, err := store.RoutePassHistory(ctx, "user-1", HistoryFilter{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("expected page of 2, got %d", len(history))
	}
	if !history[0].IssuedAt.After(history[1].IssuedAt) {
		t.Fatal("expected reverse-chronological order")
	}

	offsetPage, err := store.RoutePassHistory(ctx, "user-1", HistoryFilter{Limit: 2, Offset: 4})
	if err != nil {
		t.Fatal(err)
	}
	if len(offsetPage) != 1 {
		t.Fatalf("expected 1 row past offset 4, got %d", len(offsetPage))
	}

	bounded, err := store.RoutePassHistory(ctx, "user-1", HistoryFilter{
		StartDate: base.Add(24 * time.Hour),
		EndDate:   base.Add(3 * 24 * time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(bounded) != 3 {
		t.Fatalf("expected inclusive bounds to match 3 rows, got %d", len(bounded))
	}

	count, err := store.RoutePassHistoryCount(ctx, "user-1", HistoryFilter{
		StartDate: base.Add(24 * time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
	if count != 4 {
		t.Fatalf("expected count 4 ignoring pagination, got %d", count)
	}
}

func TestRoutePassHistoryOtherUserInvisible(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	if _, err := store.CreateRoutePass(ctx, "user-a", "lock-1", nil, "", now, now.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	history, err := store.RoutePassHistory(ctx, "user-b", HistoryFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 0 {
		t.Fatalf("expected empty history for other user, got %d rows", len(history))
	}
}

func TestCoerceCount(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want int
	}{
		{"nil", nil, 0},
		{"int", int(7), 7},
		{"int64", int64(42), 42},
		{"float64", float64(3), 3},
		{"string", "12", 12},
		{"string padded", "  9 ", 9},
		{"string garbage", "many", 0},
		{"bytes", []byte("15"), 15},
		{"bytes garbage", []byte("x"), 0},
		{"bool", true, 0},
	}
	for _, tc := range cases {
		if got := CoerceCount(tc.in); got != tc.want {
			t.Fatalf("%s: CoerceCount(%v) = %d, want %d", tc.name, tc.in, got, tc.want)
		}
	}
}
