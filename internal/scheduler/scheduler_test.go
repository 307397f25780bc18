package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"pubflow/internal/domain"
	"pubflow/internal/policy"
	"pubflow/internal/store"
)

func newTestRepo(t *testing.T) (store.Repository, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)
	if err := store.EnsureSchema(db); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return store.NewSQLiteRepo(db), db
}

func taskRowCount(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM publish_tasks`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	return n
}

func validRequest(platform string) domain.PublishRequest {
	return domain.PublishRequest{
		VideoPath: "out/final.mp4",
		Title:     "daily news recap",
		Tags:      []string{"news"},
		Platform:  platform,
	}
}

func TestScheduleMatchesSelector(t *testing.T) {
	repo, _ := newTestRepo(t)
	svc := New(repo, policy.Default(), Options{})
	now := at(tuesday, 10, 30)

	res, err := svc.Schedule(context.Background(), validRequest("douyin"), now)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	want, _ := NextSlot(policy.Default(), "douyin", now)
	if !res.ScheduledTime.Equal(want) {
		t.Fatalf("scheduled_time = %v, want %v", res.ScheduledTime, want)
	}
	if res.Status != "scheduled" {
		t.Fatalf("status = %q, want scheduled", res.Status)
	}
	if res.Fallback {
		t.Fatal("fallback should be false for configured platform")
	}

	// The persisted task carries the same computed time.
	task, err := repo.Get(context.Background(), res.TaskID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if task.ScheduledTime.Unix() != want.Unix() {
		t.Fatalf("persisted time = %v, want %v", task.ScheduledTime, want)
	}
	if task.Status != domain.StatusPending {
		t.Fatalf("persisted status = %s, want pending", task.Status)
	}
}

func TestScheduleUnknownPlatformFallback(t *testing.T) {
	repo, _ := newTestRepo(t)
	svc := New(repo, policy.Default(), Options{})
	now := at(tuesday, 10, 30)

	res, err := svc.Schedule(context.Background(), validRequest("unknown_platform_xyz"), now)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if !res.Fallback {
		t.Fatal("expected fallback flag for unknown platform")
	}
	if res.ScheduledTime.Before(now) || res.ScheduledTime.After(now.Add(time.Hour)) {
		t.Fatalf("fallback time %v outside [now, now+1h]", res.ScheduledTime)
	}
}

func TestScheduleRejectsInvalidRequest(t *testing.T) {
	repo, db := newTestRepo(t)
	svc := New(repo, policy.Default(), Options{})
	now := at(tuesday, 10, 30)

	cases := []domain.PublishRequest{
		{VideoPath: "", Title: "has title", Platform: "douyin"},
		{VideoPath: "a.mp4", Title: "", Platform: "douyin"},
		{},
	}
	for _, req := range cases {
		if _, err := svc.Schedule(context.Background(), req, now); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("request %+v: want ErrInvalidRequest, got %v", req, err)
		}
	}
	if n := taskRowCount(t, db); n != 0 {
		t.Fatalf("rejected requests must not write rows, found %d", n)
	}
}

func TestScheduleStrictSkipsConflictingSlot(t *testing.T) {
	repo, _ := newTestRepo(t)
	svc := New(repo, policy.Default(), Options{Enforce: true})
	ctx := context.Background()
	now := at(tuesday, 10, 30)

	// Occupy Tuesday 12:00; min interval for douyin is 1h.
	first, err := svc.Schedule(ctx, validRequest("douyin"), now)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if want := at(tuesday, 12, 0); !first.ScheduledTime.Equal(want) {
		t.Fatalf("first scheduled at %v, want %v", first.ScheduledTime, want)
	}

	second, err := svc.Schedule(ctx, validRequest("douyin"), now)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if want := at(tuesday, 18, 0); !second.ScheduledTime.Equal(want) {
		t.Fatalf("second scheduled at %v, want %v (12:00 conflicts)", second.ScheduledTime, want)
	}
}

func TestScheduleStrictSkipsFullDay(t *testing.T) {
	repo, _ := newTestRepo(t)
	table := policy.Table{
		"shorts": {
			WeekdaySlots: mustSlots(t, "09:00", "15:00"),
			WeekendSlots: mustSlots(t, "09:00", "15:00"),
			MinInterval:  time.Minute,
			MaxDaily:     2,
		},
	}
	svc := New(repo, table, Options{Enforce: true})
	ctx := context.Background()
	now := at(tuesday, 8, 0)

	times := make([]time.Time, 0, 3)
	for i := 0; i < 3; i++ {
		res, err := svc.Schedule(ctx, validRequest("shorts"), now)
		if err != nil {
			t.Fatalf("Schedule #%d: %v", i, err)
		}
		times = append(times, res.ScheduledTime)
	}
	if want := at(tuesday, 9, 0); !times[0].Equal(want) {
		t.Fatalf("first = %v, want %v", times[0], want)
	}
	if want := at(tuesday, 15, 0); !times[1].Equal(want) {
		t.Fatalf("second = %v, want %v", times[1], want)
	}
	// Tuesday holds its daily cap of 2: the third rolls to Wednesday.
	if want := at(tuesday.AddDate(0, 0, 1), 9, 0); !times[2].Equal(want) {
		t.Fatalf("third = %v, want %v", times[2], want)
	}
}

func TestScheduleStrictExhaustsHorizon(t *testing.T) {
	repo, _ := newTestRepo(t)
	table := policy.Table{
		"shorts": {
			WeekdaySlots: mustSlots(t, "09:00"),
			WeekendSlots: mustSlots(t, "09:00"),
			MinInterval:  14 * 24 * time.Hour,
		},
	}
	svc := New(repo, table, Options{Enforce: true})
	ctx := context.Background()
	now := at(tuesday, 8, 0)

	if _, err := svc.Schedule(ctx, validRequest("shorts"), now); err != nil {
		t.Fatalf("first schedule should succeed: %v", err)
	}
	// Every slot for the next 7 days is within 14 days of the first task.
	_, err := svc.Schedule(ctx, validRequest("shorts"), now)
	if !errors.Is(err, ErrSlotUnavailable) {
		t.Fatalf("want ErrSlotUnavailable, got %v", err)
	}
}

func mustSlots(t *testing.T, raw ...string) []policy.Slot {
	t.Helper()
	slots := make([]policy.Slot, 0, len(raw))
	for _, s := range raw {
		slot, err := policy.ParseSlot(s)
		if err != nil {
			t.Fatal(err)
		}
		slots = append(slots, slot)
	}
	return slots
}
