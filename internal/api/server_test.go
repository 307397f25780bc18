package api

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	_ "modernc.org/sqlite"

	"pubflow/internal/policy"
	"pubflow/internal/scheduler"
	"pubflow/internal/store"
)

func newTestServer(t *testing.T) (http.Handler, *sql.DB) {
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
	repo := store.NewSQLiteRepo(db)
	sched := scheduler.New(repo, policy.Default(), scheduler.Options{})
	return NewServer(repo, sched), db
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	h, _ := newTestServer(t)
	w := doJSON(t, h, http.MethodGet, "/health", nil)
	if w.Code != 200 {
		t.Fatalf("health = %d", w.Code)
	}
}

func TestSchedulePublish(t *testing.T) {
	h, _ := newTestServer(t)

	w := doJSON(t, h, http.MethodPost, "/api/publish", map[string]any{
		"video_path": "out/final.mp4",
		"title":      "daily news recap",
		"tags":       []string{"news"},
		"platform":   "douyin",
		"account_id": 3,
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("publish = %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		TaskID        int64  `json:"task_id"`
		ScheduledTime string `json:"scheduled_time"`
		Status        string `json:"status"`
		Fallback      bool   `json:"fallback"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.TaskID <= 0 || resp.Status != "scheduled" || resp.ScheduledTime == "" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Fallback {
		t.Fatal("douyin should not use the fallback rule")
	}

	// The task shows up in the pending listing.
	w = doJSON(t, h, http.MethodGet, "/api/tasks/pending?platform=douyin", nil)
	if w.Code != 200 {
		t.Fatalf("pending = %d", w.Code)
	}
	var tasks []struct {
		ID       int64    `json:"id"`
		Platform string   `json:"platform"`
		Tags     []string `json:"tags"`
		Status   string   `json:"status"`
	}
	if err := json.NewDecoder(w.Body).Decode(&tasks); err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 || tasks[0].ID != resp.TaskID || tasks[0].Status != "pending" {
		t.Fatalf("pending = %+v", tasks)
	}
	if len(tasks[0].Tags) != 1 || tasks[0].Tags[0] != "news" {
		t.Fatalf("tags = %v", tasks[0].Tags)
	}
}

func TestSchedulePublishInvalid(t *testing.T) {
	h, db := newTestServer(t)

	w := doJSON(t, h, http.MethodPost, "/api/publish", map[string]any{
		"video_path": "out/final.mp4",
		"title":      "",
		"platform":   "douyin",
	})
	if w.Code != 400 {
		t.Fatalf("empty title = %d, want 400", w.Code)
	}

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM publish_tasks`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("rejected request wrote %d rows", n)
	}
}

func TestSchedulePublishUnknownPlatform(t *testing.T) {
	h, _ := newTestServer(t)

	w := doJSON(t, h, http.MethodPost, "/api/publish", map[string]any{
		"video_path": "out/final.mp4",
		"title":      "daily news recap",
		"platform":   "unknown_platform_xyz",
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("publish = %d", w.Code)
	}
	var resp struct {
		Fallback bool `json:"fallback"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Fallback {
		t.Fatal("expected fallback flag for unknown platform")
	}
}

func TestPendingPlatformFilter(t *testing.T) {
	h, _ := newTestServer(t)

	for _, platform := range []string{"douyin", "bilibili"} {
		w := doJSON(t, h, http.MethodPost, "/api/publish", map[string]any{
			"video_path": "out/final.mp4",
			"title":      "recap",
			"platform":   platform,
		})
		if w.Code != http.StatusAccepted {
			t.Fatalf("publish %s = %d", platform, w.Code)
		}
	}

	w := doJSON(t, h, http.MethodGet, "/api/tasks/pending?platform=douyin", nil)
	var tasks []struct {
		Platform string `json:"platform"`
	}
	if err := json.NewDecoder(w.Body).Decode(&tasks); err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 || tasks[0].Platform != "douyin" {
		t.Fatalf("filtered pending = %+v", tasks)
	}
}

func TestGetTask(t *testing.T) {
	h, _ := newTestServer(t)

	w := doJSON(t, h, http.MethodPost, "/api/publish", map[string]any{
		"video_path": "out/final.mp4",
		"title":      "recap",
		"platform":   "douyin",
	})
	var resp struct {
		TaskID int64 `json:"task_id"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}

	if w := doJSON(t, h, http.MethodGet, "/api/tasks/9999", nil); w.Code != 404 {
		t.Fatalf("missing task = %d, want 404", w.Code)
	}
	if w := doJSON(t, h, http.MethodGet, "/api/tasks/abc", nil); w.Code != 400 {
		t.Fatalf("bad id = %d, want 400", w.Code)
	}
	w = doJSON(t, h, http.MethodGet, "/api/tasks/1", nil)
	if w.Code != 200 {
		t.Fatalf("get task = %d", w.Code)
	}
}

func TestPlanCRUD(t *testing.T) {
	h, _ := newTestServer(t)

	w := doJSON(t, h, http.MethodPost, "/api/plans", map[string]any{
		"name":       "morning recap",
		"cron_expr":  "0 8 * * *",
		"video_path": "out/recap.mp4",
		"title":      "morning recap",
		"platform":   "douyin",
		"enabled":    true,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create plan = %d: %s", w.Code, w.Body.String())
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(w.Body).Decode(&created); err != nil {
		t.Fatal(err)
	}

	w = doJSON(t, h, http.MethodGet, "/api/plans", nil)
	var plans []struct {
		ID      string `json:"id"`
		Enabled bool   `json:"enabled"`
	}
	if err := json.NewDecoder(w.Body).Decode(&plans); err != nil {
		t.Fatal(err)
	}
	if len(plans) != 1 || plans[0].ID != created.ID || !plans[0].Enabled {
		t.Fatalf("plans = %+v", plans)
	}

	w = doJSON(t, h, http.MethodPut, "/api/plans/"+created.ID, map[string]any{"enabled": false})
	if w.Code != 200 {
		t.Fatalf("update plan = %d", w.Code)
	}
	var updated struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(w.Body).Decode(&updated); err != nil {
		t.Fatal(err)
	}
	if updated.Enabled {
		t.Fatal("plan should be disabled")
	}

	if w := doJSON(t, h, http.MethodDelete, "/api/plans/"+created.ID, nil); w.Code != http.StatusNoContent {
		t.Fatalf("delete plan = %d", w.Code)
	}
	if w := doJSON(t, h, http.MethodGet, "/api/plans/"+created.ID, nil); w.Code != 404 {
		t.Fatalf("deleted plan fetch = %d, want 404", w.Code)
	}
}

func TestCreatePlanValidation(t *testing.T) {
	h, _ := newTestServer(t)

	cases := []map[string]any{
		{"cron_expr": "0 8 * * *", "video_path": "a.mp4", "title": "x", "platform": "douyin"},
		{"name": "x", "video_path": "a.mp4", "title": "x", "platform": "douyin"},
		{"name": "x", "cron_expr": "not a cron", "video_path": "a.mp4", "title": "x", "platform": "douyin"},
		{"name": "x", "cron_expr": "0 8 * * *", "platform": "douyin"},
	}
	for i, body := range cases {
		if w := doJSON(t, h, http.MethodPost, "/api/plans", body); w.Code != 400 {
			t.Errorf("case %d: code = %d, want 400", i, w.Code)
		}
	}
}
