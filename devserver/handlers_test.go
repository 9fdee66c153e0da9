package devserver

import (
	"bytes"
	"compress/gzip"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/golang-jwt/jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"

	"boardsync/domain"
)

var testSecret = []byte("dev-secret")

func signToken(t *testing.T, sub string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func newTestServer(t *testing.T, cfg Config) (*echo.Echo, *Repo) {
	t.Helper()
	if cfg.Repo == nil {
		cfg.Repo = NewRepo()
	}
	if cfg.Logger == nil {
		cfg.Logger, _ = test.NewNullLogger()
	}
	e := echo.New()
	if _, err := Register(e, cfg); err != nil {
		t.Fatalf("register: %v", err)
	}
	return e, cfg.Repo
}

func doJSON(e *echo.Echo, method, path, token, body string, header map[string]string) *httptest.ResponseRecorder {
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("")
	} else {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestCreateTaskAssignsIDAndWireShape(t *testing.T) {
	e, _ := newTestServer(t, Config{})

	rec := doJSON(e, http.MethodPost, "/tasks",
		"", `{"title":"Ship it","status":"IN_PROGRESS","priority":"HIGH","due_date":"2026-09-15"}`, nil)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var payload map[string]any
	if err := sonic.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["id"] == "" || payload["id"] == nil {
		t.Fatal("server did not assign an id")
	}
	if payload["status"] != "IN_PROGRESS" {
		t.Fatalf("status not upper-cased on the wire: %v", payload["status"])
	}
	if payload["due_date"] != "2026-09-15" {
		t.Fatalf("due date not snake_case on the wire: %v", payload["due_date"])
	}
}

func TestAuthRequiredWhenConfigured(t *testing.T) {
	e, _ := newTestServer(t, Config{Auth: NewSharedSecretAuth(testSecret)})

	rec := doJSON(e, http.MethodGet, "/tasks/workspace/local", "", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	rec = doJSON(e, http.MethodGet, "/tasks/workspace/local", signToken(t, "user-1"), "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid token, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestUpdateStatusRejectsUnknownValue(t *testing.T) {
	repo := NewRepo()
	repo.Seed("local", []domain.Task{{ID: "t1", Title: "x", Status: domain.StatusTodo, Priority: domain.PriorityLow}})
	e, _ := newTestServer(t, Config{Repo: repo})

	rec := doJSON(e, http.MethodPatch, "/tasks/t1/status", "", `{"status":"ARCHIVED"}`, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "unknown status") {
		t.Fatalf("missing error message: %s", rec.Body.String())
	}
}

func TestUpdateStatusMovesTask(t *testing.T) {
	repo := NewRepo()
	repo.Seed("local", []domain.Task{{ID: "t1", Title: "x", Status: domain.StatusTodo, Priority: domain.PriorityLow}})
	e, _ := newTestServer(t, Config{Repo: repo})

	rec := doJSON(e, http.MethodPatch, "/tasks/t1/status", "", `{"status":"DONE"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	got, _ := repo.Get("t1")
	if got.Status != domain.StatusDone {
		t.Fatalf("task not moved: %q", got.Status)
	}
}

func TestAddDependencyRejectsCycleWithMessage(t *testing.T) {
	repo := NewRepo()
	repo.Seed("local", []domain.Task{
		{ID: "a", Title: "a", Status: domain.StatusTodo, Priority: domain.PriorityLow},
		{ID: "b", Title: "b", Status: domain.StatusTodo, Priority: domain.PriorityLow,
			Dependencies: []domain.Edge{{EdgeID: "e1", PrerequisiteID: "a"}}},
	})
	e, _ := newTestServer(t, Config{Repo: repo})

	rec := doJSON(e, http.MethodPost, "/tasks/a/dependencies", "", `{"depends_on_task_id":"b"}`, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	_ = sonic.Unmarshal(rec.Body.Bytes(), &body)
	if body["error"] == "" {
		t.Fatal("cycle rejection must carry a message")
	}
}

func TestDependencyLifecycle(t *testing.T) {
	repo := NewRepo()
	repo.Seed("local", []domain.Task{
		{ID: "a", Title: "a", Status: domain.StatusTodo, Priority: domain.PriorityLow},
		{ID: "b", Title: "b", Status: domain.StatusTodo, Priority: domain.PriorityLow},
	})
	e, _ := newTestServer(t, Config{Repo: repo})

	rec := doJSON(e, http.MethodPost, "/tasks/a/dependencies", "", `{"depends_on_task_id":"b"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("add edge: %d %s", rec.Code, rec.Body.String())
	}
	got, _ := repo.Get("a")
	if len(got.Dependencies) != 1 || got.Dependencies[0].EdgeID == "" {
		t.Fatalf("edge id not assigned: %+v", got.Dependencies)
	}

	edgeID := got.Dependencies[0].EdgeID
	rec = doJSON(e, http.MethodDelete, "/tasks/a/dependencies/"+edgeID, "", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("remove edge: %d", rec.Code)
	}
	got, _ = repo.Get("a")
	if len(got.Dependencies) != 0 {
		t.Fatal("edge not removed")
	}
}

func TestMyTasksFiltersByTokenSubject(t *testing.T) {
	repo := NewRepo()
	repo.Seed("local", []domain.Task{
		{ID: "a", Title: "mine", Status: domain.StatusTodo, Priority: domain.PriorityLow,
			Assignee: &domain.UserRef{ID: "user-1", Name: "Avery"}},
		{ID: "b", Title: "theirs", Status: domain.StatusTodo, Priority: domain.PriorityLow,
			Assignee: &domain.UserRef{ID: "user-2", Name: "Noor"}},
	})
	e, _ := newTestServer(t, Config{Repo: repo, Auth: NewSharedSecretAuth(testSecret)})

	rec := doJSON(e, http.MethodGet, "/tasks/my-tasks", signToken(t, "user-1"), "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var tasks []map[string]any
	if err := sonic.Unmarshal(rec.Body.Bytes(), &tasks); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(tasks) != 1 || tasks[0]["title"] != "mine" {
		t.Fatalf("wrong tasks: %v", tasks)
	}
}

func TestCommentsEndpointReturnsArray(t *testing.T) {
	repo := NewRepo()
	repo.Seed("local", []domain.Task{{ID: "a", Title: "a", Status: domain.StatusTodo, Priority: domain.PriorityLow}})
	_ = repo.AddComment("a", Comment{Author: "avery", Body: "lgtm"})
	_ = repo.AddComment("a", Comment{Author: "noor", Body: "ship it"})
	e, _ := newTestServer(t, Config{Repo: repo})

	rec := doJSON(e, http.MethodGet, "/tasks/a/comments", "", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var comments []Comment
	if err := sonic.Unmarshal(rec.Body.Bytes(), &comments); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(comments) != 2 {
		t.Fatalf("expected 2 comments, got %d", len(comments))
	}
}

func TestDeleteTasksRemovesEdgesToThem(t *testing.T) {
	repo := NewRepo()
	repo.Seed("local", []domain.Task{
		{ID: "a", Title: "a", Status: domain.StatusTodo, Priority: domain.PriorityLow},
		{ID: "b", Title: "b", Status: domain.StatusTodo, Priority: domain.PriorityLow,
			Dependencies: []domain.Edge{{EdgeID: "e1", PrerequisiteID: "a"}}},
	})
	e, _ := newTestServer(t, Config{Repo: repo})

	rec := doJSON(e, http.MethodPost, "/tasks/delete", "", `{"ids":["a"]}`, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if _, err := repo.Get("a"); err == nil {
		t.Fatal("task not deleted")
	}
	b, _ := repo.Get("b")
	if len(b.Dependencies) != 0 {
		t.Fatal("stale edge survived delete")
	}
}

func TestIdempotencyReplay(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	replay := NewReplayCache(rdb, time.Hour)
	e, repo := newTestServer(t, Config{Replay: replay})

	header := map[string]string{"Idempotency-Key": "key-1"}
	body := `{"title":"once","status":"TODO","priority":"LOW"}`

	first := doJSON(e, http.MethodPost, "/tasks", "", body, header)
	second := doJSON(e, http.MethodPost, "/tasks", "", body, header)

	if first.Code != http.StatusCreated || second.Code != http.StatusCreated {
		t.Fatalf("status = %d / %d", first.Code, second.Code)
	}
	if first.Body.String() != second.Body.String() {
		t.Fatalf("replayed body differs:\n%s\n%s", first.Body.String(), second.Body.String())
	}
	if n := len(repo.Workspace("local")); n != 1 {
		t.Fatalf("duplicate request executed twice: %d tasks", n)
	}
}

func TestGzipRequestBody(t *testing.T) {
	e, repo := newTestServer(t, Config{})

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	_, _ = gw.Write([]byte(`{"title":"compressed","status":"TODO","priority":"LOW"}`))
	_ = gw.Close()

	req := httptest.NewRequest(http.MethodPost, "/tasks", &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderContentEncoding, "gzip")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if len(repo.Workspace("local")) != 1 {
		t.Fatal("gzip body not decoded")
	}
}

func TestInvalidGzipRejected(t *testing.T) {
	e, _ := newTestServer(t, Config{})

	req := httptest.NewRequest(http.MethodPost, "/tasks", strings.NewReader("not gzip"))
	req.Header.Set(echo.HeaderContentEncoding, "gzip")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
