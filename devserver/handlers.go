// Package devserver is an in-memory implementation of the task REST API the
// sync engine talks to, used by tests and local development. It speaks the
// same wire dialect as the real backend: upper-case enums, snake_case dates,
// bearer auth on every route and idempotency-key replay on mutations.
package devserver

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"boardsync/domain"
	"boardsync/wire"
)

const requestBodyLimit = 1 << 20 // 1 MiB

// Config bundles the server's collaborators. Repo is required; Auth nil
// means unauthenticated local mode, Replay nil disables idempotency replay.
type Config struct {
	Repo        *Repo
	Auth        Authenticator
	Replay      *ReplayCache
	Mirror      *TableMirror
	Logger      *log.Logger
	WorkspaceID string
}

// Server handles the task REST routes.
type Server struct {
	repo        *Repo
	auth        Authenticator
	replay      *ReplayCache
	mirror      *TableMirror
	logger      *log.Logger
	workspaceID string
}

// Register wires the task API routes onto an Echo instance.
func Register(e *echo.Echo, cfg Config) (*Server, error) {
	if cfg.Repo == nil {
		return nil, errors.New("devserver: repo is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New()
	}
	ws := cfg.WorkspaceID
	if ws == "" {
		ws = "local"
	}
	s := &Server{
		repo:        cfg.Repo,
		auth:        cfg.Auth,
		replay:      cfg.Replay,
		mirror:      cfg.Mirror,
		logger:      logger,
		workspaceID: ws,
	}

	e.Use(GzipRequestMiddleware())
	e.Use(s.idempotencyMiddleware())

	e.POST("/tasks", s.createTask)
	e.PUT("/tasks/:id", s.updateTask)
	e.PATCH("/tasks/:id/status", s.updateStatus)
	e.POST("/tasks/delete", s.deleteTasks)
	e.GET("/tasks/workspace/:id", s.workspaceTasks)
	e.GET("/tasks/my-tasks", s.myTasks)
	e.POST("/tasks/:id/subtasks", s.addSubtask)
	e.PUT("/tasks/:id/subtasks/:sid", s.updateSubtask)
	e.DELETE("/tasks/:id/subtasks/:sid", s.deleteSubtask)
	e.POST("/tasks/:id/dependencies", s.addDependency)
	e.DELETE("/tasks/:id/dependencies/:eid", s.removeDependency)
	e.GET("/tasks/:id/comments", s.comments)
	e.GET("/healthz", s.healthz)
	return s, nil
}

func (s *Server) healthz(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

// user authenticates the request. Without an Authenticator every caller is
// the local development user.
func (s *Server) user(c echo.Context) (string, error) {
	if s.auth == nil {
		return "local-user", nil
	}
	return s.auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
}

func (s *Server) createTask(c echo.Context) error {
	if _, err := s.user(c); err != nil {
		return unauthorized(c, err)
	}
	task, err := decodeBody(c)
	if err != nil {
		return badRequest(c, "invalid body")
	}
	created, err := s.repo.Create(s.workspaceID, task)
	if err != nil {
		return s.fail(c, err)
	}
	s.persist(c, created)
	return taskJSON(c, http.StatusCreated, created)
}

func (s *Server) updateTask(c echo.Context) error {
	if _, err := s.user(c); err != nil {
		return unauthorized(c, err)
	}
	task, err := decodeBody(c)
	if err != nil {
		return badRequest(c, "invalid body")
	}
	task.ID = c.Param("id")
	updated, err := s.repo.Update(task)
	if err != nil {
		return s.fail(c, err)
	}
	s.persist(c, updated)
	return taskJSON(c, http.StatusOK, updated)
}

func (s *Server) updateStatus(c echo.Context) error {
	if _, err := s.user(c); err != nil {
		return unauthorized(c, err)
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := decodeInto(c, &body); err != nil {
		return badRequest(c, "invalid body")
	}
	// Unlike the client's lenient parser, the server rejects unknown values.
	status := domain.Status(strings.ToLower(strings.TrimSpace(body.Status)))
	updated, err := s.repo.SetStatus(c.Param("id"), status)
	if err != nil {
		return s.fail(c, err)
	}
	s.persist(c, updated)
	return taskJSON(c, http.StatusOK, updated)
}

func (s *Server) deleteTasks(c echo.Context) error {
	if _, err := s.user(c); err != nil {
		return unauthorized(c, err)
	}
	var body struct {
		IDs []string `json:"ids"`
	}
	if err := decodeInto(c, &body); err != nil || len(body.IDs) == 0 {
		return badRequest(c, "invalid body")
	}
	s.repo.Delete(body.IDs)
	for _, id := range body.IDs {
		s.unpersist(c, id)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) workspaceTasks(c echo.Context) error {
	if _, err := s.user(c); err != nil {
		return unauthorized(c, err)
	}
	return taskListJSON(c, s.repo.Workspace(c.Param("id")))
}

func (s *Server) myTasks(c echo.Context) error {
	userID, err := s.user(c)
	if err != nil {
		return unauthorized(c, err)
	}
	return taskListJSON(c, s.repo.ByAssignee(userID))
}

func (s *Server) addSubtask(c echo.Context) error {
	if _, err := s.user(c); err != nil {
		return unauthorized(c, err)
	}
	var body struct {
		Title string `json:"title"`
	}
	if err := decodeInto(c, &body); err != nil {
		return badRequest(c, "invalid body")
	}
	updated, err := s.repo.AddSubtask(c.Param("id"), body.Title)
	if err != nil {
		return s.fail(c, err)
	}
	s.persist(c, updated)
	return taskJSON(c, http.StatusOK, updated)
}

func (s *Server) updateSubtask(c echo.Context) error {
	if _, err := s.user(c); err != nil {
		return unauthorized(c, err)
	}
	var body wire.SubtaskPayload
	if err := decodeInto(c, &body); err != nil {
		return badRequest(c, "invalid body")
	}
	body.ID = c.Param("sid")
	updated, err := s.repo.UpdateSubtask(c.Param("id"), domain.Subtask{ID: body.ID, Title: body.Title, Completed: body.Completed})
	if err != nil {
		return s.fail(c, err)
	}
	s.persist(c, updated)
	return taskJSON(c, http.StatusOK, updated)
}

func (s *Server) deleteSubtask(c echo.Context) error {
	if _, err := s.user(c); err != nil {
		return unauthorized(c, err)
	}
	updated, err := s.repo.DeleteSubtask(c.Param("id"), c.Param("sid"))
	if err != nil {
		return s.fail(c, err)
	}
	s.persist(c, updated)
	return taskJSON(c, http.StatusOK, updated)
}

func (s *Server) addDependency(c echo.Context) error {
	if _, err := s.user(c); err != nil {
		return unauthorized(c, err)
	}
	var body struct {
		DependsOnTaskID string `json:"depends_on_task_id"`
	}
	if err := decodeInto(c, &body); err != nil || body.DependsOnTaskID == "" {
		return badRequest(c, "invalid body")
	}
	updated, err := s.repo.AddEdge(c.Param("id"), body.DependsOnTaskID)
	if err != nil {
		return s.fail(c, err)
	}
	s.persist(c, updated)
	return taskJSON(c, http.StatusCreated, updated)
}

func (s *Server) removeDependency(c echo.Context) error {
	if _, err := s.user(c); err != nil {
		return unauthorized(c, err)
	}
	updated, err := s.repo.RemoveEdge(c.Param("id"), c.Param("eid"))
	if err != nil {
		return s.fail(c, err)
	}
	s.persist(c, updated)
	return taskJSON(c, http.StatusOK, updated)
}

func (s *Server) comments(c echo.Context) error {
	if _, err := s.user(c); err != nil {
		return unauthorized(c, err)
	}
	comments, err := s.repo.Comments(c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, comments)
}

// fail maps repo errors onto the wire error contract: validation failures are
// 422 with a verbatim message, missing resources 404, everything else 500.
func (s *Server) fail(c echo.Context, err error) error {
	var vErr *ValidationError
	if errors.As(err, &vErr) {
		return c.JSON(http.StatusUnprocessableEntity, map[string]string{"error": vErr.Msg})
	}
	if errors.Is(err, ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
	}
	s.logger.WithError(err).Error("request failed")
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func unauthorized(c echo.Context, err error) error {
	return c.JSON(http.StatusUnauthorized, map[string]string{"error": err.Error()})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, map[string]string{"error": msg})
}

func decodeBody(c echo.Context) (domain.Task, error) {
	data, err := io.ReadAll(io.LimitReader(c.Request().Body, requestBodyLimit))
	if err != nil {
		return domain.Task{}, err
	}
	return wire.DecodeTask(data)
}

func decodeInto(c echo.Context, v any) error {
	lr := io.LimitReader(c.Request().Body, requestBodyLimit)
	return sonic.ConfigStd.NewDecoder(lr).Decode(v)
}

func taskJSON(c echo.Context, status int, t domain.Task) error {
	data, err := wire.EncodeTask(t)
	if err != nil {
		return err
	}
	return c.JSONBlob(status, data)
}

func taskListJSON(c echo.Context, tasks []domain.Task) error {
	payloads := make([]wire.TaskPayload, 0, len(tasks))
	for _, t := range tasks {
		payloads = append(payloads, wire.FromDomain(t))
	}
	data, err := sonic.Marshal(payloads)
	if err != nil {
		return err
	}
	return c.JSONBlob(http.StatusOK, data)
}

// persist mirrors a mutated task to table storage. Mirror failures are
// logged, never surfaced: the in-memory repo stays the source of truth.
func (s *Server) persist(c echo.Context, task domain.Task) {
	if s.mirror == nil {
		return
	}
	if err := s.mirror.Save(c.Request().Context(), s.workspaceID, task); err != nil {
		s.logger.WithError(err).Warn("table mirror save failed")
	}
}

func (s *Server) unpersist(c echo.Context, taskID string) {
	if s.mirror == nil {
		return
	}
	if err := s.mirror.Delete(c.Request().Context(), s.workspaceID, taskID); err != nil {
		s.logger.WithError(err).Warn("table mirror delete failed")
	}
}

// idempotencyMiddleware replays recorded responses for repeated mutation
// requests carrying the same Idempotency-Key.
func (s *Server) idempotencyMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if s.replay == nil || c.Request().Method == http.MethodGet {
				return next(c)
			}
			key := c.Request().Header.Get("Idempotency-Key")
			if key == "" {
				return next(c)
			}
			userID, err := s.user(c)
			if err != nil {
				// Auth failures are never replayable; let the handler reject.
				return next(c)
			}
			ctx := c.Request().Context()
			if status, body, ok := s.replay.Lookup(ctx, userID, key); ok {
				s.logger.WithFields(log.Fields{"key": key}).Debug("replaying idempotent response")
				return c.JSONBlob(status, body)
			}

			rec := &recordingWriter{ResponseWriter: c.Response().Writer}
			c.Response().Writer = rec
			err = next(c)
			if err == nil && rec.status < http.StatusInternalServerError && rec.status != 0 {
				s.replay.Store(ctx, userID, key, rec.status, rec.buf.Bytes())
			}
			return err
		}
	}
}

type recordingWriter struct {
	http.ResponseWriter
	status int
	buf    bytes.Buffer
}

func (w *recordingWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *recordingWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	w.buf.Write(p)
	return w.ResponseWriter.Write(p)
}
