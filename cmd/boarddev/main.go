// Command boarddev runs the in-memory task API used for local development of
// the board sync engine. Configuration is environment-driven; with no
// variables set it serves an open, unauthenticated board on :8080.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"boardsync/devserver"
	"boardsync/domain"
)

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	logger := log.New()

	workspaceID := os.Getenv("WORKSPACE_ID")
	if workspaceID == "" {
		workspaceID = "local"
	}

	repo := devserver.NewRepo()

	var mirror *devserver.TableMirror
	if connStr := os.Getenv("STORAGE_CONNECTION_STRING"); connStr != "" {
		tableName := os.Getenv("TASKS_TABLE")
		if tableName == "" {
			log.Fatal("TASKS_TABLE must be set with STORAGE_CONNECTION_STRING")
		}
		var err error
		mirror, err = devserver.NewTableMirror(connStr, tableName)
		if err != nil {
			log.Fatalf("table mirror: %v", err)
		}
		tasks, err := mirror.LoadWorkspace(context.Background(), workspaceID)
		if err != nil {
			log.Fatalf("warm start: %v", err)
		}
		repo.Seed(workspaceID, tasks)
		logger.WithField("tasks", len(tasks)).Info("restored board from table storage")
	} else if seed, err := strconv.ParseBool(os.Getenv("SEED_DEMO_BOARD")); err == nil && seed {
		repo.Seed(workspaceID, demoBoard())
	}

	var replay *devserver.ReplayCache
	if redisConn := os.Getenv("REDIS_CONNECTION_STRING"); redisConn != "" {
		rc := redis.NewClient(redisOptions(redisConn))
		ttl := 24 * time.Hour
		if v := os.Getenv("IDEMPOTENCY_TTL"); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil || d <= 0 {
				log.Fatalf("invalid IDEMPOTENCY_TTL: %v", err)
			}
			ttl = d
		}
		replay = devserver.NewReplayCache(rc, ttl)
	}

	var auth devserver.Authenticator
	if secret := os.Getenv("LOCAL_AUTH_SHARED_SECRET"); secret != "" {
		auth = devserver.NewSharedSecretAuth([]byte(secret))
	} else if authDomain := os.Getenv("AUTH_DOMAIN"); authDomain != "" {
		audience := os.Getenv("AUTH_AUDIENCE")
		if audience == "" {
			log.Fatal("AUTH_AUDIENCE must be set with AUTH_DOMAIN")
		}
		jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", authDomain)
		jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
		if err != nil {
			log.Fatalf("jwks: %v", err)
		}
		auth = devserver.NewJWKSAuth(jwks, audience, "https://"+authDomain+"/", 0)
	} else {
		logger.Warn("no auth configured, serving an open board")
	}

	e := echo.New()
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "Idempotency-Key"},
	}))

	if _, err := devserver.Register(e, devserver.Config{
		Repo:        repo,
		Auth:        auth,
		Replay:      replay,
		Mirror:      mirror,
		Logger:      logger,
		WorkspaceID: workspaceID,
	}); err != nil {
		log.Fatalf("register: %v", err)
	}

	listenAddr := ":8080"
	if val, ok := os.LookupEnv("PORT"); ok {
		listenAddr = ":" + val
	}
	e.Logger.Fatal(e.Start(listenAddr))
}

// redisOptions parses a redis URL, falling back to the comma-separated
// "host:port,password=...,ssl=true" form some managed caches hand out.
func redisOptions(conn string) *redis.Options {
	opts, err := redis.ParseURL(conn)
	if err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts = &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(kv[0]) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(kv[1], "true") {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}

func demoBoard() []domain.Task {
	due := time.Now().AddDate(0, 0, 7)
	return []domain.Task{
		{
			ID: "demo-1", Title: "Design board layout", Status: domain.StatusDone,
			Priority: domain.PriorityHigh, Progress: 100, Sprint: "Sprint 1",
		},
		{
			ID: "demo-2", Title: "Implement drag and drop", Status: domain.StatusInProgress,
			Priority: domain.PriorityCritical, DueDate: &due, Sprint: "Sprint 1",
			Subtasks: []domain.Subtask{
				{ID: "demo-2-a", Title: "Column drop targets", Completed: true},
				{ID: "demo-2-b", Title: "Pending-state guard"},
			},
			Progress: 50,
			Dependencies: []domain.Edge{
				{EdgeID: "demo-e1", PrerequisiteID: "demo-1"},
			},
		},
		{
			ID: "demo-3", Title: "Wire silent refresh", Status: domain.StatusTodo,
			Priority: domain.PriorityMedium, Sprint: "Sprint 2", Tags: []string{"sync"},
		},
	}
}
