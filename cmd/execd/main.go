package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"

	"github.com/sandboxrun/execd/internal/config"
	"github.com/sandboxrun/execd/internal/coordinator"
	"github.com/sandboxrun/execd/internal/database"
	"github.com/sandboxrun/execd/internal/dispatcher"
	"github.com/sandboxrun/execd/internal/environment"
	"github.com/sandboxrun/execd/internal/events"
	"github.com/sandboxrun/execd/internal/handler"
	"github.com/sandboxrun/execd/internal/jobs"
	"github.com/sandboxrun/execd/internal/routes"
	"github.com/sandboxrun/execd/internal/sandbox/docker"
	"github.com/sandboxrun/execd/internal/store"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	log.Printf("starting execd on port %d", cfg.Port)

	db, err := database.New(cfg)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.Migrate(); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	registry, err := environment.Load(cfg.EnvironmentsFile)
	if err != nil {
		log.Fatalf("failed to load environment catalog: %v", err)
	}

	sandboxProvider, err := docker.NewProvider(cfg, registry)
	if err != nil {
		log.Fatalf("failed to initialize sandbox provider: %v", err)
	}
	defer func() { _ = sandboxProvider.Close() }()

	s := store.New(db.DB)
	broker := events.NewBroker()
	queue := jobs.NewQueue(s, cfg)
	disp := dispatcher.NewService(s, cfg, broker, queue)

	coordinator.RegisterExecutors(disp, s, sandboxProvider, cfg.SessionTTL, cfg.ExecutionTimeout)
	disp.Start(context.Background())

	coord := coordinator.New(s, disp, registry, cfg)
	h := handler.New(coord, registry)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	reg := routes.GetRegistry()

	reg.Register(r, routes.Route{
		Method: "GET", Pattern: "/health",
		Handler: h.Health,
		Meta:    routes.Meta{Group: "Health", Description: "Health check"},
	})
	reg.Register(r, routes.Route{
		Method: "GET", Pattern: "/api/routes",
		Handler: h.GetRoutes,
		Meta:    routes.Meta{Group: "Health", Description: "Route introspection"},
	})

	r.Route("/api/v1", func(r chi.Router) {
		reg.Register(r, routes.Route{
			Method: "GET", Pattern: "/environments",
			Handler: h.ListEnvironments,
			Meta:    routes.Meta{Group: "Environments", Description: "List enabled environments"},
		})
		reg.Register(r, routes.Route{
			Method: "POST", Pattern: "/sessions",
			Handler: h.CreateSession,
			Meta:    routes.Meta{Group: "Sessions", Description: "Create a session"},
		})
		reg.Register(r, routes.Route{
			Method: "GET", Pattern: "/sessions/{id}",
			Handler: h.GetSession,
			Meta:    routes.Meta{Group: "Sessions", Description: "Get a session"},
		})
		reg.Register(r, routes.Route{
			Method: "POST", Pattern: "/sessions/{id}/execute",
			Handler: h.ExecuteSession,
			Meta:    routes.Meta{Group: "Sessions", Description: "Execute code in a session"},
		})
		reg.Register(r, routes.Route{
			Method: "DELETE", Pattern: "/sessions/{id}",
			Handler: h.DeleteSession,
			Meta:    routes.Meta{Group: "Sessions", Description: "Stop a session"},
		})
		reg.Register(r, routes.Route{
			Method: "POST", Pattern: "/execute",
			Handler: h.ExecuteEphemeral,
			Meta:    routes.Meta{Group: "Execute", Description: "Ephemeral one-shot execution"},
		})
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}

	go func() {
		log.Printf("server listening on port %d", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down")

	disp.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("server forced to shutdown: %v", err)
	}

	log.Println("server stopped")
}
