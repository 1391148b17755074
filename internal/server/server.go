package server

import (
	"fmt"
	"net/http"
	"time"

	"paperflow/internal/cache"
	"paperflow/internal/config"
	"paperflow/internal/database"
	"paperflow/internal/orchestrator"
	"paperflow/internal/rabbitmq"
)

type Server struct {
	orch    *orchestrator.Orchestrator
	tracker *orchestrator.ProgressTracker
	db      database.Database
	cache   cache.Cache
	rabbit  rabbitmq.Client
	config  config.Config
}

func New(config config.Config, db database.Database, c cache.Cache, rabbit rabbitmq.Client, orch *orchestrator.Orchestrator, tracker *orchestrator.ProgressTracker) *http.Server {
	server := Server{
		orch:    orch,
		tracker: tracker,
		db:      db,
		cache:   c,
		rabbit:  rabbit,
		config:  config,
	}

	return &http.Server{
		Addr:         fmt.Sprintf(":%v", config.Port),
		Handler:      server.RegisterRoutes(),
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}
