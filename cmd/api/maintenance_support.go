package main

import (
	"log"
	"time"

	"github.com/yourusername/todo-forge/internal/config"
	"github.com/yourusername/todo-forge/internal/maintenance"
	"github.com/yourusername/todo-forge/internal/session"
	"github.com/yourusername/todo-forge/internal/todo"
)

func setupMaintenance(cfg *config.Config, registry *session.Registry, todoStore *todo.Store) (*maintenance.Manager, error) {
	intervalMinutes := cfg.MaintenanceIntervalMinutes
	if intervalMinutes <= 0 {
		intervalMinutes = 10
	}

	return maintenance.NewManager(
		cfg.RedisURL,
		time.Duration(intervalMinutes)*time.Minute,
		map[string]maintenance.Pruner{
			"sessions": registry,
			"todos":    todoStore,
		},
		log.Default(),
	)
}
