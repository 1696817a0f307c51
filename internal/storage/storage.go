// Package storage opens the configured reminder store backend.
package storage

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/tandem/internal/db"
	"github.com/lalithlochan/tandem/internal/engine"
	"github.com/lalithlochan/tandem/internal/memstore"
	"github.com/lalithlochan/tandem/internal/mongostore"
)

// Store is everything the engine, the push dispatcher and the worker need
// from persistence.
type Store interface {
	engine.ReminderStore
	engine.Directory
	RemovePushToken(ctx context.Context, userID, token string) error
}

// Handle is an open backend.
type Handle struct {
	Store   Store
	Backend string
	Health  func(ctx context.Context) error
	Close   func()
}

// Open connects to backend ("postgres", "mongo" or "memory").
func Open(ctx context.Context, backend string, pg db.Config, mongo mongostore.Config, logger *zap.Logger) (*Handle, error) {
	switch backend {
	case "postgres":
		database, err := db.New(ctx, pg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		logger.Info("database connection established",
			zap.String("host", pg.Host),
			zap.Int("port", pg.Port),
			zap.String("database", pg.Database),
		)
		return &Handle{
			Store:   db.NewStore(database, logger),
			Backend: backend,
			Health:  database.Health,
			Close:   database.Close,
		}, nil

	case "mongo":
		s, err := mongostore.Connect(ctx, mongo, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to mongo: %w", err)
		}
		return &Handle{
			Store:   s,
			Backend: backend,
			Health:  s.Ping,
			Close: func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := s.Close(ctx); err != nil {
					logger.Warn("mongo disconnect failed", zap.Error(err))
				}
			},
		}, nil

	case "memory":
		logger.Warn("using in-memory store, data is lost on exit")
		return &Handle{
			Store:   memstore.New(),
			Backend: backend,
			Health:  func(context.Context) error { return nil },
			Close:   func() {},
		}, nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}
