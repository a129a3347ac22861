package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"go.uber.org/zap"

	"casa/internal/bootstrap"
	"casa/internal/config"
	"casa/internal/model"
	"casa/internal/repository"
	"casa/internal/storage"
	"casa/migrations"
	"casa/pkg/db"
	"casa/pkg/logger"
)

func main() {
	promote := flag.String("admin", "", "email of an existing user to promote to admin after migrating")
	flag.Parse()

	cfg, err := config.Load(bootstrap.ConfigDir())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	log := logger.NewLogger(cfg.LogLevel)
	defer log.Sync()

	if cfg.Memory() {
		log.Info("Memory driver configured, nothing to migrate")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pool, err := db.NewConnection(ctx, cfg.DB, log)
	if err != nil {
		log.Fatal("DB initialization failed", zap.Error(err))
	}
	defer pool.Close()

	applied, err := db.Migrate(ctx, pool, migrations.FS, log)
	if err != nil {
		log.Fatal("Migration failed", zap.Error(err))
	}
	log.Info("Migrations complete", zap.Int("applied", applied))

	if *promote != "" {
		if err := promoteAdmin(ctx, repository.NewStore(pool, log), *promote); err != nil {
			log.Fatal("Failed to promote admin", zap.String("email", *promote), zap.Error(err))
		}
		log.Info("User promoted to admin", zap.String("email", *promote))
	}
}

func promoteAdmin(ctx context.Context, store storage.Store, email string) error {
	u, err := store.Users().GetByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("no user registered with %s", email)
	}
	if err != nil {
		return err
	}
	return store.Users().SetRole(ctx, u.ID, model.RoleAdmin)
}
