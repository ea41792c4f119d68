package main

import (
	"context"
	"os"
	"time"

	mongoMigration "slotboard/internal/migrations/mongo"
	"slotboard/pkg/config"
)

const JobName = "mongo-migration"

func main() {
	cfg := config.LoadJob(JobName)
	cfg.SetMongo()
	cfg.Log.Info("Starting Mongo migration job")

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	err := mongoMigration.RunMigration(ctx, cfg.Client.Mongo, cfg.MongoDatabaseName, cfg.Log)
	cancel()

	cfg.GracefulShutdown(context.Background())
	if err != nil {
		cfg.Log.Error("Migration failed", "error", err)
		os.Exit(1)
	}
	cfg.Log.Info("Migration completed successfully")
}
