package main

import (
	"context"
	"time"

	"slotboard/internal/appointments/events"
	"slotboard/internal/appointments/handler"
	"slotboard/internal/appointments/repository"
	"slotboard/internal/appointments/service"
	"slotboard/internal/appointments/validator"
	"slotboard/internal/broadcast"
	"slotboard/internal/health"
	mongoMigration "slotboard/internal/migrations/mongo"
	"slotboard/internal/realtime"
	"slotboard/internal/softlock"
	"slotboard/pkg/app"
	"slotboard/pkg/auth"
	"slotboard/pkg/config"
	"slotboard/pkg/contracts"
	"slotboard/pkg/kafka"
	kafka_middleware "slotboard/pkg/kafka/middleware"
)

const (
	ServiceName      = "slotboard"
	migrationTimeout = 60 * time.Second
)

func main() {
	cfg := config.Load(ServiceName)
	cfg.Log.Info("Starting Slotboard service")

	cfg.SetMongo()
	if cfg.UsesRedis() {
		cfg.SetRedis()
	}
	migrate(cfg)

	serverApp := app.NewApplication(cfg)

	hub := broadcast.NewHub(cfg.Log, cfg.WSSendBuffer)
	publisher := initPublisher(cfg, hub, serverApp)
	holds := initRegistry(cfg)
	notifier := initNotifier(cfg, serverApp)

	appointmentValidator := validator.NewAppointmentValidator(cfg.Log)
	appointmentService := service.NewAppointmentService(
		repository.NewMongoAppointmentRepository(cfg),
		appointmentValidator,
		holds,
		publisher,
		notifier,
		cfg,
	)
	cfg.Log.Info("Appointment service initialized", "database", cfg.MongoDatabaseName)

	manager := realtime.NewManager(holds, publisher, cfg)
	serverApp.AddWorker(contracts.WorkerFunc(manager.RunSweeper))
	realtimeHandler := realtime.NewHandler(manager, hub, appointmentValidator, cfg)

	serverApp.SetApp(app.Routes{
		Health:   health.NewHealthHandler(cfg.Log, healthChecks(cfg)...),
		Realtime: realtimeHandler,
		API:      []contracts.Handler{handler.NewAppointmentHandler(appointmentService, cfg.Log)},
	}, auth.NewService(cfg.JWTSecret, 0))

	// Hijacked websockets outlive server.Shutdown. Their disconnect cleanup
	// needs the registry and publisher, so it has to finish before the hub
	// stops and the storage clients close.
	serverApp.OnShutdown(func(ctx context.Context) {
		if err := realtimeHandler.Drain(ctx); err != nil {
			cfg.Log.Error("Websocket drain incomplete", "error", err)
		}
	})
	serverApp.OnShutdown(func(context.Context) {
		hub.Stop()
		cfg.Log.Info("Broadcast hub stopped", "dropped_events", hub.Dropped())
	})
	serverApp.OnShutdown(cfg.GracefulShutdown)

	serverApp.Run()
}

func migrate(cfg *config.Config) {
	if !cfg.MongoAutoMigrate {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), migrationTimeout)
	defer cancel()

	if err := mongoMigration.RunMigration(ctx, cfg.Client.Mongo, cfg.MongoDatabaseName, cfg.Log); err != nil {
		cfg.Log.Fatal("Mongo migration failed", "error", err)
	}
}

// initPublisher picks where broadcast events go. With the redis backend every
// instance publishes to Redis and relays the channel back into its local hub.
func initPublisher(cfg *config.Config, hub *broadcast.Hub, serverApp *app.Application) broadcast.Publisher {
	if cfg.BroadcastBackend != config.BackendRedis {
		cfg.Log.Info("Using in-process broadcast hub")
		return hub
	}

	relay := broadcast.NewRedisRelay(cfg.Client.Redis, cfg.BroadcastChannel, hub, cfg.Log)
	ctx, cancel := context.WithCancel(context.Background())
	relayDone, err := relay.Subscribe(ctx)
	if err != nil {
		cancel()
		cfg.Log.Fatal("Failed to subscribe to broadcast channel", "error", err)
	}
	serverApp.OnShutdown(func(shutdownCtx context.Context) {
		cancel()
		select {
		case <-relayDone:
		case <-shutdownCtx.Done():
		}
	})
	return relay
}

func initRegistry(cfg *config.Config) softlock.Registry {
	if cfg.SoftLockBackend == config.BackendRedis {
		cfg.Log.Info("Using Redis soft-lock registry")
		return softlock.NewRedisRegistry(cfg.Client.Redis)
	}
	cfg.Log.Info("Using in-memory soft-lock registry")
	return softlock.NewMemoryRegistry()
}

func initNotifier(cfg *config.Config, serverApp *app.Application) service.Notifier {
	if !cfg.Kafka.Enabled {
		cfg.Log.Info("Kafka disabled, lifecycle events are not exported")
		return events.NoopNotifier{}
	}

	producer, err := kafka.NewProducer(cfg.Kafka, cfg.Log)
	if err != nil {
		cfg.Log.Fatal("Failed to create Kafka producer", "error", err)
	}
	if cfg.Kafka.EnableMiddleware {
		producer.Use(kafka_middleware.LoggingProducerMiddleware(cfg.Log))
	}
	serverApp.OnShutdown(func(context.Context) {
		if err := producer.Close(); err != nil {
			cfg.Log.Error("Failed to close Kafka producer", "error", err)
		}
	})

	cfg.Log.Info("Kafka lifecycle events enabled", "topic", producer.Topic())
	return events.NewKafkaNotifier(producer, cfg.Kafka.PublishTimeout)
}

func healthChecks(cfg *config.Config) []health.Check {
	checks := []health.Check{health.MongoCheck(cfg.Client.Mongo)}
	if cfg.Client.Redis != nil {
		checks = append(checks, health.RedisCheck(cfg.Client.Redis))
	}
	return checks
}
