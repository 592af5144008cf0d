package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/YelzhanWeb/pizzasync/internal/adapter/apiclient"
	"github.com/YelzhanWeb/pizzasync/internal/adapter/logger"
	"github.com/YelzhanWeb/pizzasync/internal/adapter/memory"
	"github.com/YelzhanWeb/pizzasync/internal/adapter/metrics"
	"github.com/YelzhanWeb/pizzasync/internal/adapter/postgres"
	"github.com/YelzhanWeb/pizzasync/internal/adapter/rabbitmq"
	"github.com/YelzhanWeb/pizzasync/internal/adapter/ws"
	"github.com/YelzhanWeb/pizzasync/internal/app/broadcast"
	"github.com/YelzhanWeb/pizzasync/internal/app/kitchen"
	"github.com/YelzhanWeb/pizzasync/internal/app/order"
	"github.com/YelzhanWeb/pizzasync/internal/app/reconcile"
	"github.com/YelzhanWeb/pizzasync/internal/app/tracking"
	"github.com/YelzhanWeb/pizzasync/internal/config"
	"github.com/YelzhanWeb/pizzasync/internal/domain"
	"github.com/YelzhanWeb/pizzasync/internal/interfaces"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	amqpAdapter "github.com/YelzhanWeb/pizzasync/internal/adapter/amqp"
	httpAdapter "github.com/YelzhanWeb/pizzasync/internal/adapter/http"
	kafkaAdapter "github.com/YelzhanWeb/pizzasync/internal/adapter/kafka"
	redisAdapter "github.com/YelzhanWeb/pizzasync/internal/adapter/redis"
)

func main() {
	// Parse command-line flags
	mode := flag.String("mode", "", "Service mode: order-service, kitchen-client, customer-client, notification-subscriber")
	configPath := flag.String("config", "config.yaml", "Path to YAML config")
	port := flag.Int("port", 0, "HTTP port (overrides server.port)")
	customer := flag.String("customer", "", "Customer identity (for customer-client)")
	prefetch := flag.Int("prefetch", 10, "RabbitMQ prefetch count")
	flag.Parse()

	if *mode == "" {
		log.Fatal("--mode flag is required")
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	if *customer != "" {
		cfg.Client.Customer = *customer
	}

	lgr := logger.NewWithWriter(*mode, os.Stdout, logger.ParseLevel(cfg.Log.Level))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch *mode {
	case "order-service":
		err = runOrderService(ctx, cfg, lgr, *prefetch)
	case "kitchen-client":
		err = runClient(ctx, cfg, lgr, interfaces.JoinRequest{Role: domain.RoleKitchen})
	case "customer-client":
		if cfg.Client.Customer == "" {
			log.Fatal("--customer is required for customer-client mode")
		}
		err = runClient(ctx, cfg, lgr, interfaces.JoinRequest{Role: domain.RoleCustomer, Customer: cfg.Client.Customer})
	case "notification-subscriber":
		err = runNotificationSubscriber(ctx, cfg, lgr, *prefetch)
	default:
		log.Fatalf("Invalid mode: %s", *mode)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		lgr.Error("service_failed", "Service stopped with error", "runtime", nil, err)
		os.Exit(1)
	}
	lgr.Info("shutdown_complete", "Service stopped", "shutdown", nil)
}

func runOrderService(ctx context.Context, cfg *config.Config, lgr logger.Logger, prefetch int) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// 1. Хранилище заказов
	store, closeStore, err := openStore(ctx, cfg, lgr)
	if err != nil {
		return err
	}
	defer closeStore()

	// 2. Ключи идемпотентности
	var idempotency interfaces.IdempotencyStore = memory.NewIdempotencyStore()
	if cfg.Redis.Addr != "" {
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		idempotency = redisAdapter.NewIdempotencyStore(client)
		lgr.Info("redis_connected", "Connected to Redis", "startup", map[string]interface{}{"addr": cfg.Redis.Addr})
	}

	bus := broadcast.New(lgr, m, broadcast.Options{
		Buffer:        cfg.Events.SubscriberBuffer,
		CreatedPolicy: broadcast.CreatedPolicy(cfg.Events.CreatedPolicy),
	})
	defer bus.Close()

	g, ctx := errgroup.WithContext(ctx)

	// 3. Ретрансляция событий между экземплярами
	publisher, err := openRelay(ctx, g, cfg, lgr, bus, prefetch)
	if err != nil {
		return err
	}

	orderService := order.NewService(store, idempotency, publisher, lgr, m).WithIdempotencyTTL(cfg.Redis.KeyTTL)
	kitchenService := kitchen.NewService(store, publisher, lgr, m)
	trackingService := tracking.NewService(store, lgr)

	handler := httpAdapter.NewRouter(httpAdapter.RouterConfig{
		Orders:         httpAdapter.NewOrderHandler(orderService, kitchenService, lgr),
		Tracking:       httpAdapter.NewTrackingHandler(trackingService, lgr),
		Events:         ws.NewServer(bus, orderService, kitchenService, lgr).WithAllowedOrigins(cfg.Server.AllowedOrigins),
		Metrics:        m,
		MetricsHandler: metrics.Handler(reg),
		RequestTimeout: cfg.Server.WriteTimeout,
		Logger:         lgr,
	})

	server := &http.Server{
		Addr:        cfg.Server.Addr(),
		Handler:     handler,
		ReadTimeout: cfg.Server.ReadTimeout,
		// WriteTimeout stays zero: websocket sessions outlive any request timeout.
		IdleTimeout: 60 * time.Second,
	}

	g.Go(func() error {
		lgr.Info("service_started", fmt.Sprintf("Order Service started on %s", server.Addr), "startup", map[string]interface{}{
			"store": cfg.Store.Driver,
			"relay": cfg.Events.Relay,
		})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Graceful shutdown
	g.Go(func() error {
		<-ctx.Done()
		lgr.Info("shutdown_initiated", "Shutting down Order Service", "shutdown", nil)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		// close event channels first so Shutdown does not wait on them
		bus.Close()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config, lgr logger.Logger) (interfaces.OrderStore, func(), error) {
	if cfg.Store.Driver != "postgres" {
		return memory.NewOrderStore(), func() {}, nil
	}

	if cfg.Database.Migrate {
		if err := postgres.Migrate(cfg.Database); err != nil {
			return nil, nil, err
		}
		lgr.Info("db_migrated", "Database schema is up to date", "startup", nil)
	}

	db, err := postgres.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	lgr.Info("db_connected", "Connected to PostgreSQL database", "startup", map[string]interface{}{
		"host": cfg.Database.Host,
		"db":   cfg.Database.Database,
	})
	return postgres.NewOrderRepository(db), db.Close, nil
}

// openRelay returns the publisher the services write to. With a relay every
// instance, this one included, receives events back from the broker and
// hands them to its broadcaster.
func openRelay(ctx context.Context, g *errgroup.Group, cfg *config.Config, lgr logger.Logger, bus *broadcast.Broadcaster, prefetch int) (interfaces.EventPublisher, error) {
	relay := amqpAdapter.NewRelayHandler(bus, lgr)

	switch cfg.Events.Relay {
	case "rabbitmq":
		mqConn, err := rabbitmq.Connect(cfg.RabbitMQ)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
		}
		lgr.Info("rabbitmq_connected", "Connected to RabbitMQ", "startup", map[string]interface{}{
			"host":     cfg.RabbitMQ.Host,
			"exchange": cfg.RabbitMQ.Exchange,
		})

		consumer := rabbitmq.NewConsumer(mqConn, cfg.RabbitMQ.Exchange, prefetch, cfg.RabbitMQ.ReconnectDelay, lgr)
		g.Go(func() error {
			defer mqConn.Close()
			return ignoreCanceled(consumer.ConsumeEvents(ctx, relay.HandleEvent))
		})
		return rabbitmq.NewPublisher(mqConn, cfg.RabbitMQ.Exchange), nil

	case "kafka":
		publisher := kafkaAdapter.NewPublisher(cfg.Kafka.Topic, cfg.Kafka.Brokers...)
		consumer := kafkaAdapter.NewConsumer(cfg.Kafka.Topic, kafkago.LastOffset, lgr, cfg.Kafka.Brokers...)
		lgr.Info("kafka_configured", "Relaying events through Kafka", "startup", map[string]interface{}{
			"brokers": cfg.Kafka.Brokers,
			"topic":   cfg.Kafka.Topic,
		})

		g.Go(func() error {
			defer publisher.Close()
			defer consumer.Close()
			return ignoreCanceled(consumer.ConsumeEvents(ctx, relay.HandleEvent))
		})
		return publisher, nil

	default:
		return bus, nil
	}
}

func runClient(ctx context.Context, cfg *config.Config, lgr logger.Logger, join interfaces.JoinRequest) error {
	api := apiclient.New(cfg.Client.APIURL, cfg.Client.RequestTimeout, string(join.Role), lgr).WithCustomer(join.Customer)
	view := reconcile.NewView()

	view.OnChange(func(c reconcile.Change) {
		details := map[string]interface{}{
			"order_id": c.Order.ID,
			"customer": c.Order.CustomerName,
			"status":   c.Order.Status,
		}
		if action, ok := domain.ActionFor(c.Order.Status); ok && join.Role == domain.RoleKitchen {
			details["next_action"] = action.Label
		}
		if c.Previous == "" {
			lgr.Info("order_seen", "New order in view", "", details)
			return
		}
		details["previous_status"] = c.Previous
		lgr.Info("order_updated", fmt.Sprintf("Order moved %s -> %s", c.Previous, c.Order.Status), "", details)

		if c.Order.Status == domain.StatusDelivered {
			go logTimeline(ctx, api, c.Order.ID, lgr)
		}
	})

	r := reconcile.New(ws.NewDialer(cfg.Client.EventsURL), api, view, join, reconcile.Options{
		BackoffBase: cfg.Client.BackoffBase,
		BackoffCap:  cfg.Client.BackoffCap,
	}, lgr)

	lgr.Info("service_started", "Reconciliation client started", "startup", map[string]interface{}{
		"role":       join.Role,
		"customer":   join.Customer,
		"api_url":    cfg.Client.APIURL,
		"events_url": cfg.Client.EventsURL,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCanceled(r.Run(ctx))
	})
	g.Go(func() error {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				counts := make(map[string]interface{})
				for status, orders := range view.ByStatus() {
					counts[string(status)] = len(orders)
				}
				counts["ready"] = view.Ready()
				lgr.Info("view_summary", "Orders by status", "", counts)
			}
		}
	})
	return g.Wait()
}

func runNotificationSubscriber(ctx context.Context, cfg *config.Config, lgr logger.Logger, prefetch int) error {
	notificationHandler := amqpAdapter.NewNotificationHandler(lgr, os.Stdout)

	var consumer interfaces.EventConsumer
	switch cfg.Events.Relay {
	case "kafka":
		kc := kafkaAdapter.NewConsumer(cfg.Kafka.Topic, kafkago.LastOffset, lgr, cfg.Kafka.Brokers...)
		defer kc.Close()
		consumer = kc
	default:
		mqConn, err := rabbitmq.Connect(cfg.RabbitMQ)
		if err != nil {
			return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
		}
		defer mqConn.Close()
		consumer = rabbitmq.NewConsumer(mqConn, cfg.RabbitMQ.Exchange, prefetch, cfg.RabbitMQ.ReconnectDelay, lgr)
	}

	lgr.Info("service_started", "Notification Subscriber started", "startup", map[string]interface{}{
		"relay": cfg.Events.Relay,
	})
	return ignoreCanceled(consumer.ConsumeEvents(ctx, notificationHandler.HandleNotification))
}

// logTimeline prints the status history of a delivered order.
func logTimeline(ctx context.Context, api *apiclient.Client, orderID string, lgr logger.Logger) {
	history, err := api.GetOrderHistory(ctx, orderID)
	if err != nil {
		lgr.Warn("order_timeline_failed", "Failed to fetch order history", "", map[string]interface{}{
			"order_id": orderID,
			"error":    err.Error(),
		})
		return
	}
	steps := make([]string, 0, len(history))
	for _, h := range history {
		steps = append(steps, fmt.Sprintf("%s@%s by %s", h.Status, h.ChangedAt.Format(time.RFC3339), h.ChangedBy))
	}
	lgr.Info("order_timeline", "Order delivered", "", map[string]interface{}{
		"order_id": orderID,
		"history":  steps,
	})
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
