// Command sentryd runs the SentryGate runtime: it loads configuration,
// wires every core component behind a Supervisor, exposes the admin
// HTTP surface, and serves until terminated.
//
// Grounded on the teacher's control_plane/main.go for the
// construct-everything-then-serve shape, its os.Getenv-driven
// connection setup for Redis/Postgres, and its startup banner.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sentrygate/sentrygate/internal/audit"
	"github.com/sentrygate/sentrygate/internal/authn"
	"github.com/sentrygate/sentrygate/internal/broadcast"
	"github.com/sentrygate/sentrygate/internal/config"
	"github.com/sentrygate/sentrygate/internal/event"
	"github.com/sentrygate/sentrygate/internal/httpapi"
	"github.com/sentrygate/sentrygate/internal/processing"
	"github.com/sentrygate/sentrygate/internal/supervisor"

	"github.com/redis/go-redis/v9"
)

func main() {
	configPath := os.Getenv("SENTRYGATE_CONFIG")
	if configPath == "" {
		configPath = "sentrygate.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("sentryd: loading config: %v", err)
	}

	auditSink := buildAuditSink()
	issuer := buildIssuer()
	hub := broadcast.New(broadcast.NewLogPublisher(), broadcast.Config{})
	idem := buildIdempotencyCache()

	sup := supervisor.New(supervisor.Config{
		Queue:               cfg.ToQueueConfig(),
		Balancer:            cfg.ToBalancerConfig(),
		Autoscaler:          cfg.ToAutoscalerConfig(),
		Health:              cfg.ToHealthConfig(),
		HTTPPool:            cfg.ToHTTPPoolManagerConfig(),
		Metrics:             cfg.ToMetricsConfig(),
		Audit:               auditSink,
		NewInstanceEndpoint: func(string) string { return "" },
	}, logOnlyProcessor{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sup.Start(ctx)
	hub.Run(ctx)

	srv := httpapi.New(sup, issuer, hub, idem)
	httpServer := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: srv.Handler(),
	}

	httpapi.RunStartupBanner(cfg.Server.ListenAddr, cfg.Autoscaler.MinInstances, cfg.Autoscaler.MaxInstances)

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("sentryd: http server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Println("sentryd: shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)

	sup.Shutdown(10 * time.Second)
	hub.Stop()
}

// logOnlyProcessor is the default Processor wired when no
// business-specific implementation is injected — it logs the event and
// reports success, the same placeholder role the teacher's Dispatcher
// plays before Reconciler hands off to real executors.
type logOnlyProcessor struct{}

func (logOnlyProcessor) Process(ctx context.Context, evt *event.Event, instanceID string) processing.Result {
	log.Printf("sentryd: processed event %s on instance %s", evt.ID, instanceID)
	return processing.Result{Status: processing.Success}
}

// buildIssuer mirrors auth/jwt.go's init(): a strong secret from
// JWT_SECRET, or a loud warning and an insecure development default.
func buildIssuer() *authn.Issuer {
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		log.Println("sentryd: WARNING: JWT_SECRET not set, using an insecure development secret")
		secret = "insecure-development-secret-change-me-32b"
	}

	var revocation authn.RevocationStore
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		store, err := authn.NewRedisRevocationStore(ctx, addr, os.Getenv("REDIS_PASSWORD"), 0)
		if err != nil {
			log.Printf("sentryd: WARNING: revocation store unavailable: %v", err)
		} else {
			revocation = store
		}
	}

	issuer, err := authn.New(authn.Config{Secret: []byte(secret)}, revocation)
	if err != nil {
		log.Fatalf("sentryd: building authn issuer: %v", err)
	}
	return issuer
}

func buildAuditSink() audit.Sink {
	connString := os.Getenv("DATABASE_URL")
	if connString == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sink, err := audit.NewPostgresSink(ctx, connString)
	if err != nil {
		log.Printf("sentryd: WARNING: audit sink unavailable: %v", err)
		return nil
	}
	return sink
}

func buildIdempotencyCache() httpapi.IdempotencyCache {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: os.Getenv("REDIS_PASSWORD")})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Printf("sentryd: WARNING: idempotency cache unavailable: %v", err)
		return nil
	}
	return httpapi.NewRedisIdempotencyCache(client, 0)
}
