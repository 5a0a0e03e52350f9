package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"taybat_back_end/internal/catalog"
	"taybat_back_end/internal/config"
	"taybat_back_end/internal/database"
	"taybat_back_end/internal/dispatch"
	"taybat_back_end/internal/drivers"
	"taybat_back_end/internal/eligibility"
	"taybat_back_end/internal/events"
	"taybat_back_end/internal/handlers"
	"taybat_back_end/internal/identity"
	"taybat_back_end/internal/lock"
	"taybat_back_end/internal/metrics"
	"taybat_back_end/internal/orderflow"
	"taybat_back_end/internal/orders"
	"taybat_back_end/internal/payments"
	"taybat_back_end/internal/realtime"
	"taybat_back_end/internal/routes"
	"taybat_back_end/internal/store"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg := config.Load()
	if cfg.JWTSecret == "" {
		log.Fatal("❌ JWT_SECRET manquant")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clients, err := database.Connect(ctx, cfg)
	if err != nil {
		log.Fatalf("❌ Connexion aux bases: %v", err)
	}
	defer clients.Close()

	m := metrics.New(nil)
	hub := realtime.NewHub()
	app := wire(cfg, clients, m, hub)

	r := gin.Default()
	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORSOrigin,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	routes.RegisterRoutes(r, routes.Deps{
		Handler:   handlers.New(app.service),
		Hub:       hub,
		Metrics:   m,
		Identity:  app.identity,
		Redis:     redisOrNil(clients),
		JWTSecret: []byte(cfg.JWTSecret),
	})

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return app.bus.Run(gctx) })
	g.Go(func() error { return app.service.Run(gctx, cfg.SweepEvery) })
	if clients.Redis != nil {
		g.Go(func() error { return hub.Relay(gctx, clients.Redis) })
	}
	g.Go(func() error {
		log.Println("🚀 Serveur Taybat lancé sur le port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdown)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("❌ Arrêt sur erreur: %v", err)
	}
	if app.kafka != nil {
		if err := app.kafka.Close(); err != nil {
			log.Printf("⚠️ Fermeture Kafka: %v", err)
		}
	}
	log.Println("✅ Serveur arrêté")
}

type application struct {
	service  *orders.Service
	identity identity.Checker
	bus      *events.Bus
	kafka    *events.KafkaSink
}

// redisOrNil évite un nil typé dans l'interface.
func redisOrNil(c *database.Clients) redis.UniversalClient {
	if c.Redis == nil {
		return nil
	}
	return c.Redis
}

// wire assemble les composants : Scylla/Redis si configurés, sinon mémoire.
func wire(cfg config.Config, clients *database.Clients, m *metrics.Metrics, hub *realtime.Hub) *application {
	app := &application{}

	sinks := []events.Sink{m.Sink()}
	if len(cfg.KafkaBrokers) > 0 {
		app.kafka = events.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
		sinks = append(sinks, app.kafka)
	}
	if clients.Elastic != nil {
		sinks = append(sinks, events.NewElasticSink(clients.Elastic, cfg.ElasticIndex))
	}
	if clients.Redis != nil {
		// le hub relaie depuis Redis pour couvrir toutes les instances
		sinks = append(sinks, events.NewRedisSink(clients.Redis))
	} else {
		sinks = append(sinks, hub)
	}

	var (
		st  store.Store
		cat interface {
			catalog.Catalog
			catalog.Coupons
		}
		ids    identity.Checker
		dir    drivers.Directory
		outbox events.Outbox
		locker lock.Locker
		queue  dispatch.ManualQueue
		emails events.EmailLookup
	)

	if clients.Scylla != nil {
		st = store.NewScylla(clients.Scylla)
		cat = catalog.NewScylla(clients.Scylla)
		scyllaIDs := identity.NewScylla(clients.Scylla, redisOrNil(clients))
		ids, emails = scyllaIDs, scyllaIDs
		outbox = events.NewScyllaOutbox(clients.Scylla)
		if clients.Redis != nil {
			dir = drivers.NewRedis(clients.Redis, scyllaIDs)
		} else {
			log.Println("⚠️ REDIS_HOST absent : présence livreurs en mémoire, profils lus dans ScyllaDB")
			dir = drivers.NewMemory().WithSource(scyllaIDs)
		}
	} else {
		log.Println("⚠️ SCYLLA_HOSTS absent : stockage en mémoire (mode local)")
		st = store.NewMemory()
		cat = catalog.NewMemory()
		static := identity.NewStatic()
		ids, emails = static, static
		outbox = events.NewMemoryOutbox()
		dir = drivers.NewMemory()
	}

	if clients.Redis != nil {
		locker = lock.NewRedisLocker(clients.Redis, cfg.LockTTL)
		queue = dispatch.NewRedisQueue(clients.Redis)
	} else {
		locker = lock.NewKeyedMutex()
		queue = dispatch.NewMemoryQueue()
	}

	if cfg.SMTPHost != "" {
		sinks = append(sinks, events.NewMailSink(events.MailConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUser,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		}, emails))
	}

	var gateway payments.Gateway
	if cfg.StripeSecretKey != "" {
		gateway = payments.NewStripeGateway(cfg.StripeSecretKey)
		log.Println("✅ Stripe initialisé")
	} else {
		log.Println("⚠️ STRIPE_SECRET_KEY absent : prestataire de paiement simulé")
		gateway = payments.NewMockGateway()
	}

	app.bus = events.NewBus(cfg.EventBuffer, cfg.EventRetries, 500*time.Millisecond, sinks...).
		WithOutbox(outbox, cfg.EventRedeliverEvery)
	app.identity = ids

	machine := orderflow.NewMachine(st, ids, app.bus)
	evaluator := eligibility.NewEvaluator(dir, ids, st, cfg.Eligibility)
	sched := dispatch.NewScheduler(st, evaluator, machine, app.bus, queue, cfg.Dispatch)
	pay := payments.NewCoordinator(st, gateway, app.bus, payments.Retry{
		Attempts:   cfg.PaymentAttempts,
		Backoff:    cfg.PaymentBackoff,
		MaxBackoff: 5 * time.Second,
	})

	app.service = orders.NewService(orders.Deps{
		Store:    st,
		Catalog:  cat,
		Coupons:  cat,
		Identity: ids,
		Drivers:  dir,
		Locker:   locker,
		Machine:  machine,
		Dispatch: sched,
		Queue:    queue,
		Payments: pay,
	}, orders.Config{
		Currency:        cfg.Currency,
		FoodDeliveryFee: cfg.FoodDeliveryFee,
		ServiceFee:      cfg.ServiceFee,
		Rates:           cfg.Rates,
		CatalogRetry:    payments.Retry{Attempts: 3, Backoff: 100 * time.Millisecond},
	}).OnSweep(func(r orders.SweepReport) {
		m.Sweep(r.Expired, r.Offered, r.Exhausted)
	})
	return app
}
