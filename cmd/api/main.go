package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"keysafe.org/internal/config"
	"keysafe.org/internal/custody"
	"keysafe.org/internal/directory"
	"keysafe.org/internal/events"
	"keysafe.org/internal/httpapi"
	"keysafe.org/internal/notify"
	"keysafe.org/internal/obs"
	"keysafe.org/internal/store/pg"
)

var (
	version = "0.3.0"
	commit  = "dev" // overridden at build time via -ldflags
)

func main() {
	configPath := flag.String("config", "", "optional yaml config file")
	flag.Parse()

	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	otp := custody.OTPConfig{
		Secret:      []byte(cfg.OTPSecret),
		TTL:         cfg.OTPTTL,
		MaxAttempts: cfg.OTPAttempts,
	}

	var (
		svc      custody.Service
		probe    httpapi.ReadyProbe
		notifier notify.Notifier = notify.LogNotifier{}
	)
	if cfg.PGDSN != "" {
		db, err := pg.OpenDB(cfg.PGDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer db.Close()
		notifier = notify.NewPGNotifier(db)
		svc = pg.New(db, directory.NewPGDirectory(db), notifier, otp)
		probe = httpapi.ReadyProbe{DB: db}
	} else {
		// Dev mode: process-local state, demo directory, log notifier.
		dir := directory.NewStatic()
		dir.PutUnit(directory.Unit{ID: "unit-101", OrgID: "org-demo", Name: "Office 101", OwnerID: "user-owner", Active: true})
		dir.PutUser(directory.User{ID: "user-owner", Name: "Alex Owner", Active: true})
		dir.PutUser(directory.User{ID: "user-admin", Name: "Dana Admin", Active: true})
		dir.PutUser(directory.User{ID: "user-guard", Name: "Sam Guard", Active: true})
		dir.PutUser(directory.User{ID: "user-tenant", Name: "Kim Tenant", Active: true})
		svc = custody.NewInMemory(dir, notify.LogNotifier{}, otp)
		obs.LogEvent(map[string]any{"level": "warn", "msg": "no pg_dsn configured, using in-memory state"})
	}

	sweeper := custody.NewSweeper(svc, notifier, custody.SweeperConfig{
		OverdueAfter: cfg.OverdueAfter,
		Interval:     cfg.SweepInterval,
	})
	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	sweeper.Start(sweepCtx)

	bus := events.NewBus()
	api := httpapi.New(probe, version, svc, bus)

	handler := api.Handler()
	handler = httpapi.RateLimit(handler, cfg.RateBurst, cfg.RatePerSec)
	handler = httpapi.MaxBodyBytes(handler, 1<<20)
	handler = httpapi.CORS(handler)
	handler = httpapi.SecurityHeaders(handler)
	handler = httpapi.Logging(handler)
	handler = httpapi.RequestID(handler)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	var grpcSrv *httpapi.GRPCServer
	if cfg.GRPCAddr != "" {
		grpcSrv = httpapi.NewGRPCServer(probe)
		go func() {
			if err := grpcSrv.Serve(cfg.GRPCAddr); err != nil {
				log.Fatalf("grpc listen: %v", err)
			}
		}()
	}

	log.Printf("Starting keysafe-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if grpcSrv != nil {
		grpcSrv.Stop()
	}
	sweepCancel()
	sweeper.Stop()
	log.Println("Stopped")
}
