package main

import (
	"context"
	"database/sql"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"keygate.org/internal/auth"
	"keygate.org/internal/httpapi"
	"keygate.org/internal/obs"
)

var version = "0.3.0"

func main() {
	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("KEYGATE_COMMIT"))
	log := obs.Logger()

	var db *sql.DB
	if dsn := os.Getenv("KEYGATE_PG_DSN"); dsn != "" {
		var err error
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			log.Fatal().Err(err).Msg("open db")
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	var store auth.Store
	if db != nil {
		store = auth.NewPGStore(db)
	} else {
		log.Warn().Msg("KEYGATE_PG_DSN not set, using in-memory store")
		store = auth.NewMemStore()
	}

	cfg := auth.Config{
		DefaultTokenTTL: envDuration("KEYGATE_TOKEN_TTL", 0),
		MaxTokenTTL:     envDuration("KEYGATE_MAX_TOKEN_TTL", 0),
		SigninCodeTTL:   envDuration("KEYGATE_SIGNIN_CODE_TTL", 0),
		RestoreCodeTTL:  envDuration("KEYGATE_RESTORE_CODE_TTL", 0),
		BcryptCost:      envInt("KEYGATE_BCRYPT_COST", 0),
		AdminPermission: os.Getenv("KEYGATE_ADMIN_PERMISSION"),
	}

	svc, err := auth.NewService(store, cfg,
		auth.WithLogger(log),
		auth.WithPasswordPolicy(auth.MinLengthPolicy(envInt("KEYGATE_MIN_PASSWORD_LEN", 8))),
		auth.WithDelivery(func(ctx context.Context, contact, code string) error {
			// Log-backed sender; replace with the SMTP/SMS gateway hookup.
			log.Info().Str("contact", contact).Msg("one-time code issued")
			return nil
		}),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("init auth service")
	}

	api := httpapi.New(svc, httpapi.ReadyProbe{DB: db}, version)

	addr := os.Getenv("KEYGATE_HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr: addr,
		Handler: api.Handler(httpapi.Options{
			RateBurst:     envInt("KEYGATE_RATE_BURST", 0),
			RatePerSecond: envInt("KEYGATE_RATE_PER_SECOND", 0),
		}),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// optional gRPC health endpoint
	if grpcAddr := os.Getenv("KEYGATE_GRPC_ADDR"); grpcAddr != "" {
		lis, err := net.Listen("tcp", grpcAddr)
		if err != nil {
			log.Fatal().Err(err).Str("addr", grpcAddr).Msg("grpc listen")
		}
		gs := httpapi.NewGRPCHealthServer(httpapi.ReadyProbe{DB: db})
		go func() {
			if err := gs.Serve(ctx, lis); err != nil {
				log.Error().Err(err).Msg("grpc serve")
			}
		}()
		log.Info().Str("addr", grpcAddr).Msg("grpc health listening")
	}

	log.Info().Str("addr", addr).Str("version", version).Msg("starting keygate-api")

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Info().Msg("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	if db != nil {
		_ = db.Close()
	}
	log.Info().Msg("stopped")
}

func envDuration(key string, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		logger := obs.Logger()
		logger.Fatal().Str("key", key).Str("value", raw).Msg("invalid duration")
	}
	return d
}

func envInt(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		logger := obs.Logger()
		logger.Fatal().Str("key", key).Str("value", raw).Msg("invalid integer")
	}
	return n
}
