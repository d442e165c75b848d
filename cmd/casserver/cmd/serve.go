package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/jrsteele09/go-cas-server/authentication"
	"github.com/jrsteele09/go-cas-server/cas"
	"github.com/jrsteele09/go-cas-server/internal/config"
	"github.com/jrsteele09/go-cas-server/protocol"
	"github.com/jrsteele09/go-cas-server/server"
	"github.com/jrsteele09/go-cas-server/services"
	"github.com/jrsteele09/go-cas-server/session"
	"github.com/jrsteele09/go-cas-server/session/boltstore"
	"github.com/jrsteele09/go-cas-server/session/memstore"
	"github.com/jrsteele09/go-cas-server/session/redistore"
	"github.com/jrsteele09/go-cas-server/users"
	boltuserrepo "github.com/jrsteele09/go-cas-server/users/boltrepo"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	bolt "go.etcd.io/bbolt"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the single sign-on authority",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return serve(cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(cfg config.Config) error {
	logger := newLogger(cfg.Server.Env)

	userRepo, closeUsers, err := openUserRepo(cfg)
	if err != nil {
		return err
	}
	defer closeUsers()

	if err := seedUsers(userRepo, cfg.Users); err != nil {
		return err
	}

	passwordHandler, err := authentication.NewPasswordHandler(userRepo)
	if err != nil {
		return err
	}
	authManager, err := authentication.NewManager(
		[]authentication.Handler{
			passwordHandler,
			authentication.NewHTTPSEndpointHandler(),
		},
		authentication.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	servicesManager, err := services.NewManager(cfg.Services...)
	if err != nil {
		return err
	}

	sessionConfig := session.NewConfig(
		session.WithSessionPolicy(session.LongTermSelector{
			Standard: session.SlidingWindow{Idle: cfg.Session.GetIdleTimeout()},
			LongTerm: session.HardTimeout{TTL: cfg.Session.GetLongTermTimeout()},
		}),
		session.WithAccessPolicy(session.HardTimeout{TTL: cfg.Session.GetAccessTTL()}),
		session.WithNotifier(session.NewHTTPLogoutNotifier(&http.Client{Timeout: 5 * time.Second})),
	)

	storage, closeStorage, err := openSessionStorage(cfg, sessionConfig)
	if err != nil {
		return err
	}
	defer closeStorage()

	factories := []cas.ServiceAccessResponseFactory{
		protocol.NewCAS1Factory(),
		protocol.NewCAS2Factory(),
	}
	if cfg.JWT.Secret != "" {
		jwtFactory, err := protocol.NewJWTFactory([]byte(cfg.JWT.Secret), cfg.JWT.Issuer)
		if err != nil {
			return err
		}
		factories = append(factories, jwtFactory)
	}

	service, err := cas.New(authManager, storage, servicesManager, factories, cas.WithLogger(logger))
	if err != nil {
		return err
	}

	srv, err := server.New(service, server.WithLogger(logger))
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	done := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			done <- errors.Wrap(err, "[serve] listening")
			return
		}
		done <- nil
	}()

	displayAppName("CAS Server")
	logger.Info().Str("port", cfg.Server.Port).Str("storage", cfg.Storage.Backend).Msg("server listening")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			return errors.Wrap(err, "[serve] shutdown")
		}
		return nil
	case err := <-done:
		return err
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "DEV" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

func openUserRepo(cfg config.Config) (users.Repo, func(), error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.UsersPath), 0o700); err != nil {
		return nil, nil, errors.Wrap(err, "[serve] creating users directory")
	}
	db, err := bolt.Open(cfg.Storage.UsersPath, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, nil, errors.Wrap(err, "[serve] opening users database")
	}
	repo, err := boltuserrepo.New(db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return repo, func() { db.Close() }, nil
}

// seedUsers ensures the configured accounts exist. Existing accounts are
// left untouched so password changes made at runtime survive a restart.
func seedUsers(repo users.Repo, seeds []config.UserSeed) error {
	for _, seed := range seeds {
		if _, err := repo.GetByUsername(seed.Username); err == nil {
			continue
		}
		hash, err := users.HashPassword(seed.Password)
		if err != nil {
			return errors.Wrapf(err, "[serve] hashing password for %s", seed.Username)
		}
		err = repo.Upsert(&users.User{
			Username:     seed.Username,
			PasswordHash: hash,
			Attributes:   seed.Attributes,
			DateJoined:   time.Now(),
			Disabled:     seed.Disabled,
		})
		if err != nil {
			return errors.Wrapf(err, "[serve] seeding user %s", seed.Username)
		}
	}
	return nil
}

func openSessionStorage(cfg config.Config, sessionConfig *session.Config) (session.Storage, func(), error) {
	switch cfg.Storage.Backend {
	case config.StorageMemory:
		store := memstore.New(sessionConfig, memstore.WithSweepInterval(cfg.Session.GetSweepInterval()))
		return store, store.Close, nil
	case config.StorageBolt:
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.BoltPath), 0o700); err != nil {
			return nil, nil, errors.Wrap(err, "[serve] creating data directory")
		}
		db, err := bolt.Open(cfg.Storage.BoltPath, 0o600, &bolt.Options{Timeout: time.Second})
		if err != nil {
			return nil, nil, errors.Wrap(err, "[serve] opening session database")
		}
		store, err := boltstore.New(db, sessionConfig)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		return store, func() { db.Close() }, nil
	case config.StorageRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.RedisAddr,
			Password: cfg.Storage.RedisPassword,
			DB:       cfg.Storage.RedisDB,
		})
		store, err := redistore.New(client, sessionConfig)
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		return store, func() { client.Close() }, nil
	default:
		return nil, nil, errors.Errorf("[serve] unknown storage backend %q", cfg.Storage.Backend)
	}
}

func displayAppName(appName string) {
	banner := figure.NewFigure(appName, "cybermedium", true)
	banner.Print()
	fmt.Println()
}
