package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
	"zerotrace/internal/config"
	"zerotrace/internal/repository/envelope"
	"zerotrace/internal/repository/memory"
	"zerotrace/internal/repository/user"
	redisSvc "zerotrace/internal/service/redis"
	"zerotrace/internal/service/server"
	"zerotrace/internal/utils/log"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.New()
	var (
		cfgFile  string
		inMemory bool
	)

	cmd := &cobra.Command{
		Use:          "zerotrace-server",
		Short:        "Directory and envelope relay for zerotrace clients",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfgFile != "" {
				v.SetConfigFile(cfgFile)
			}
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			if err := log.Init(cfg.Log.Level, cfg.Log.Development); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if inMemory {
				return runInMemory(ctx, cfg)
			}
			return run(ctx, cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "config file")
	flags.BoolVar(&inMemory, "in-memory", false, "keep users and envelopes in process memory; no MongoDB or Redis")
	flags.String("addr", "", "listen address")
	_ = v.BindPFlag("server.addr", flags.Lookup("addr"))
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	mongoClient, err := initMongo(ctx, cfg.Mongo.URI)
	if err != nil {
		return fmt.Errorf("connect mongo: %w", err)
	}
	defer mongoClient.Disconnect(context.Background())

	db := mongoClient.Database(cfg.Mongo.Database)
	userRepo := user.NewUserRepo(db)
	envelopeRepo := envelope.NewEnvelopeRepo(db)
	if err := userRepo.EnsureIndexes(ctx); err != nil {
		return err
	}
	if err := envelopeRepo.EnsureIndexes(ctx); err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	rds := redisSvc.NewRedis(rdb)
	if err := rds.Ping(ctx); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}

	hub := server.NewHub()
	publisher := server.NewRedisPublisher(rds, hub)
	go func() {
		if err := publisher.Relay(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("notify relay stopped", zap.Error(err))
		}
	}()

	srv := server.NewHttpServer(
		server.NewCachedUsers(userRepo, rds, cfg.Redis.CacheTTL),
		envelopeRepo,
		hub,
		server.WithPublisher(publisher),
		server.WithHealthCheck(func(ctx context.Context) error {
			return mongoClient.Ping(ctx, nil)
		}),
	)
	return srv.Run(ctx, cfg.Server.Addr)
}

func runInMemory(ctx context.Context, cfg *config.Config) error {
	log.Warn("running with in-memory storage; data is lost on exit")
	srv := server.NewHttpServer(memory.NewUsers(), memory.NewEnvelopes(), server.NewHub())
	return srv.Run(ctx, cfg.Server.Addr)
}

func initMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}
