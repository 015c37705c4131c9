package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"lxmf_group/internal/config"
	"lxmf_group/internal/protocol/permission"
	"lxmf_group/internal/repository/member"
	"lxmf_group/internal/service/journal"
	"lxmf_group/internal/service/relay"
	redisSvc "lxmf_group/internal/service/redis"
	"lxmf_group/internal/service/server"
	"lxmf_group/internal/service/transport"
	"lxmf_group/internal/utils/log"
)

const (
	name        = "lxmf_distribution_group"
	description = "LXMF Distribution Group - Server-Side group functions for LXMF based apps"

	exitOK    = 0
	exitPanic = 255
)

var (
	path     string
	pathLog  string
	logLevel int
	service  bool

	exampleConfig         bool
	exampleConfigOverride bool
	exampleData           bool
)

func Execute() int {
	code := exitOK
	root := &cobra.Command{
		Use:           name,
		Short:         description,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			code = run(cmd.Context())
			return nil
		},
	}

	root.Flags().StringVarP(&path, "path", "p", "", "path to alternative config directory (default working directory)")
	root.Flags().StringVar(&pathLog, "path_log", "", "path to alternative log directory")
	root.Flags().IntVarP(&logLevel, "loglevel", "l", log.LevelNotice, "log level 0 (critical) to 7 (extreme)")
	root.Flags().BoolVarP(&service, "service", "s", false, "running as a service and should log to file")
	root.Flags().BoolVar(&exampleConfig, "exampleconfig", false, "print verbose configuration example to stdout and exit")
	root.Flags().BoolVar(&exampleConfigOverride, "exampleconfigoverride", false, "print verbose configuration override example to stdout and exit")
	root.Flags().BoolVar(&exampleData, "exampledata", false, "print verbose data example to stdout and exit")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitPanic
	}
	return code
}

func run(ctx context.Context) int {
	dir, err := configDir()
	if err != nil {
		fmt.Println("Cannot determine config directory:", err)
		return exitPanic
	}

	switch {
	case exampleConfig:
		fmt.Printf("Config File: %s\nContent:\n%s\n", config.Path(dir), config.ExampleConfig)
		return exitOK
	case exampleConfigOverride:
		fmt.Printf("Config Override File: %s\nContent:\n%s\n", config.OverridePath(dir), config.ExampleConfigOverride)
		return exitOK
	case exampleData:
		fmt.Printf("Data File: %s\nContent:\n%s\n", config.DataPath(dir), config.ExampleData)
		return exitOK
	}

	opts := log.Options{Level: logLevel}
	if service {
		logDir := dir
		if pathLog != "" {
			logDir = strings.TrimSuffix(pathLog, "/")
		}
		opts.File = filepath.Join(logDir, name+".log")
	}
	if _, err := log.Init(opts); err != nil {
		fmt.Println("Cannot initialise logging:", err)
		return exitPanic
	}
	defer log.Sync()

	cfg, err := config.Load(dir)
	switch {
	case errors.Is(err, config.ErrDefaultConfig):
		fmt.Println("Exit!")
		fmt.Println("First start with the default config!")
		fmt.Printf("You should probably edit the config file %q to suit your needs and use-case!\n", config.Path(dir))
		fmt.Printf("You should make all your changes at the user configuration file %q to override the default configuration file!\n", config.OverridePath(dir))
		fmt.Println("Then restart this program again!")
		return exitOK
	case errors.Is(err, config.ErrDisabled):
		fmt.Println("Disabled in config file. Exit!")
		return exitPanic
	case err != nil:
		fmt.Printf("Config - Error reading config file %s: %v\n", config.Path(dir), err)
		return exitPanic
	}

	log.Info("...............................................................................")
	log.Info("Starting", zap.String("name", cfg.Main.Name), zap.String("config", config.Path(dir)), zap.String("data", config.DataPath(dir)))

	members, closeMembers, err := initMembers(ctx, cfg)
	if err != nil {
		log.Error("Cannot open member store", zap.Error(err))
		return exitPanic
	}
	defer closeMembers()

	jrnl, closeJournal, err := initJournal(ctx, cfg)
	if err != nil {
		log.Error("Cannot connect to redis", zap.Error(err))
		return exitPanic
	}
	defer closeJournal()

	tr := transport.New(cfg.Transport.URL)
	svc, err := relay.New(ctx, relay.Deps{
		Config:    cfg,
		Transport: tr,
		Members:   members,
		Journal:   jrnl,
	})
	if err != nil {
		log.Error("Data - Error reading data file", zap.String("path", config.DataPath(dir)), zap.Error(err))
		return exitPanic
	}
	tr.SetHandlers(svc.Handlers())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := tr.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Transport stopped", zap.Error(err))
		}
	}()

	if cfg.Admin.Listen != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.NewHttpServer(svc).Run(ctx, cfg.Admin.Listen); err != nil {
				log.Error("Admin API stopped", zap.Error(err))
			}
		}()
	}

	if err := svc.Run(ctx); err != nil {
		log.Error("Relay stopped", zap.Error(err))
	}
	wg.Wait()
	log.Info("Terminated")
	return exitOK
}

func configDir() (string, error) {
	if path != "" {
		return strings.TrimSuffix(path, "/"), nil
	}
	return os.Getwd()
}

func initMembers(ctx context.Context, cfg *config.Config) (permission.Repository, func(), error) {
	if cfg.Storage.Members != "mongo" {
		return member.NewFileRepo(config.DataPath(cfg.Dir)), func() {}, nil
	}

	client, err := initMongo(ctx, cfg.Storage.MongoURI)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Disconnect(ctx)
	}
	return member.NewMongoRepo(client.Database(cfg.Storage.MongoDatabase)), closeFn, nil
}

func initMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return client, nil
}

func initJournal(ctx context.Context, cfg *config.Config) (*journal.Journal, func(), error) {
	if cfg.Storage.RedisAddr == "" {
		return nil, func() {}, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.RedisAddr,
		Password: cfg.Storage.RedisPassword,
		DB:       cfg.Storage.RedisDB,
	})
	svc := redisSvc.NewRedis(rdb)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := svc.Ping(pingCtx); err != nil {
		_ = svc.Close()
		return nil, nil, err
	}
	return journal.NewJournal(svc, cfg.Storage.JournalLimit), func() { _ = svc.Close() }, nil
}
