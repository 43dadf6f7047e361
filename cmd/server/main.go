package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"

	"github.com/kevinxiao27/canvas-sync/internal/relay"
	"github.com/kevinxiao27/canvas-sync/store"
)

const RelayVersion = "0.1.0"

func main() {
	usage := `Canvas relay.

Environment REDIS_ADDR and DATABASE_URL are used when the flags are not given.

Usage:
    canvas-relay serve [--addr=<addr>] [--jwt_secret=<secret>]
        [--redis_addr=<redis_addr>] [--bolt=<path>] [--database_url=<url>]
        [--v=<level>]
    canvas-relay token --jwt_secret=<secret> --user=<user_id> [--ttl=<ttl>]

Options:
    -h --help                    Show this screen.
    --version                    Show version.
    --addr=<addr>                Listen address [default: :8080].
    --jwt_secret=<secret>        HS256 secret. Enables peer auth.
    --redis_addr=<redis_addr>    Redis for the relay backplane.
    --bolt=<path>                Store project histories in a bbolt file.
    --database_url=<url>         Store project histories in Postgres.
    --user=<user_id>             Token subject.
    --ttl=<ttl>                  Token lifetime [default: 24h].
    --v=<level>                  Log verbosity [default: 0].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RelayVersion)
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		err = serve(opts)
	} else if token_, _ := opts.Bool("token"); token_ {
		err = token(opts)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func token(opts docopt.Opts) error {
	secret, _ := opts.String("--jwt_secret")
	userID, _ := opts.String("--user")
	ttlStr, _ := opts.String("--ttl")
	ttl, err := time.ParseDuration(ttlStr)
	if err != nil {
		return fmt.Errorf("ttl: %w", err)
	}
	t, err := relay.IssueToken([]byte(secret), userID, ttl)
	if err != nil {
		return err
	}
	fmt.Println(t)
	return nil
}

func optOrEnv(opts docopt.Opts, key string, env string) string {
	if v, err := opts.String(key); err == nil && v != "" {
		return v
	}
	return os.Getenv(env)
}

func serve(opts docopt.Opts) error {
	level, _ := opts.String("--v")
	flag.Set("logtostderr", "true")
	flag.Set("v", level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	config := relay.Config{}
	if secret, _ := opts.String("--jwt_secret"); secret != "" {
		config.JWTSecret = []byte(secret)
	}

	var rdb *redis.Client
	if redisAddr := optOrEnv(opts, "--redis_addr", "REDIS_ADDR"); redisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: redisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis %s: %w", redisAddr, err)
		}
		defer rdb.Close()
		config.Backplane = relay.NewRedisBackplane(rdb)
		glog.Infof("[main]backplane redis %s\n", redisAddr)
	}

	boltPath, _ := opts.String("--bolt")
	switch databaseURL := optOrEnv(opts, "--database_url", "DATABASE_URL"); {
	case databaseURL != "":
		pg, err := store.OpenPostgres(ctx, databaseURL)
		if err != nil {
			return err
		}
		defer pg.Close()
		config.Store = pg
		glog.Infof("[main]store postgres\n")
	case boltPath != "":
		bolt, err := store.OpenBolt(boltPath)
		if err != nil {
			return err
		}
		defer bolt.Close()
		config.Store = bolt
		glog.Infof("[main]store bolt %s\n", boltPath)
	case rdb != nil:
		config.Store = store.NewRedisStore(rdb, 0)
		glog.Infof("[main]store redis\n")
	default:
		config.Store = store.NewMemoryStore()
		glog.Infof("[main]store memory\n")
	}

	server := relay.NewServer(config)
	go func() {
		if err := server.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			glog.Errorf("[main]backplane: %s\n", err)
			stop()
		}
	}()

	addr, _ := opts.String("--addr")
	httpServer := &http.Server{Addr: addr, Handler: server.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	glog.Infof("[main]relay listening on %s\n", addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	glog.Flush()
	return nil
}
