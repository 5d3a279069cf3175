package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"time"

	sarama "github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-zlock/v1/lock"
	"github.com/mirkobrombin/go-zlock/v1/metrics"
	"github.com/mirkobrombin/go-zlock/v1/presets"
	"github.com/mirkobrombin/go-zlock/v1/watchbus"
)

var (
	backend     = flag.String("backend", "memory", "Coordination backend: memory, redis or zookeeper")
	addr        = flag.String("addr", "", "Backend address; comma separated servers for zookeeper")
	natsURL     = flag.String("nats", "", "NATS URL carrying redis change notifications")
	kafka       = flag.String("kafka", "", "Comma separated Kafka brokers carrying lifecycle events")
	root        = flag.String("root", lock.DefaultRoot, "Lock root node")
	name        = flag.String("name", lock.DefaultName, "Lock node name prefix")
	competitors = flag.Int("competitors", 5, "Number of competitors")
	work        = flag.Duration("work", 5*time.Second, "Time each competitor holds the lock")
	timeout     = flag.Duration("timeout", 6*time.Second, "Wait bound per competitor, 0 waits forever")
	httpAddr    = flag.String("http", "", "Serve /metrics, /events and /ws on this address")
	broad       = flag.Bool("broad", false, "Wake every waiter on any change instead of the predecessor only")
)

func main() {
	flag.Parse()
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, log); err != nil {
		log.Error("zlock-demo failed", "error", err)
		os.Exit(1)
	}
}

func open(ctx context.Context, opts []lock.Option) (*presets.Stack, error) {
	switch *backend {
	case "memory":
		return presets.NewInMemory(ctx, opts...)
	case "redis":
		a := *addr
		if a == "" {
			a = "localhost:6379"
		}
		return presets.NewRedis(ctx, presets.RedisOptions{Addr: a, NATSURL: *natsURL}, opts...)
	case "zookeeper":
		a := *addr
		if a == "" {
			a = "localhost:2181"
		}
		return presets.NewZooKeeper(ctx, strings.Split(a, ","), opts...)
	default:
		return nil, fmt.Errorf("unknown backend %q", *backend)
	}
}

func run(ctx context.Context, log *slog.Logger) error {
	if *competitors < 1 {
		return errors.New("need at least one competitor")
	}
	opts := []lock.Option{lock.WithRoot(*root), lock.WithName(*name), lock.WithLogger(log)}
	if *broad {
		opts = append(opts, lock.WithBroadWatch())
	}
	var events watchbus.WatchBus
	if *kafka != "" {
		kb, err := watchbus.NewKafkaWatchBus(strings.Split(*kafka, ","), sarama.NewConfig())
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer kb.Close()
		events = kb
		opts = append(opts, lock.WithEvents(kb))
	}
	s, err := open(ctx, opts)
	if err != nil {
		return err
	}
	defer s.Close()
	if events == nil {
		events = s.Bus
	}

	n, err := s.Locker.Clear(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		log.Info("cleared previous lock nodes", "root", *root, "count", n)
	}

	reg := metrics.NewRegistry()
	metrics.RegisterLockMetrics(reg)

	var srv *http.Server
	if *httpAddr != "" {
		key := func(r *http.Request) string {
			if q := r.URL.Query().Get("root"); q != "" {
				return lock.EventsKey(q)
			}
			return lock.EventsKey(*root)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		stream := []watchbus.StreamOption{watchbus.WithKey(key), watchbus.WithHeartbeat(15 * time.Second)}
		mux.Handle("/events", watchbus.SSEHandler(events, stream...))
		mux.Handle("/ws", watchbus.WebSocketHandler(events, stream...))
		srv = &http.Server{Addr: *httpAddr, Handler: mux}
		go func() {
			log.Info("serving telemetry", "addr", *httpAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("http server", "error", err)
			}
		}()
		defer srv.Shutdown(context.WithoutCancel(ctx))
	}

	var failed atomic.Int32
	var g errgroup.Group
	for i := 1; i <= *competitors; i++ {
		c := lock.Competitor{
			Name:    fmt.Sprintf("competitor%d", i),
			Timeout: *timeout,
		}
		c.Work = func(ctx context.Context) error {
			log.Info("start of work", "competitor", c.Name)
			select {
			case <-time.After(*work):
			case <-ctx.Done():
				return ctx.Err()
			}
			log.Info("end of work", "competitor", c.Name)
			return nil
		}
		g.Go(func() error {
			// failures are logged by Run and must not stop the others
			if err := c.Run(ctx, s.Locker); err != nil {
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	log.Info("all competitors finished", "competitors", *competitors, "failed", failed.Load())
	return nil
}
