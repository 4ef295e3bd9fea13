// Package app assembles the stores, queue and services shared by the server
// and worker binaries from one Config.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/unclebandit/campaign-dispatch/internal/channel"
	"github.com/unclebandit/campaign-dispatch/internal/config"
	"github.com/unclebandit/campaign-dispatch/internal/db"
	"github.com/unclebandit/campaign-dispatch/internal/dispatch"
	"github.com/unclebandit/campaign-dispatch/internal/events"
	"github.com/unclebandit/campaign-dispatch/internal/personalize"
	"github.com/unclebandit/campaign-dispatch/internal/queue"
	"github.com/unclebandit/campaign-dispatch/internal/repository"
	"github.com/unclebandit/campaign-dispatch/internal/retry"
	"github.com/unclebandit/campaign-dispatch/internal/risk"
	"github.com/unclebandit/campaign-dispatch/internal/service"
	"github.com/unclebandit/campaign-dispatch/internal/throttle"
)

// App holds the wired components. Close releases every connection it opened.
type App struct {
	Config     *config.Config
	Repos      repository.Repositories
	Queue      queue.Queue
	Events     events.Publisher
	Throttler  *throttle.Throttler
	Warmup     *throttle.WarmupScheduler
	Retries    *retry.Scheduler
	Service    *service.CampaignService
	Dispatcher *dispatch.Dispatcher
	Monitor    *risk.Monitor

	log     zerolog.Logger
	closers []func() error
}

// Build connects to every configured backend. Backends left unconfigured
// fall back to their in-process implementation.
func Build(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	a := &App{Config: cfg, log: log}

	if err := a.openStorage(ctx); err != nil {
		a.Close()
		return nil, err
	}

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			a.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		a.closers = append(a.closers, rdb.Close)
		log.Info().Str("addr", cfg.Redis.Addr).Msg("✅ connected to redis")
	}

	if err := a.openQueue(); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openEvents(); err != nil {
		a.Close()
		return nil, err
	}

	var windows throttle.Store = throttle.NewMemoryStore()
	var tickets retry.TicketStore = retry.NewMemoryTicketStore()
	if rdb != nil {
		windows = throttle.NewRedisStore(rdb)
		tickets = retry.NewRedisTicketStore(rdb, 0)
	}

	a.Warmup = throttle.NewWarmupScheduler(windows, throttle.WarmupOptions{
		Enabled:      cfg.Warmup.Enabled,
		DurationDays: cfg.Warmup.DurationDays,
		Schedule:     cfg.Warmup.Schedule,
		Ceiling:      cfg.Throttle.MaxPerDay,
	})
	a.Throttler = throttle.NewThrottler(windows, a.Warmup, throttle.Limits{
		MaxPerHour: cfg.Throttle.MaxPerHour,
		MaxPerDay:  cfg.Throttle.MaxPerDay,
	}, log)
	a.Retries = retry.NewScheduler(tickets, a.Repos.Attempts, a.Queue, retry.Options{
		MaxRetries:  cfg.Retry.MaxRetries,
		BackoffBase: cfg.Retry.BackoffBase,
	}, log)

	p := personalize.New(cfg.Template.MaxLength)
	a.Service = service.NewCampaignService(a.Repos, a.Queue, p, a.Warmup, log)

	sender := channel.NewMockSender(log, channel.WithSuccessRate(cfg.Channel.MockSuccessRate))
	a.Dispatcher = dispatch.New(dispatch.Deps{
		Repos:        a.Repos,
		Personalizer: p,
		Throttler:    a.Throttler,
		Retries:      a.Retries,
		Sender:       sender,
		Rewriter:     channel.NopRewriter{},
		Events:       a.Events,
		Queue:        a.Queue,
	}, dispatch.Options{
		MinDelay:    cfg.Delay.Min(),
		MaxDelay:    cfg.Delay.Max(),
		LeaseTTL:    cfg.Worker.LeaseTTL,
		SendRate:    cfg.Throttle.SendRatePerSecond,
		SendTimeout: cfg.Channel.SendTimeout,
	}, log)

	a.Monitor = risk.NewMonitor(a.Repos, nil, a.Events, risk.Options{
		Interval: cfg.Risk.Interval,
		Window:   cfg.Risk.Window,
		Thresholds: risk.Thresholds{
			Medium:   cfg.Risk.MediumThreshold,
			High:     cfg.Risk.HighThreshold,
			Critical: cfg.Risk.CriticalThreshold,
		},
		Weights: risk.Weights{
			Similarity:        cfg.Risk.SimilarityWeight,
			MinResponseSample: cfg.Risk.MinResponseSample,
		},
	}, log)

	return a, nil
}

// Worker builds the task consumer over the app's queue and dispatcher.
func (a *App) Worker() *service.Worker {
	w := service.NewWorker(a.Queue, a.Dispatcher, a.Repos.Campaigns, a.Config.Worker.Concurrency, a.log)
	w.Due = a.Service
	w.Risk = a.Monitor
	w.TriggerInterval = a.Config.Worker.TriggerInterval
	return w
}

func (a *App) openStorage(ctx context.Context) error {
	if a.Config.App.Storage == "memory" {
		a.Repos = repository.NewMemory()
		a.log.Warn().Msg("⚠️ using in-memory repositories, state is lost on exit")
		return nil
	}

	conn, err := db.Open(ctx, a.Config.DB.DSN())
	if err != nil {
		return err
	}
	a.closers = append(a.closers, conn.Close)
	if err := db.Migrate(ctx, conn); err != nil {
		return err
	}
	a.Repos = repository.NewPostgres(conn)
	a.log.Info().Msg("✅ connected to postgres")
	return nil
}

func (a *App) openQueue() error {
	if a.Config.AMQP.URL == "" {
		q := queue.NewInMemoryQueue(a.log)
		a.Queue = q
		a.closers = append(a.closers, q.Close)
		return nil
	}
	q, err := queue.DialAMQP(a.Config.AMQP.URL, a.Config.AMQP.Queue, a.Config.Worker.Concurrency, a.log)
	if err != nil {
		return err
	}
	a.Queue = q
	a.closers = append(a.closers, q.Close)
	a.log.Info().Str("queue", a.Config.AMQP.Queue).Msg("✅ connected to rabbitmq")
	return nil
}

func (a *App) openEvents() error {
	if len(a.Config.Kafka.Brokers) == 0 {
		a.Events = events.Nop{}
		return nil
	}
	pub, err := events.NewKafkaPublisher(a.Config.Kafka.Brokers, a.Config.Kafka.Topic, a.log)
	if err != nil {
		return err
	}
	a.Events = pub
	a.closers = append(a.closers, pub.Close)
	return nil
}

// Close releases connections in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && !errors.Is(err, sql.ErrConnDone) {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
