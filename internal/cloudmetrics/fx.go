package cloudmetrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/railtab/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("cloud.metrics",
	fx.Provide(func(db *gorm.DB) *Inventory {
		return NewInventory(prometheus.DefaultRegisterer, db)
	}),
	fx.Provide(NewPusher),
	fx.Invoke(registerWorker),
)

func registerWorker(lc fx.Lifecycle, cfg config.Config, inv *Inventory, pusher Pusher, logger *zap.Logger) {
	logger = logger.Named("cloudmetrics")
	w := &Worker{
		inventory: inv,
		pusher:    pusher,
		gatherer:  prometheus.DefaultGatherer,
		interval:  cfg.MetricsPush.Interval,
		log:       logger,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			logger.Info("starting metrics worker",
				zap.Bool("push", pusher != nil),
				zap.Duration("interval", w.interval),
			)
			go func() {
				defer close(done)
				w.Run(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return nil
		},
	})
}

// Worker refreshes inventory gauges and, when a pusher is set, ships the
// gathered metrics on every tick.
type Worker struct {
	inventory *Inventory
	pusher    Pusher
	gatherer  prometheus.Gatherer
	interval  time.Duration
	log       *zap.Logger
}

func (w *Worker) Run(ctx context.Context) {
	interval := w.interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.Tick(ctx)
	for {
		select {
		case <-ticker.C:
			w.Tick(ctx)
		case <-ctx.Done():
			w.log.Info("stopping metrics worker")
			return
		}
	}
}

// Tick runs one refresh and push. Failures are logged and never stop the
// worker.
func (w *Worker) Tick(ctx context.Context) {
	if err := w.inventory.Refresh(ctx); err != nil && ctx.Err() == nil {
		w.log.Warn("inventory refresh failed", zap.Error(err))
	}
	if w.pusher == nil {
		return
	}
	pushCtx, cancel := context.WithTimeout(ctx, defaultPushTimeout)
	defer cancel()
	if err := w.pusher.Push(pushCtx, w.gatherer); err != nil && ctx.Err() == nil {
		w.log.Warn("metrics push failed", zap.Error(err))
	}
}
