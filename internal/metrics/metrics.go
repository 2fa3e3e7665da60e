package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/modfin/utskick/tools"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/sirupsen/logrus"
)

// Domain metrics of the engine. HTTP level metrics come from the echo
// prometheus middleware in the api package.
var (
	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "utskick_deliveries_total",
		Help: "Delivery attempts by outcome.",
	}, []string{"outcome"})

	Campaigns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "utskick_campaigns_settled_total",
		Help: "Campaigns settled by terminal status.",
	}, []string{"status"})

	Retries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "utskick_delivery_retries_total",
		Help: "Failed deliveries re-admitted by operators.",
	})

	SendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "utskick_transport_send_duration_seconds",
		Help:    "Transport attempt duration in seconds.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})
)

type Config struct {
	ServiceName  string        `cli:"default-host"`
	Push         string        `cli:"metrics-push-url"`
	PushInterval time.Duration `cli:"metrics-push-interval"`
}

func New(c Config, lc *tools.Logger) *Metrics {
	p := &Metrics{
		config:  c,
		logger:  lc.New("prometheus"),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	if c.Push != "" {
		p.pusher = push.New(c.Push, c.ServiceName).Gatherer(prometheus.DefaultGatherer)
	}

	return p
}

// Metrics optionally pushes the default registry to a pushgateway. Polling
// is served by the api.
type Metrics struct {
	done    chan struct{}
	stopped chan struct{}

	config Config
	pusher *push.Pusher
	logger *logrus.Logger

	once sync.Once
}

func (p *Metrics) Start() {
	p.once.Do(func() {
		if p.pusher == nil {
			close(p.stopped)
			return
		}
		if p.config.PushInterval.Seconds() < 10 {
			p.config.PushInterval = 1 * time.Minute
		}
		go func() {
			defer close(p.stopped)

			ticker := time.NewTicker(p.config.PushInterval)
			defer ticker.Stop()
			for {
				select {
				case <-p.done:
					p.push()
					return
				case <-ticker.C:
					p.push()
				}
			}
		}()
	})
}

func (p *Metrics) Stop(ctx context.Context) error {
	close(p.done)
	select {
	case <-p.stopped:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (p *Metrics) push() {
	if p.pusher == nil {
		return
	}
	p.logger.Infof("pushing metrics to %s", p.config.Push)
	err := p.pusher.Push()
	if err != nil {
		p.logger.Errorf("failed to push metrics: %v", err)
	}
}
