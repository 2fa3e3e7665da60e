package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/alitto/pond"
	"github.com/google/uuid"
	"github.com/modfin/utskick"
	"github.com/modfin/utskick/internal/audience"
	"github.com/modfin/utskick/internal/metrics"
	"github.com/modfin/utskick/internal/signals"
	"github.com/modfin/utskick/internal/template"
	"github.com/modfin/utskick/internal/transport"
	"github.com/modfin/utskick/pkg/zid"
	"github.com/modfin/utskick/tools"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

type Config struct {
	Workers      int           `cli:"workers"`
	PollInterval time.Duration `cli:"poll-interval"`
	SendTimeout  time.Duration `cli:"send-timeout"`
	SendRate     float64       `cli:"send-rate"`
	ClaimBatch   int           `cli:"claim-batch"`
}

// Storage is the slice of the dao the dispatcher needs.
type Storage interface {
	ClaimDueCampaigns(count int) ([]utskick.Campaign, error)
	SendingCampaignsWithPending(count int) ([]utskick.Campaign, error)
	AddDeliveries(ds []utskick.Delivery) error
	PendingDeliveries(campaign zid.ID) ([]utskick.Delivery, error)
	MarkDeliverySent(id string) error
	MarkDeliveryFailed(id string, lastError string) error
	AddDeliveryLog(deliveryID, format string, args ...interface{}) error
	CampaignStats(id zid.ID) (utskick.CampaignStats, error)
}

// Lifecycle settles campaigns once their deliveries are terminal.
type Lifecycle interface {
	Finalize(id zid.ID) error
	Fail(id zid.ID, reason error) error
}

type Templates interface {
	Get(id string) (*utskick.Template, error)
}

type Resolver interface {
	Resolve(ctx context.Context, filter utskick.AudienceFilter) ([]audience.Recipient, error)
}

func New(cfg Config, db Storage, templates Templates, resolver Resolver, lifecycle Lifecycle, trans transport.Transport, lc *tools.Logger) *Dispatcher {

	logger := logrus.New()
	if lc != nil {
		logger = lc.New("dispatch")
	}

	if cfg.Workers < 1 {
		cfg.Workers = 5
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if cfg.ClaimBatch < 1 {
		cfg.ClaimBatch = 20
	}

	var limiter *rate.Limiter
	if cfg.SendRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.SendRate), cfg.Workers)
	}

	d := &Dispatcher{
		cfg:       cfg,
		db:        db,
		templates: templates,
		resolver:  resolver,
		lifecycle: lifecycle,
		transport: trans,
		log:       logger,
		limiter:   limiter,
		inflight:  tools.NewKeyedMutex(),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d
}

// Dispatcher is the long lived scheduling loop. It claims due campaigns,
// materializes their audiences into delivery rows and fans the rows out
// over a bounded worker pool. The loop itself never blocks on a transport
// call.
type Dispatcher struct {
	cfg Config

	db        Storage
	templates Templates
	resolver  Resolver
	lifecycle Lifecycle
	transport transport.Transport

	log     *logrus.Logger
	pool    *pond.WorkerPool
	limiter *rate.Limiter

	// one dispatch per campaign at a time
	inflight *tools.KeyedMutex
	batches  sync.WaitGroup

	ctx    context.Context
	cancel func()
	ostart sync.Once
	ostop  sync.Once
}

func (d *Dispatcher) Start() {
	d.ostart.Do(func() {
		d.log.Infof("starting dispatcher with %d workers", d.cfg.Workers)
		d.pool = pond.New(d.cfg.Workers, 0, pond.MinWorkers(d.cfg.Workers))
		go d.run()
	})
}

func (d *Dispatcher) Stop(ctx context.Context) error {
	var err error
	d.ostop.Do(func() {
		d.cancel()

		done := make(chan struct{})
		go func() {
			d.batches.Wait()
			<-d.pool.Stop().Done()
			close(done)
		}()

		select {
		case <-done:
			d.log.Info("dispatcher has been shut down")
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}

func (d *Dispatcher) run() {

	enqueued, cancelEnqueued := signals.Listen(signals.CampaignEnqueued)
	defer cancelEnqueued()
	retried, cancelRetried := signals.Listen(signals.DeliveryRetry)
	defer cancelRetried()

	for {
		d.sweep()

		select {
		case <-d.ctx.Done():
			d.log.Info("scheduling loop stopping")
			return
		case <-enqueued:
		case <-retried:
		case <-time.After(d.cfg.PollInterval):
		}
	}
}

// sweep claims every due scheduled campaign and picks up sending campaigns
// that still have pending deliveries, which covers operator retries and
// work interrupted by a restart.
func (d *Dispatcher) sweep() {

	for {
		due, err := d.db.ClaimDueCampaigns(d.cfg.ClaimBatch)
		if err != nil {
			d.log.WithError(err).Error("could not claim due campaigns")
			break
		}
		for _, c := range due {
			d.admit(c)
		}
		if len(due) < d.cfg.ClaimBatch {
			break
		}
	}

	sending, err := d.db.SendingCampaignsWithPending(d.cfg.ClaimBatch)
	if err != nil {
		d.log.WithError(err).Error("could not list sending campaigns with pending deliveries")
		return
	}
	for _, c := range sending {
		d.admit(c)
	}
}

// admit hands a campaign to its own dispatch goroutine, unless a dispatch
// for it is already running.
func (d *Dispatcher) admit(c utskick.Campaign) {
	if d.ctx.Err() != nil {
		return
	}
	if !d.inflight.TryLocked(c.ID.String()) {
		return
	}
	d.batches.Add(1)
	go func() {
		defer d.batches.Done()
		defer d.inflight.Unlock(c.ID.String())
		d.dispatch(c)
	}()
}

func (d *Dispatcher) dispatch(c utskick.Campaign) {

	log := d.log.WithField("cid", c.ID.String())

	stats, err := d.db.CampaignStats(c.ID)
	if err != nil {
		log.WithError(err).Error("could not aggregate deliveries")
		return
	}

	// First dispatch of the campaign, the audience is materialized now and
	// not earlier, membership changes between creation and send time count.
	if stats.Total == 0 {
		n, err := d.materialize(c)
		if err != nil {
			log.WithError(err).Warn("campaign could not proceed")
			err = d.lifecycle.Fail(c.ID, err)
			if err != nil {
				log.WithError(err).Error("could not fail campaign")
			}
			return
		}
		log.Infof("audience materialized into %d deliveries", n)
	}

	pending, err := d.db.PendingDeliveries(c.ID)
	if err != nil {
		log.WithError(err).Error("could not fetch pending deliveries")
		return
	}

	// Fan out and wait for the batch to settle. Each worker owns exactly
	// one pending delivery, outcomes are recorded independently and one
	// recipient's failure never aborts a sibling.
	outstanding := sync.WaitGroup{}
	for _, rec := range pending {
		rec := rec
		if d.pool.Stopped() {
			outstanding.Wait()
			return
		}
		outstanding.Add(1)
		d.pool.Submit(d.attempt(rec, &outstanding))
	}
	outstanding.Wait()

	if d.ctx.Err() != nil {
		// shutdown, remaining pending deliveries are swept up on restart
		return
	}

	err = d.lifecycle.Finalize(c.ID)
	if err != nil {
		log.WithError(err).Error("could not finalize campaign")
	}
}

// materialize resolves the audience and bulk creates the pending delivery
// rows with content rendered per recipient. The insert and the audience
// size on the campaign commit atomically, so an error here always means
// zero rows were created and failing the campaign is safe.
func (d *Dispatcher) materialize(c utskick.Campaign) (int, error) {

	recipients, err := d.resolver.Resolve(d.ctx, utskick.AudienceFilter{
		Community: c.Community,
		Role:      c.AudienceRole,
	})
	if err != nil {
		return 0, err
	}

	tmpl, err := d.templates.Get(c.TemplateID)
	if err != nil {
		return 0, err
	}

	ds := make([]utskick.Delivery, 0, len(recipients))
	for _, r := range recipients {
		rendered := template.Render(tmpl, r.Fields())
		ds = append(ds, utskick.Delivery{
			ID:             uuid.New().String(),
			CampaignID:     c.ID,
			RecipientEmail: r.Email,
			Subject:        rendered.Subject,
			Body:           rendered.Body,
			Status:         utskick.DeliveryPending,
		})
	}

	err = d.db.AddDeliveries(ds)
	if err != nil {
		return 0, err
	}
	return len(ds), nil
}

// attempt delivers one rendered message. The worker blocks only on the
// transport call and on persisting the outcome.
func (d *Dispatcher) attempt(rec utskick.Delivery, outstanding *sync.WaitGroup) func() {
	return func() {
		defer outstanding.Done()

		if d.limiter != nil {
			err := d.limiter.Wait(d.ctx)
			if err != nil {
				return // shutdown, leave the delivery pending
			}
		}

		ctx, cancel := context.WithTimeout(d.ctx, d.cfg.SendTimeout)
		start := time.Now()
		err := d.transport.Send(ctx, rec.RecipientEmail, rec.Subject, rec.Body)
		cancel()
		metrics.SendDuration.Observe(time.Since(start).Seconds())

		if d.ctx.Err() != nil {
			// outcome is ambiguous during shutdown, keep the delivery
			// pending rather than recording a bogus failure
			return
		}

		if err != nil {
			metrics.Deliveries.WithLabelValues(string(utskick.DeliveryFailed)).Inc()
			uerr := d.db.MarkDeliveryFailed(rec.ID, err.Error())
			if uerr != nil {
				d.log.WithError(uerr).Errorf("could not record failure for delivery %s", rec.ID)
			}
			return
		}

		metrics.Deliveries.WithLabelValues(string(utskick.DeliverySent)).Inc()
		err = d.db.MarkDeliverySent(rec.ID)
		if err != nil {
			d.log.WithError(err).Errorf("could not record success for delivery %s", rec.ID)
		}
	}
}
