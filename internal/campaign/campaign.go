package campaign

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modfin/henry/slicez"
	"github.com/modfin/utskick"
	"github.com/modfin/utskick/internal/metrics"
	"github.com/modfin/utskick/internal/signals"
	"github.com/modfin/utskick/pkg/zid"
	"github.com/modfin/utskick/tools"
	"github.com/sirupsen/logrus"
)

// Storage is the slice of the dao the lifecycle manager needs.
type Storage interface {
	GetTemplate(id string) (*utskick.Template, error)

	AddCampaign(c *utskick.Campaign) error
	GetCampaign(id zid.ID) (*utskick.Campaign, error)
	ListCampaigns(community string) ([]utskick.Campaign, error)
	MoveCampaign(id zid.ID, from, to utskick.CampaignStatus) error
	SettleCampaign(id zid.ID, stats utskick.CampaignStats, status utskick.CampaignStatus) error
	ReopenCampaign(id zid.ID) error
	CampaignStats(id zid.ID) (utskick.CampaignStats, error)

	GetDelivery(id string) (*utskick.Delivery, error)
	RetryDelivery(id string) error
	RetryAllDeliveries(campaign zid.ID) (int, error)
}

func NewManager(db Storage, lc *tools.Logger) *Manager {
	logger := logrus.New()
	if lc != nil {
		logger = lc.New("campaign")
	}
	return &Manager{
		db:  db,
		log: logger,
	}
}

// Manager owns the campaign state machine,
//
//	draft -> sending               (immediate submit)
//	draft -> scheduled -> sending  (future submit, claimed when due)
//	sending -> completed           (all deliveries terminal)
//	sending -> failed              (campaign level fault)
//	completed -> sending           (operator retry of failed deliveries)
type Manager struct {
	db  Storage
	log *logrus.Logger
}

// Create validates and persists a campaign and immediately submits it, a
// nil scheduledAt means dispatch as soon as possible. A scheduledAt in the
// past is rejected, never silently treated as immediate.
func (m *Manager) Create(community, title, templateID, role string, scheduledAt *time.Time) (*utskick.Campaign, error) {

	if strings.TrimSpace(title) == "" {
		return nil, fmt.Errorf("campaign title must not be empty: %w", utskick.ErrValidation)
	}
	if role != "" && !slicez.Contains(utskick.AudienceRoles, role) {
		return nil, fmt.Errorf("unknown audience role %s: %w", role, utskick.ErrValidation)
	}

	_, err := m.db.GetTemplate(templateID)
	if err != nil {
		return nil, fmt.Errorf("campaign refers to unknown template %s: %w", templateID, utskick.ErrValidation)
	}

	if scheduledAt != nil && !scheduledAt.After(time.Now()) {
		return nil, fmt.Errorf("scheduled_at %s is not in the future: %w", scheduledAt.Format(time.RFC3339), utskick.ErrValidation)
	}

	c := &utskick.Campaign{
		ID:           zid.New(),
		Community:    community,
		Title:        strings.TrimSpace(title),
		TemplateID:   templateID,
		AudienceRole: role,
		Status:       utskick.CampaignDraft,
	}
	if scheduledAt != nil {
		at := scheduledAt.In(time.UTC)
		c.ScheduledAt = &at
	}

	err = m.db.AddCampaign(c)
	if err != nil {
		return nil, fmt.Errorf("could not persist campaign, %w", err)
	}

	to := utskick.CampaignSending
	if c.ScheduledAt != nil {
		to = utskick.CampaignScheduled
	}
	err = m.db.MoveCampaign(c.ID, utskick.CampaignDraft, to)
	if err != nil {
		return nil, fmt.Errorf("could not submit campaign %s, %w", c.ID, err)
	}
	c.Status = to

	if to == utskick.CampaignSending {
		signals.Notify(signals.CampaignEnqueued)
	}

	m.log.WithField("cid", c.ID.String()).Infof("created campaign %q in %s", c.Title, c.Status)
	return c, nil
}

func (m *Manager) Get(id zid.ID) (*utskick.Campaign, utskick.CampaignStats, error) {
	c, err := m.db.GetCampaign(id)
	if err != nil {
		return nil, utskick.CampaignStats{}, err
	}
	stats, err := m.db.CampaignStats(id)
	return c, stats, err
}

func (m *Manager) List(community string) ([]utskick.Campaign, error) {
	return m.db.ListCampaigns(community)
}

// Finalize settles a sending campaign once every delivery is terminal. The
// counts written are the aggregation result at settle time, a partial
// success still completes, failed is reserved for campaign level faults.
func (m *Manager) Finalize(id zid.ID) error {
	stats, err := m.db.CampaignStats(id)
	if err != nil {
		return fmt.Errorf("could not aggregate deliveries for campaign %s, %w", id, err)
	}
	if !stats.Terminal() {
		return nil
	}
	err = m.db.SettleCampaign(id, stats, utskick.CampaignCompleted)
	if errors.Is(err, utskick.ErrInvalidState) {
		// a retry re-admitted deliveries between the aggregation and the
		// settle, the sweep picks the campaign up again
		m.log.WithField("cid", id.String()).Info("settle lost to a concurrent retry, campaign stays in sending")
		return nil
	}
	if err != nil {
		return err
	}
	metrics.Campaigns.WithLabelValues(string(utskick.CampaignCompleted)).Inc()
	m.log.WithField("cid", id.String()).
		Infof("campaign completed, %d sent, %d failed of %d", stats.Sent, stats.Failed, stats.Total)
	return nil
}

// Fail settles a campaign that could not proceed at all, eg when audience
// resolution errored. Distinct from per delivery failures, which leave the
// campaign completed with failed_count > 0.
func (m *Manager) Fail(id zid.ID, reason error) error {
	err := m.db.MoveCampaign(id, utskick.CampaignSending, utskick.CampaignFailed)
	if err != nil {
		return err
	}
	metrics.Campaigns.WithLabelValues(string(utskick.CampaignFailed)).Inc()
	m.log.WithField("cid", id.String()).WithError(reason).Warn("campaign failed")
	return nil
}

// RetryOne re-admits a single failed delivery and returns its campaign to
// sending. Retrying a sent or in-flight delivery is rejected.
func (m *Manager) RetryOne(deliveryID string) (*utskick.Delivery, error) {
	d, err := m.db.GetDelivery(deliveryID)
	if err != nil {
		return nil, err
	}
	if d.Status != utskick.DeliveryFailed {
		return nil, fmt.Errorf("delivery %s is %s, only failed deliveries can be retried: %w", deliveryID, d.Status, utskick.ErrInvalidState)
	}

	err = m.db.RetryDelivery(deliveryID)
	if err != nil {
		return nil, err
	}
	err = m.db.ReopenCampaign(d.CampaignID)
	if err != nil {
		return nil, err
	}

	metrics.Retries.Inc()
	signals.Notify(signals.DeliveryRetry)
	m.log.WithField("cid", d.CampaignID.String()).Infof("delivery %s re-admitted by operator", deliveryID)

	d.Status = utskick.DeliveryPending
	return d, nil
}

// RetryAll re-admits every failed delivery of a campaign. A campaign with
// no failed deliveries is a no-op, reported through the receipt.
func (m *Manager) RetryAll(id zid.ID) (utskick.RetryReceipt, error) {
	receipt := utskick.RetryReceipt{CampaignID: id.String()}

	_, err := m.db.GetCampaign(id)
	if err != nil {
		return receipt, err
	}

	n, err := m.db.RetryAllDeliveries(id)
	if err != nil {
		return receipt, err
	}
	receipt.Retried = n
	if n == 0 {
		return receipt, nil
	}

	err = m.db.ReopenCampaign(id)
	if err != nil {
		return receipt, err
	}

	metrics.Retries.Add(float64(n))
	signals.Notify(signals.DeliveryRetry)
	m.log.WithField("cid", id.String()).Infof("%d failed deliveries re-admitted by operator", n)
	return receipt, nil
}
