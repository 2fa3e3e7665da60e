package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/modfin/utskick"
	"github.com/modfin/utskick/internal/audience"
	"github.com/modfin/utskick/pkg/zid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDB struct {
	mu         sync.Mutex
	due        []utskick.Campaign
	sending    []utskick.Campaign
	deliveries map[string]*utskick.Delivery
	totals     map[string]int
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		deliveries: map[string]*utskick.Delivery{},
		totals:     map[string]int{},
	}
}

func (f *fakeDB) ClaimDueCampaigns(count int) ([]utskick.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	claimed := f.due
	f.due = nil
	return claimed, nil
}

func (f *fakeDB) SendingCampaignsWithPending(count int) ([]utskick.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cs := f.sending
	f.sending = nil
	return cs, nil
}

func (f *fakeDB) AddDeliveries(ds []utskick.Delivery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range ds {
		cp := ds[i]
		f.deliveries[cp.ID] = &cp
	}
	if len(ds) > 0 {
		var n int
		for _, d := range f.deliveries {
			if d.CampaignID == ds[0].CampaignID {
				n++
			}
		}
		f.totals[ds[0].CampaignID.String()] = n
	}
	return nil
}

func (f *fakeDB) PendingDeliveries(campaign zid.ID) ([]utskick.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ds []utskick.Delivery
	for _, d := range f.deliveries {
		if d.CampaignID == campaign && d.Status == utskick.DeliveryPending {
			ds = append(ds, *d)
		}
	}
	return ds, nil
}

func (f *fakeDB) MarkDeliverySent(id string) error {
	return f.settle(id, utskick.DeliverySent, "")
}

func (f *fakeDB) MarkDeliveryFailed(id string, lastError string) error {
	return f.settle(id, utskick.DeliveryFailed, lastError)
}

func (f *fakeDB) settle(id string, status utskick.DeliveryStatus, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.deliveries[id]
	if !ok || d.Status != utskick.DeliveryPending {
		return fmt.Errorf("could not settle delivery %s: %w", id, utskick.ErrInvalidState)
	}
	d.Status = status
	d.Attempts++
	d.LastError = lastError
	return nil
}

func (f *fakeDB) AddDeliveryLog(deliveryID, format string, args ...interface{}) error {
	return nil
}

func (f *fakeDB) CampaignStats(id zid.ID) (utskick.CampaignStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var stats utskick.CampaignStats
	for _, d := range f.deliveries {
		if d.CampaignID != id {
			continue
		}
		stats.Total++
		switch d.Status {
		case utskick.DeliveryPending:
			stats.Pending++
		case utskick.DeliverySent:
			stats.Sent++
		case utskick.DeliveryFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

func (f *fakeDB) byEmail(campaign zid.ID, email string) *utskick.Delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.deliveries {
		if d.CampaignID == campaign && d.RecipientEmail == email {
			cp := *d
			return &cp
		}
	}
	return nil
}

type fakeTransport struct {
	mu      sync.Mutex
	sent    []string
	failFor map[string]error
}

func (f *fakeTransport) Send(ctx context.Context, to, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFor[to]; err != nil {
		return err
	}
	f.sent = append(f.sent, to)
	return nil
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeLifecycle struct {
	mu        sync.Mutex
	finalized []string
	failed    map[string]error
}

func newFakeLifecycle() *fakeLifecycle {
	return &fakeLifecycle{failed: map[string]error{}}
}

func (f *fakeLifecycle) Finalize(id zid.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalized = append(f.finalized, id.String())
	return nil
}

func (f *fakeLifecycle) Fail(id zid.ID, reason error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[id.String()] = reason
	return nil
}

func (f *fakeLifecycle) finalizedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.finalized)
}

func (f *fakeLifecycle) failedWith(id zid.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failed[id.String()]
}

type fakeTemplates struct {
	tmpl *utskick.Template
}

func (f *fakeTemplates) Get(id string) (*utskick.Template, error) {
	if f.tmpl == nil || f.tmpl.ID != id {
		return nil, fmt.Errorf("template %s: %w", id, utskick.ErrNotFound)
	}
	return f.tmpl, nil
}

type fakeResolver struct {
	recipients []audience.Recipient
	err        error
}

func (f *fakeResolver) Resolve(ctx context.Context, filter utskick.AudienceFilter) ([]audience.Recipient, error) {
	return f.recipients, f.err
}

func testCampaign() utskick.Campaign {
	return utskick.Campaign{
		ID:         zid.New(),
		Community:  "main",
		Title:      "Pool maintenance",
		TemplateID: "tmpl-1",
		Status:     utskick.CampaignSending,
	}
}

func testConfig() Config {
	return Config{
		Workers:      4,
		PollInterval: time.Hour,
		SendTimeout:  5 * time.Second,
		ClaimBatch:   20,
	}
}

func stopped(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Stop(ctx))
}

func TestDispatchMaterializesAndSends(t *testing.T) {
	db := newFakeDB()
	trans := &fakeTransport{}
	lifecycle := newFakeLifecycle()
	c := testCampaign()
	db.due = []utskick.Campaign{c}

	d := New(testConfig(), db,
		&fakeTemplates{tmpl: &utskick.Template{ID: "tmpl-1", Subject: "Hi {{first_name}}", Body: "Hello {{full_name}}"}},
		&fakeResolver{recipients: []audience.Recipient{
			{ID: "m1", Email: "alice@example.com", FirstName: "Alice", FullName: "Alice Aro"},
			{ID: "m2", Email: "bob@example.com", FirstName: "Bob", FullName: "Bob Berg"},
		}},
		lifecycle, trans, nil)
	d.Start()
	defer stopped(t, d)

	assert.Eventually(t, func() bool {
		return lifecycle.finalizedCount() == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 2, trans.sentCount())
	assert.Equal(t, 2, db.totals[c.ID.String()])

	alice := db.byEmail(c.ID, "alice@example.com")
	require.NotNil(t, alice)
	assert.Equal(t, utskick.DeliverySent, alice.Status)
	assert.Equal(t, "Hi Alice", alice.Subject)
	assert.Equal(t, "Hello Alice Aro", alice.Body)
	assert.Equal(t, 1, alice.Attempts)
}

func TestDispatchPartialFailure(t *testing.T) {
	db := newFakeDB()
	trans := &fakeTransport{failFor: map[string]error{
		"bob@example.com": fmt.Errorf("550 mailbox unavailable: %w", utskick.ErrTransport),
	}}
	lifecycle := newFakeLifecycle()
	c := testCampaign()
	db.due = []utskick.Campaign{c}

	d := New(testConfig(), db,
		&fakeTemplates{tmpl: &utskick.Template{ID: "tmpl-1", Subject: "Hi", Body: "Hello"}},
		&fakeResolver{recipients: []audience.Recipient{
			{Email: "alice@example.com"},
			{Email: "bob@example.com"},
			{Email: "carol@example.com"},
		}},
		lifecycle, trans, nil)
	d.Start()
	defer stopped(t, d)

	assert.Eventually(t, func() bool {
		return lifecycle.finalizedCount() == 1
	}, 5*time.Second, 10*time.Millisecond)

	// one recipient failing never aborts the siblings
	assert.Equal(t, 2, trans.sentCount())

	bob := db.byEmail(c.ID, "bob@example.com")
	require.NotNil(t, bob)
	assert.Equal(t, utskick.DeliveryFailed, bob.Status)
	assert.Contains(t, bob.LastError, "550")

	stats, err := db.CampaignStats(c.ID)
	require.NoError(t, err)
	assert.Equal(t, utskick.CampaignStats{Total: 3, Sent: 2, Failed: 1}, stats)
}

func TestDispatchEmptyAudienceFailsCampaign(t *testing.T) {
	db := newFakeDB()
	lifecycle := newFakeLifecycle()
	c := testCampaign()
	db.due = []utskick.Campaign{c}

	d := New(testConfig(), db,
		&fakeTemplates{tmpl: &utskick.Template{ID: "tmpl-1", Subject: "Hi", Body: "Hello"}},
		&fakeResolver{err: fmt.Errorf("community main role resident: %w", utskick.ErrAudienceEmpty)},
		lifecycle, &fakeTransport{}, nil)
	d.Start()
	defer stopped(t, d)

	assert.Eventually(t, func() bool {
		return lifecycle.failedWith(c.ID) != nil
	}, 5*time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, lifecycle.failedWith(c.ID), utskick.ErrAudienceEmpty)
	assert.Empty(t, db.deliveries, "no delivery rows for a campaign that never had an audience")
	assert.Equal(t, 0, lifecycle.finalizedCount())
}

func TestDispatchPicksUpReadmittedDeliveries(t *testing.T) {
	db := newFakeDB()
	trans := &fakeTransport{}
	lifecycle := newFakeLifecycle()
	c := testCampaign()

	// an earlier batch already materialized and partially settled, a retry
	// re-admitted one delivery to pending
	require.NoError(t, db.AddDeliveries([]utskick.Delivery{
		{ID: "d1", CampaignID: c.ID, RecipientEmail: "alice@example.com", Subject: "Hi", Body: "Hello", Status: utskick.DeliverySent},
		{ID: "d2", CampaignID: c.ID, RecipientEmail: "bob@example.com", Subject: "Hi", Body: "Hello", Status: utskick.DeliveryPending},
	}))
	db.sending = []utskick.Campaign{c}

	d := New(testConfig(), db,
		&fakeTemplates{tmpl: &utskick.Template{ID: "tmpl-1", Subject: "Hi", Body: "Hello"}},
		&fakeResolver{}, lifecycle, trans, nil)
	d.Start()
	defer stopped(t, d)

	assert.Eventually(t, func() bool {
		return lifecycle.finalizedCount() == 1
	}, 5*time.Second, 10*time.Millisecond)

	// only the pending row is attempted, the sent one is left alone
	assert.Equal(t, []string{"bob@example.com"}, trans.sent)

	bob := db.byEmail(c.ID, "bob@example.com")
	require.NotNil(t, bob)
	assert.Equal(t, utskick.DeliverySent, bob.Status)
}

func TestStopIsIdempotentAndBounded(t *testing.T) {
	d := New(testConfig(), newFakeDB(), &fakeTemplates{}, &fakeResolver{}, newFakeLifecycle(), &fakeTransport{}, nil)
	d.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Stop(ctx))
	require.NoError(t, d.Stop(ctx))
}
