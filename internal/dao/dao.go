package dao

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/modfin/utskick"
	"github.com/modfin/utskick/internal/audience"
	"github.com/modfin/utskick/pkg/zid"
)

type DAO interface {
	AddTemplate(t *utskick.Template) error
	GetTemplate(id string) (*utskick.Template, error)
	GetTemplateByName(community, name string) (*utskick.Template, error)
	ListTemplates(community string) ([]utskick.Template, error)
	UpdateTemplate(t *utskick.Template) error
	TemplateReferenced(id string) (bool, error)

	AddCampaign(c *utskick.Campaign) error
	GetCampaign(id zid.ID) (*utskick.Campaign, error)
	ListCampaigns(community string) ([]utskick.Campaign, error)
	MoveCampaign(id zid.ID, from, to utskick.CampaignStatus) error
	ClaimDueCampaigns(count int) ([]utskick.Campaign, error)
	SendingCampaignsWithPending(count int) ([]utskick.Campaign, error)
	SettleCampaign(id zid.ID, stats utskick.CampaignStats, status utskick.CampaignStatus) error
	ReopenCampaign(id zid.ID) error
	CampaignStats(id zid.ID) (utskick.CampaignStats, error)

	AddDeliveries(ds []utskick.Delivery) error
	GetDelivery(id string) (*utskick.Delivery, error)
	PendingDeliveries(campaign zid.ID) ([]utskick.Delivery, error)
	MarkDeliverySent(id string) error
	MarkDeliveryFailed(id string, lastError string) error
	RetryDelivery(id string) error
	RetryAllDeliveries(campaign zid.ID) (int, error)
	ListFailedDeliveries(community string, campaign string, limit int) ([]utskick.Delivery, error)
	AddDeliveryLog(deliveryID, format string, args ...interface{}) error

	AddMember(m audience.Member) error
	ActiveMembers(community, role string) ([]audience.Member, error)
}

func NewSQLite(path string) (DAO, error) {
	lite := &sqlite{path: path}
	err := lite.ensureSchema()
	return lite, err
}

type sqlite struct {
	db   *sqlx.DB
	path string
}

func now() time.Time {
	return time.Now().In(time.UTC)
}

// === templates ===

func (s *sqlite) AddTemplate(t *utskick.Template) (err error) {
	q := `
	INSERT INTO template (id, community, name, subject, body, created_at, updated_at)
	VALUES (:id, :community, :name, :subject, :body, :created_at, :updated_at)
	`
	db, err := s.getDB()
	if err != nil {
		return err
	}
	t.CreatedAt = now()
	t.UpdatedAt = t.CreatedAt
	_, err = db.NamedExec(q, t)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("template name %s already exists in community %s: %w", t.Name, t.Community, utskick.ErrValidation)
	}
	return err
}

func (s *sqlite) GetTemplate(id string) (*utskick.Template, error) {
	q := `SELECT * FROM template WHERE id = ?`
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var t utskick.Template
	err = db.Get(&t, q, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("template %s: %w", id, utskick.ErrNotFound)
	}
	return &t, err
}

func (s *sqlite) GetTemplateByName(community, name string) (*utskick.Template, error) {
	q := `SELECT * FROM template WHERE community = ? AND name = ?`
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var t utskick.Template
	err = db.Get(&t, q, community, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("template %s: %w", name, utskick.ErrNotFound)
	}
	return &t, err
}

func (s *sqlite) ListTemplates(community string) ([]utskick.Template, error) {
	q := `SELECT * FROM template WHERE community = ? ORDER BY name`
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var ts []utskick.Template
	err = db.Select(&ts, q, community)
	return ts, err
}

func (s *sqlite) UpdateTemplate(t *utskick.Template) error {
	q := `
	UPDATE template
	SET subject = :subject, body = :body, updated_at = :updated_at
	WHERE id = :id
	`
	db, err := s.getDB()
	if err != nil {
		return err
	}
	t.UpdatedAt = now()
	res, err := db.NamedExec(q, t)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected != 1 {
		return fmt.Errorf("template %s: %w", t.ID, utskick.ErrNotFound)
	}
	return nil
}

// TemplateReferenced reports whether any non-draft campaign refers to the
// template. Such a template is frozen, what was sent must stay inspectable.
func (s *sqlite) TemplateReferenced(id string) (bool, error) {
	q := `
	SELECT COUNT(*)
	FROM campaign
	WHERE template_id = ?
	  AND status != 'draft'
	`
	db, err := s.getDB()
	if err != nil {
		return false, err
	}
	var n int
	err = db.Get(&n, q, id)
	return n > 0, err
}

// === campaigns ===

func (s *sqlite) AddCampaign(c *utskick.Campaign) error {
	q := `
	INSERT INTO campaign (id, community, title, template_id, audience_role, status,
	                      scheduled_at, total_recipients, sent_count, failed_count,
	                      created_at, updated_at)
	VALUES (:id, :community, :title, :template_id, :audience_role, :status,
	        :scheduled_at, :total_recipients, :sent_count, :failed_count,
	        :created_at, :updated_at)
	`
	db, err := s.getDB()
	if err != nil {
		return err
	}
	c.CreatedAt = now()
	c.UpdatedAt = c.CreatedAt
	_, err = db.NamedExec(q, c)
	return err
}

func (s *sqlite) GetCampaign(id zid.ID) (*utskick.Campaign, error) {
	q := `SELECT * FROM campaign WHERE id = ?`
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var c utskick.Campaign
	err = db.Get(&c, q, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("campaign %s: %w", id, utskick.ErrNotFound)
	}
	return &c, err
}

func (s *sqlite) ListCampaigns(community string) ([]utskick.Campaign, error) {
	q := `SELECT * FROM campaign WHERE community = ? ORDER BY created_at DESC`
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var cs []utskick.Campaign
	err = db.Select(&cs, q, community)
	return cs, err
}

// MoveCampaign transitions a campaign between statuses. The from status is
// part of the predicate so that two concurrent movers cannot both win, the
// loser gets an ErrInvalidState.
func (s *sqlite) MoveCampaign(id zid.ID, from, to utskick.CampaignStatus) error {
	q := `
	UPDATE campaign
	SET status = ?, updated_at = ?
	WHERE id = ?
	  AND status = ?
	`
	db, err := s.getDB()
	if err != nil {
		return err
	}
	res, err := db.Exec(q, to, now(), id, from)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected != 1 {
		return fmt.Errorf("could not move campaign %s from %s to %s: %w", id, from, to, utskick.ErrInvalidState)
	}
	return nil
}

// ClaimDueCampaigns picks scheduled campaigns whose time has come and
// claims them by moving them to sending. A campaign that loses the claim
// race is skipped silently.
func (s *sqlite) ClaimDueCampaigns(count int) (claimed []utskick.Campaign, err error) {
	q := `
	SELECT *
	FROM campaign
	WHERE status = 'scheduled'
	  AND scheduled_at <= ?
	ORDER BY scheduled_at
	LIMIT ?
	`
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var due []utskick.Campaign
	err = db.Select(&due, q, now(), count)
	if err != nil {
		return nil, err
	}
	for _, c := range due {
		err = s.MoveCampaign(c.ID, utskick.CampaignScheduled, utskick.CampaignSending)
		if errors.Is(err, utskick.ErrInvalidState) {
			continue
		}
		if err != nil {
			return claimed, err
		}
		c.Status = utskick.CampaignSending
		claimed = append(claimed, c)
	}
	return claimed, nil
}

// SendingCampaignsWithPending returns campaigns in sending that still have
// pending deliveries. Retried deliveries and work interrupted by a crash
// resurface here.
func (s *sqlite) SendingCampaignsWithPending(count int) ([]utskick.Campaign, error) {
	q := `
	SELECT c.*
	FROM campaign c
	WHERE c.status = 'sending'
	  AND EXISTS (SELECT 1 FROM delivery d WHERE d.campaign_id = c.id AND d.status = 'pending')
	ORDER BY c.created_at
	LIMIT ?
	`
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var cs []utskick.Campaign
	err = db.Select(&cs, q, count)
	return cs, err
}

// SettleCampaign writes the aggregated counts and the terminal status in
// one statement. Counts are always the aggregation result, never an
// increment on the previous value. The predicate re-checks for pending
// deliveries so a retry landing after the caller's aggregation makes the
// settle lose, a campaign must never end terminal with pending rows.
func (s *sqlite) SettleCampaign(id zid.ID, stats utskick.CampaignStats, status utskick.CampaignStatus) error {
	q := `
	UPDATE campaign
	SET status = ?, sent_count = ?, failed_count = ?, updated_at = ?
	WHERE id = ?
	  AND status = 'sending'
	  AND NOT EXISTS (SELECT 1 FROM delivery d WHERE d.campaign_id = campaign.id AND d.status = 'pending')
	`
	db, err := s.getDB()
	if err != nil {
		return err
	}
	res, err := db.Exec(q, status, stats.Sent, stats.Failed, now(), id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected != 1 {
		return fmt.Errorf("could not settle campaign %s as %s: %w", id, status, utskick.ErrInvalidState)
	}
	return nil
}

// ReopenCampaign moves a settled campaign back to sending when failed
// deliveries are re-admitted.
func (s *sqlite) ReopenCampaign(id zid.ID) error {
	q := `
	UPDATE campaign
	SET status = 'sending', updated_at = ?
	WHERE id = ?
	  AND status IN ('completed', 'sending')
	`
	db, err := s.getDB()
	if err != nil {
		return err
	}
	res, err := db.Exec(q, now(), id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected != 1 {
		return fmt.Errorf("could not reopen campaign %s: %w", id, utskick.ErrInvalidState)
	}
	return nil
}

func (s *sqlite) CampaignStats(id zid.ID) (stats utskick.CampaignStats, err error) {
	q := `
	SELECT
	    COUNT(*)                                              AS total,
	    COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0) AS pending,
	    COALESCE(SUM(CASE WHEN status = 'sent'    THEN 1 ELSE 0 END), 0) AS sent,
	    COALESCE(SUM(CASE WHEN status = 'failed'  THEN 1 ELSE 0 END), 0) AS failed
	FROM delivery
	WHERE campaign_id = ?
	`
	db, err := s.getDB()
	if err != nil {
		return stats, err
	}
	err = db.Get(&stats, q, id)
	return stats, err
}

// === deliveries ===

// AddDeliveries bulk inserts a materialized batch, which always belongs to
// one campaign, and records the audience size on that campaign in the same
// transaction. Either the deliveries and the count land together or
// neither does.
func (s *sqlite) AddDeliveries(ds []utskick.Delivery) (err error) {
	if len(ds) == 0 {
		return nil
	}
	q := `
	INSERT INTO delivery (id, campaign_id, recipient_email, subject, body, status,
	                      attempts, last_error, created_at, updated_at)
	VALUES (:id, :campaign_id, :recipient_email, :subject, :body, :status,
	        :attempts, :last_error, :created_at, :updated_at)
	`
	var tx *sqlx.Tx
	tx, err = s.getTX()
	if err != nil {
		return err
	}
	defer func() {
		if err == nil {
			err = tx.Commit()
			return
		}
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareNamed(q)
	if err != nil {
		return fmt.Errorf("failed to prepare delivery insert, %w", err)
	}
	defer stmt.Close()

	ts := now()
	for i := range ds {
		ds[i].CreatedAt = ts
		ds[i].UpdatedAt = ts
		_, err = stmt.Exec(ds[i])
		if err != nil {
			return fmt.Errorf("failed to insert delivery for %s, %w", ds[i].RecipientEmail, err)
		}
		err = s.addDeliveryLogTx(tx, ds[i].ID, "delivery created in pending")
		if err != nil {
			return err
		}
	}

	q = `
	UPDATE campaign
	SET total_recipients = (SELECT COUNT(*) FROM delivery WHERE campaign_id = ?), updated_at = ?
	WHERE id = ?
	`
	_, err = tx.Exec(q, ds[0].CampaignID, ts, ds[0].CampaignID)
	if err != nil {
		return fmt.Errorf("failed to record audience size, %w", err)
	}
	return nil
}

func (s *sqlite) GetDelivery(id string) (*utskick.Delivery, error) {
	q := `SELECT * FROM delivery WHERE id = ?`
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var d utskick.Delivery
	err = db.Get(&d, q, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("delivery %s: %w", id, utskick.ErrNotFound)
	}
	return &d, err
}

func (s *sqlite) PendingDeliveries(campaign zid.ID) ([]utskick.Delivery, error) {
	q := `
	SELECT *
	FROM delivery
	WHERE campaign_id = ?
	  AND status = 'pending'
	ORDER BY created_at
	`
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var ds []utskick.Delivery
	err = db.Select(&ds, q, campaign)
	return ds, err
}

func (s *sqlite) MarkDeliverySent(id string) error {
	q := `
	UPDATE delivery
	SET status = 'sent', attempts = attempts + 1, last_error = '', updated_at = ?
	WHERE id = ?
	  AND status = 'pending'
	`
	return s.settleDelivery(q, id, "delivery sent")
}

func (s *sqlite) MarkDeliveryFailed(id string, lastError string) error {
	q := `
	UPDATE delivery
	SET status = 'failed', attempts = attempts + 1, last_error = ?, updated_at = ?
	WHERE id = ?
	  AND status = 'pending'
	`
	db, err := s.getDB()
	if err != nil {
		return err
	}
	res, err := db.Exec(q, lastError, now(), id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected != 1 {
		return fmt.Errorf("could not fail delivery %s: %w", id, utskick.ErrInvalidState)
	}
	return s.AddDeliveryLog(id, "delivery failed, %s", lastError)
}

func (s *sqlite) settleDelivery(q string, id string, log string) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	res, err := db.Exec(q, now(), id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected != 1 {
		return fmt.Errorf("could not settle delivery %s: %w", id, utskick.ErrInvalidState)
	}
	return s.AddDeliveryLog(id, log)
}

// RetryDelivery re-admits a failed delivery. Sent is terminal and a pending
// delivery is already in flight, both are rejected through the predicate.
func (s *sqlite) RetryDelivery(id string) error {
	q := `
	UPDATE delivery
	SET status = 'pending', updated_at = ?
	WHERE id = ?
	  AND status = 'failed'
	`
	return s.settleDelivery(q, id, "delivery re-admitted to pending by operator")
}

func (s *sqlite) RetryAllDeliveries(campaign zid.ID) (int, error) {
	q := `
	UPDATE delivery
	SET status = 'pending', updated_at = ?
	WHERE campaign_id = ?
	  AND status = 'failed'
	`
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}
	res, err := db.Exec(q, now(), campaign)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

func (s *sqlite) ListFailedDeliveries(community string, campaign string, limit int) ([]utskick.Delivery, error) {
	q := `
	SELECT d.*
	FROM delivery d
	JOIN campaign c ON c.id = d.campaign_id
	WHERE d.status = 'failed'
	  AND c.community = ?
	`
	args := []interface{}{community}
	if campaign != "" {
		q += ` AND d.campaign_id = ?`
		args = append(args, campaign)
	}
	q += ` ORDER BY d.updated_at DESC LIMIT ?`
	args = append(args, limit)

	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var ds []utskick.Delivery
	err = db.Select(&ds, q, args...)
	return ds, err
}

func (s *sqlite) AddDeliveryLog(deliveryID, format string, args ...interface{}) error {
	tx, err := s.getTX()
	if err != nil {
		return err
	}
	err = s.addDeliveryLogTx(tx, deliveryID, format, args...)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *sqlite) addDeliveryLogTx(tx *sqlx.Tx, deliveryID, format string, args ...interface{}) error {
	q := `
	INSERT INTO delivery_log (delivery_id, created_at, log)
	VALUES (?, ?, ?)
	`
	_, err := tx.Exec(q, deliveryID, now(), fmt.Sprintf(format, args...))
	if err != nil {
		return fmt.Errorf("failed to insert delivery log entry, %w", err)
	}
	return nil
}

// === directory ===

func (s *sqlite) AddMember(m audience.Member) error {
	q := `
	INSERT INTO member (id, community, role, email, first_name, full_name, active)
	VALUES (:id, :community, :role, :email, :first_name, :full_name, :active)
	ON CONFLICT (id) DO UPDATE SET
	    community = excluded.community, role = excluded.role, email = excluded.email,
	    first_name = excluded.first_name, full_name = excluded.full_name, active = excluded.active
	`
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.NamedExec(q, m)
	return err
}

func (s *sqlite) ActiveMembers(community, role string) ([]audience.Member, error) {
	q := `
	SELECT *
	FROM member
	WHERE community = ?
	  AND active = 1
	`
	args := []interface{}{community}
	if role != "" {
		q += ` AND role = ?`
		args = append(args, role)
	}
	q += ` ORDER BY email`

	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var ms []audience.Member
	err = db.Select(&ms, q, args...)
	return ms, err
}

// === plumbing ===

func (s *sqlite) tuneDatabase() error {
	q := `pragma journal_mode = WAL;
			pragma synchronous = normal;
			pragma temp_store = memory;
			pragma busy_timeout = 5000;`

	if s.db == nil {
		return errors.New("db must be instantiated")
	}
	_, err := s.db.Exec(q)
	return err
}

func (s *sqlite) getDB() (*sqlx.DB, error) {

	var err error
	for s.db == nil || s.db.Ping() != nil {

		if s.db != nil {
			_ = s.db.Close()
			s.db = nil
		}

		s.db, err = sqlx.Connect("sqlite3", s.path)
		if err != nil {
			return nil, fmt.Errorf("error while connecting, %w", err)
		}
		err = s.tuneDatabase()
		if err != nil {
			return nil, fmt.Errorf("error while tuning db instance, %w", err)
		}
	}

	return s.db, nil
}

func (s *sqlite) getTX() (*sqlx.Tx, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	return db.Beginx()
}

func (s *sqlite) ensureSchema() error {

	db, err := s.getDB()
	if err != nil {
		return fmt.Errorf("could not get db, %w", err)
	}

	_, err = db.Exec(`
	CREATE TABLE IF NOT EXISTS template (
	    id        TEXT PRIMARY KEY,
	    community TEXT NOT NULL,
	    name      TEXT NOT NULL,
	    subject   TEXT NOT NULL,
	    body      TEXT NOT NULL,

	    created_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now')),
	    updated_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now')),

	    UNIQUE (community, name)
	);

	CREATE TABLE IF NOT EXISTS campaign (
	    id            TEXT PRIMARY KEY,
	    community     TEXT NOT NULL,
	    title         TEXT NOT NULL,
	    template_id   TEXT NOT NULL,
	    audience_role TEXT NOT NULL,

	    status TEXT NOT NULL DEFAULT 'draft', -- draft, scheduled, sending, completed, failed

	    scheduled_at     DATETIME,
	    total_recipients INT NOT NULL DEFAULT 0,
	    sent_count       INT NOT NULL DEFAULT 0,
	    failed_count     INT NOT NULL DEFAULT 0,

	    created_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now')),
	    updated_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now'))
	);

	CREATE INDEX IF NOT EXISTS idx_campaign_due ON campaign(scheduled_at) WHERE status = 'scheduled';

	CREATE TABLE IF NOT EXISTS delivery (
	    id              TEXT PRIMARY KEY,
	    campaign_id     TEXT NOT NULL,
	    recipient_email TEXT NOT NULL,
	    subject         TEXT NOT NULL,
	    body            TEXT NOT NULL,

	    status TEXT NOT NULL DEFAULT 'pending', -- pending, sent, failed

	    attempts   INT  NOT NULL DEFAULT 0,
	    last_error TEXT NOT NULL DEFAULT '',

	    created_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now')),
	    updated_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now')),

	    UNIQUE (campaign_id, recipient_email)
	);

	CREATE INDEX IF NOT EXISTS idx_delivery_campaign ON delivery(campaign_id, status);

	CREATE TABLE IF NOT EXISTS delivery_log (
	    delivery_id TEXT NOT NULL,
	    created_at  DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now')),
	    log         TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS member (
	    id         TEXT PRIMARY KEY,
	    community  TEXT NOT NULL,
	    role       TEXT NOT NULL,
	    email      TEXT NOT NULL,
	    first_name TEXT NOT NULL,
	    full_name  TEXT NOT NULL,
	    active     INT  NOT NULL DEFAULT 1
	);

	CREATE INDEX IF NOT EXISTS idx_member_community ON member(community, role) WHERE active = 1;
`)
	if err != nil {
		return fmt.Errorf("could not upsert schema, %w", err)
	}

	return err
}
