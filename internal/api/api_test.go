package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/modfin/utskick"
	"github.com/modfin/utskick/internal/campaign"
	"github.com/modfin/utskick/internal/dao"
	"github.com/modfin/utskick/internal/template"
	"github.com/modfin/utskick/pkg/zid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, cfg Config) (*echo.Echo, dao.DAO) {
	t.Helper()
	db, err := dao.NewSQLite(filepath.Join(t.TempDir(), "utskick.db"))
	require.NoError(t, err)

	templates := template.NewStore(db, nil)
	campaigns := campaign.NewManager(db, nil)
	s := New(cfg, db, templates, campaigns, nil)
	return s.router(), db
}

func do(e *echo.Echo, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestPing(t *testing.T) {
	e, _ := newTestServer(t, Config{})
	rec := do(e, http.MethodGet, "/ping", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pong", rec.Body.String())
}

func TestCreateTemplate(t *testing.T) {
	e, _ := newTestServer(t, Config{})

	rec := do(e, http.MethodPost, "/templates", `{"name": "welcome", "subject": "Hi {{first_name}}", "body": "Hello"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var tmpl utskick.Template
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tmpl))
	assert.NotEmpty(t, tmpl.ID)
	assert.Equal(t, "main", tmpl.Community, "community defaults to main")

	// duplicate name within the community
	rec = do(e, http.MethodPost, "/templates", `{"name": "welcome", "subject": "other", "body": "other"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// blank subject
	rec = do(e, http.MethodPost, "/templates", `{"name": "other", "subject": " ", "body": "b"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(e, http.MethodGet, "/templates", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var ts []utskick.Template
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ts))
	assert.Len(t, ts, 1)
}

func TestCreateCampaign(t *testing.T) {
	e, _ := newTestServer(t, Config{})

	rec := do(e, http.MethodPost, "/templates", `{"name": "welcome", "subject": "Hi", "body": "Hello"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var tmpl utskick.Template
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tmpl))

	rec = do(e, http.MethodPost, "/campaigns",
		fmt.Sprintf(`{"title": "Pool maintenance", "template_id": %q, "audience_role": "resident"}`, tmpl.ID))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var c utskick.Campaign
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &c))
	assert.Equal(t, utskick.CampaignSending, c.Status, "no schedule means immediate submit")

	rec = do(e, http.MethodGet, "/campaigns/"+c.ID.String(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var detail struct {
		utskick.Campaign
		Stats utskick.CampaignStats `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, c.ID, detail.ID)
}

func TestCreateCampaignValidation(t *testing.T) {
	e, _ := newTestServer(t, Config{})

	rec := do(e, http.MethodPost, "/campaigns", `{"title": "No template", "template_id": "nope"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(e, http.MethodPost, "/templates", `{"name": "welcome", "subject": "Hi", "body": "Hello"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var tmpl utskick.Template
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tmpl))

	rec = do(e, http.MethodPost, "/campaigns",
		fmt.Sprintf(`{"title": "Past", "template_id": %q, "scheduled_at": "2001-01-01T00:00:00Z"}`, tmpl.ID))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "past schedule is rejected")

	rec = do(e, http.MethodPost, "/campaigns",
		fmt.Sprintf(`{"title": "", "template_id": %q}`, tmpl.ID))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "blank title")

	rec = do(e, http.MethodPost, "/campaigns",
		fmt.Sprintf(`{"title": "Bad role", "template_id": %q, "audience_role": "janitor"}`, tmpl.ID))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unknown audience role")
}

func TestGetCampaignErrors(t *testing.T) {
	e, _ := newTestServer(t, Config{})

	rec := do(e, http.MethodGet, "/campaigns/not-a-zid", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(e, http.MethodGet, "/campaigns/"+zid.New().String(), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRetryDelivery(t *testing.T) {
	e, db := newTestServer(t, Config{})

	tmpl := &utskick.Template{ID: uuid.New().String(), Community: "main", Name: "welcome", Subject: "Hi", Body: "Hello"}
	require.NoError(t, db.AddTemplate(tmpl))
	c := &utskick.Campaign{
		ID: zid.New(), Community: "main", Title: "t",
		TemplateID: tmpl.ID, AudienceRole: "resident", Status: utskick.CampaignSending,
	}
	require.NoError(t, db.AddCampaign(c))

	d := utskick.Delivery{
		ID: uuid.New().String(), CampaignID: c.ID, RecipientEmail: "alice@example.com",
		Subject: "Hi", Body: "Hello", Status: utskick.DeliveryPending,
	}
	require.NoError(t, db.AddDeliveries([]utskick.Delivery{d}))

	// in-flight deliveries cannot be retried
	rec := do(e, http.MethodPost, "/deliveries/"+d.ID+"/retry", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	require.NoError(t, db.MarkDeliveryFailed(d.ID, "550 mailbox unavailable"))

	rec = do(e, http.MethodGet, "/deliveries/failed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var failed []utskick.Delivery
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &failed))
	require.Len(t, failed, 1)

	rec = do(e, http.MethodPost, "/deliveries/"+d.ID+"/retry", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var readmitted utskick.Delivery
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &readmitted))
	assert.Equal(t, utskick.DeliveryPending, readmitted.Status)

	rec = do(e, http.MethodPost, "/deliveries/"+uuid.New().String()+"/retry", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRetryCampaign(t *testing.T) {
	e, db := newTestServer(t, Config{})

	tmpl := &utskick.Template{ID: uuid.New().String(), Community: "main", Name: "welcome", Subject: "Hi", Body: "Hello"}
	require.NoError(t, db.AddTemplate(tmpl))
	c := &utskick.Campaign{
		ID: zid.New(), Community: "main", Title: "t",
		TemplateID: tmpl.ID, AudienceRole: "resident", Status: utskick.CampaignSending,
	}
	require.NoError(t, db.AddCampaign(c))

	d1 := utskick.Delivery{ID: uuid.New().String(), CampaignID: c.ID, RecipientEmail: "alice@example.com", Subject: "s", Body: "b", Status: utskick.DeliveryPending}
	d2 := utskick.Delivery{ID: uuid.New().String(), CampaignID: c.ID, RecipientEmail: "bob@example.com", Subject: "s", Body: "b", Status: utskick.DeliveryPending}
	require.NoError(t, db.AddDeliveries([]utskick.Delivery{d1, d2}))
	require.NoError(t, db.MarkDeliveryFailed(d1.ID, "boom"))
	require.NoError(t, db.MarkDeliveryFailed(d2.ID, "boom"))

	rec := do(e, http.MethodPost, "/campaigns/"+c.ID.String()+"/retry", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var receipt utskick.RetryReceipt
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &receipt))
	assert.Equal(t, 2, receipt.Retried)

	// nothing failed anymore, the receipt reports the no-op
	rec = do(e, http.MethodPost, "/campaigns/"+c.ID.String()+"/retry", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &receipt))
	assert.Equal(t, 0, receipt.Retried)
}

func TestKeyAuth(t *testing.T) {
	e, _ := newTestServer(t, Config{Keys: []string{"sesame"}})

	rec := do(e, http.MethodGet, "/templates", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing key")

	rec = do(e, http.MethodGet, "/templates?key=wrong", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(e, http.MethodGet, "/templates?key=sesame", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(e, http.MethodGet, "/ping", "")
	assert.Equal(t, http.StatusOK, rec.Code, "ping is open")
}
