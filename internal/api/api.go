package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo-contrib/prometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/modfin/henry/compare"
	"github.com/modfin/utskick"
	"github.com/modfin/utskick/internal/campaign"
	"github.com/modfin/utskick/internal/dao"
	"github.com/modfin/utskick/internal/template"
	"github.com/modfin/utskick/pkg/zid"
	"github.com/modfin/utskick/tools"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/acme/autocert"
)

type Config struct {
	Hostname  string `cli:"default-host"`
	Interface string `cli:"api-interface"`
	Port      int    `cli:"api-port"`

	Keys []string `cli:"api-keys"`

	AutoTLS      bool   `cli:"api-auto-tls"`
	AutoTLSEmail string `cli:"api-auto-tls-email"`
}

func New(cfg Config, db dao.DAO, templates *template.Store, campaigns *campaign.Manager, lc *tools.Logger) *Server {
	logger := logrus.New()
	if lc != nil {
		logger = lc.New("api")
	}
	return &Server{
		cfg:       cfg,
		db:        db,
		templates: templates,
		campaigns: campaigns,
		log:       logger,
	}
}

type Server struct {
	cfg       Config
	db        dao.DAO
	templates *template.Store
	campaigns *campaign.Manager
	log       *logrus.Logger

	e *echo.Echo
}

func (s *Server) Stop(ctx context.Context) error {
	if s.e == nil {
		return nil
	}
	return s.e.Shutdown(ctx)
}

func (s *Server) Start() {

	e := s.router()
	s.e = e

	go func() {
		var err error
		if s.cfg.AutoTLS {
			e.AutoTLSManager.Prompt = autocert.AcceptTOS
			e.AutoTLSManager.Email = s.cfg.AutoTLSEmail
			e.AutoTLSManager.HostPolicy = autocert.HostWhitelist(s.cfg.Hostname)
			e.AutoTLSManager.Cache = autocert.DirCache(".autocert")
			s.log.Infof("starting api with auto tls on :443 for %s", s.cfg.Hostname)
			err = e.StartAutoTLS(":443")
		} else {
			addr := fmt.Sprintf("%s:%d", s.cfg.Interface, compare.Coalesce(s.cfg.Port, 8080))
			s.log.Infof("starting api on %s", addr)
			err = e.Start(addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Fatal("api server terminated")
		}
	}()
}

func (s *Server) router() *echo.Echo {

	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = s.errorHandler

	e.Use(middleware.Recover())

	prom := prometheus.NewPrometheus("utskick", nil)
	prom.Use(e)

	if len(s.cfg.Keys) > 0 {
		e.Use(middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
			KeyLookup: "query:key",
			Validator: func(key string, c echo.Context) (bool, error) {
				for _, k := range s.cfg.Keys {
					if subtle.ConstantTimeCompare([]byte(key), []byte(k)) == 1 {
						return true, nil
					}
				}
				return false, nil
			},
			Skipper: func(c echo.Context) bool {
				return c.Path() == "/metrics" || c.Path() == "/ping"
			},
		}))
	}

	e.GET("/ping", func(c echo.Context) error {
		return c.String(http.StatusOK, "pong")
	})

	e.POST("/templates", s.createTemplate)
	e.GET("/templates", s.listTemplates)

	e.POST("/campaigns", s.createCampaign)
	e.GET("/campaigns", s.listCampaigns)
	e.GET("/campaigns/:id", s.getCampaign)
	e.POST("/campaigns/:id/retry", s.retryCampaign)

	e.GET("/deliveries/failed", s.listFailedDeliveries)
	e.POST("/deliveries/:id/retry", s.retryDelivery)

	return e
}

func (s *Server) errorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, utskick.ErrValidation):
		code = http.StatusBadRequest
	case errors.Is(err, utskick.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, utskick.ErrInvalidState):
		code = http.StatusConflict
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
	}

	if code == http.StatusInternalServerError {
		s.log.WithError(err).Error("internal error")
	}

	if !c.Response().Committed {
		_ = c.JSON(code, map[string]string{"error": err.Error()})
	}
}

func community(c echo.Context, body string) string {
	return compare.Coalesce(body, c.QueryParam("community"), "main")
}

type createTemplateReq struct {
	Community string `json:"community"`
	Name      string `json:"name"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
}

func (s *Server) createTemplate(c echo.Context) error {
	var req createTemplateReq
	err := c.Bind(&req)
	if err != nil {
		return fmt.Errorf("failed to bind body: %w", utskick.ErrValidation)
	}
	t, err := s.templates.Create(community(c, req.Community), req.Name, req.Subject, req.Body)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, t)
}

func (s *Server) listTemplates(c echo.Context) error {
	ts, err := s.templates.List(community(c, ""))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ts)
}

type createCampaignReq struct {
	Community    string     `json:"community"`
	Title        string     `json:"title"`
	TemplateID   string     `json:"template_id"`
	AudienceRole string     `json:"audience_role"`
	ScheduledAt  *time.Time `json:"scheduled_at,omitempty"`
}

func (s *Server) createCampaign(c echo.Context) error {
	var req createCampaignReq
	err := c.Bind(&req)
	if err != nil {
		return fmt.Errorf("failed to bind body: %w", utskick.ErrValidation)
	}
	cmp, err := s.campaigns.Create(community(c, req.Community), req.Title, req.TemplateID, req.AudienceRole, req.ScheduledAt)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, cmp)
}

func (s *Server) listCampaigns(c echo.Context) error {
	cs, err := s.campaigns.List(community(c, ""))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, cs)
}

type campaignResp struct {
	utskick.Campaign
	Stats utskick.CampaignStats `json:"stats"`
}

func (s *Server) getCampaign(c echo.Context) error {
	id, err := zid.FromString(c.Param("id"))
	if err != nil {
		return fmt.Errorf("malformed campaign id: %w", utskick.ErrValidation)
	}
	cmp, stats, err := s.campaigns.Get(id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, campaignResp{Campaign: *cmp, Stats: stats})
}

func (s *Server) retryCampaign(c echo.Context) error {
	id, err := zid.FromString(c.Param("id"))
	if err != nil {
		return fmt.Errorf("malformed campaign id: %w", utskick.ErrValidation)
	}
	receipt, err := s.campaigns.RetryAll(id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, receipt)
}

func (s *Server) listFailedDeliveries(c echo.Context) error {
	limit := 100
	ds, err := s.db.ListFailedDeliveries(community(c, ""), c.QueryParam("campaign_id"), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ds)
}

func (s *Server) retryDelivery(c echo.Context) error {
	d, err := s.campaigns.RetryOne(c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, d)
}
