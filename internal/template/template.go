package template

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/modfin/utskick"
	"github.com/modfin/utskick/tools"
	"github.com/sirupsen/logrus"
)

// Storage is the slice of the dao the template store needs.
type Storage interface {
	AddTemplate(t *utskick.Template) error
	GetTemplate(id string) (*utskick.Template, error)
	GetTemplateByName(community, name string) (*utskick.Template, error)
	ListTemplates(community string) ([]utskick.Template, error)
	UpdateTemplate(t *utskick.Template) error
	TemplateReferenced(id string) (bool, error)
}

func NewStore(db Storage, lc *tools.Logger) *Store {
	logger := logrus.New()
	if lc != nil {
		logger = lc.New("template")
	}
	s := &Store{
		db:    db,
		log:   logger,
		cache: ttlcache.New[string, *utskick.Template](ttlcache.WithTTL[string, *utskick.Template](30 * time.Second)),
	}
	go s.cache.Start()
	return s
}

type Store struct {
	db  Storage
	log *logrus.Logger

	// Templates are frozen once referenced by a non-draft campaign, so a
	// short read-through cache keeps the render hot path off the database.
	cache *ttlcache.Cache[string, *utskick.Template]
}

func (s *Store) Create(community, name, subject, body string) (*utskick.Template, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("template name must not be empty: %w", utskick.ErrValidation)
	}
	if strings.TrimSpace(subject) == "" {
		return nil, fmt.Errorf("template subject must not be empty: %w", utskick.ErrValidation)
	}

	t := &utskick.Template{
		ID:        uuid.New().String(),
		Community: community,
		Name:      strings.TrimSpace(name),
		Subject:   subject,
		Body:      body,
	}
	err := s.db.AddTemplate(t)
	if err != nil {
		return nil, err
	}
	s.log.WithField("template", t.ID).Infof("created template %s", t.Name)
	return t, nil
}

func (s *Store) Get(id string) (*utskick.Template, error) {
	item := s.cache.Get(id)
	if item != nil {
		return item.Value(), nil
	}
	t, err := s.db.GetTemplate(id)
	if err != nil {
		return nil, err
	}
	s.cache.Set(id, t, ttlcache.DefaultTTL)
	return t, nil
}

func (s *Store) ByName(community, name string) (*utskick.Template, error) {
	return s.db.GetTemplateByName(community, name)
}

func (s *Store) List(community string) ([]utskick.Template, error) {
	return s.db.ListTemplates(community)
}

// Update edits subject and body. A template that any non-draft campaign
// refers to is immutable, what has been sent must stay inspectable.
func (s *Store) Update(id, subject, body string) (*utskick.Template, error) {
	referenced, err := s.db.TemplateReferenced(id)
	if err != nil {
		return nil, err
	}
	if referenced {
		return nil, fmt.Errorf("template %s is referenced by a submitted campaign and cannot be edited: %w", id, utskick.ErrInvalidState)
	}

	t, err := s.db.GetTemplate(id)
	if err != nil {
		return nil, err
	}
	t.Subject = subject
	t.Body = body
	err = s.db.UpdateTemplate(t)
	if err != nil {
		return nil, err
	}
	s.cache.Delete(id)
	return t, nil
}

var placeholder = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

// Rendered is one recipient's personalized message.
type Rendered struct {
	Subject string
	Body    string
}

// Render substitutes every {{key}} occurrence in subject and body with the
// corresponding field value. Unknown keys render as the empty string, a
// sloppy placeholder must degrade the message, not block the send. Render
// is pure and never fails.
func Render(t *utskick.Template, fields map[string]string) Rendered {
	return Rendered{
		Subject: render(t.Subject, fields),
		Body:    render(t.Body, fields),
	}
}

func render(pattern string, fields map[string]string) string {
	return placeholder.ReplaceAllStringFunc(pattern, func(match string) string {
		key := placeholder.FindStringSubmatch(match)[1]
		return fields[key]
	})
}
