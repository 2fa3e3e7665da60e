package audience

import (
	"context"
	"fmt"

	"github.com/modfin/henry/slicez"
	"github.com/modfin/utskick"
	"github.com/modfin/utskick/tools"
	"github.com/sirupsen/logrus"
)

// Member is a row of the membership directory, the shape the directory
// collaborator guarantees to supply.
type Member struct {
	ID        string `json:"id" db:"id"`
	Community string `json:"community" db:"community"`
	Role      string `json:"role" db:"role"`
	Email     string `json:"email" db:"email"`
	FirstName string `json:"first_name" db:"first_name"`
	FullName  string `json:"full_name" db:"full_name"`
	Active    bool   `json:"active" db:"active"`
}

// Recipient is what the dispatcher renders against. Fields returns the
// values every template render is guaranteed to have available.
type Recipient struct {
	ID        string
	Email     string
	FirstName string
	FullName  string
}

func (r Recipient) Fields() map[string]string {
	return map[string]string{
		"first_name": r.FirstName,
		"full_name":  r.FullName,
		"email":      r.Email,
	}
}

// Directory is the membership collaborator. The daemon backs it with the
// member table, tests back it with fakes.
type Directory interface {
	ActiveMembers(community, role string) ([]Member, error)
}

func New(dir Directory, lc *tools.Logger) *Resolver {
	logger := logrus.New()
	if lc != nil {
		logger = lc.New("audience")
	}
	return &Resolver{
		dir: dir,
		log: logger,
	}
}

type Resolver struct {
	dir Directory
	log *logrus.Logger
}

// Resolve materializes a filter into concrete recipients. It runs at
// dispatch time so membership changes after campaign creation are honored,
// resolving the same filter twice may yield different recipients.
//
// Inactive members are dropped by the directory and recipients are
// deduplicated by normalized email, first occurrence wins.
func (r *Resolver) Resolve(ctx context.Context, filter utskick.AudienceFilter) ([]Recipient, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if filter.Role != "" && !slicez.Contains(utskick.AudienceRoles, filter.Role) {
		return nil, fmt.Errorf("unknown audience role %s: %w", filter.Role, utskick.ErrValidation)
	}

	members, err := r.dir.ActiveMembers(filter.Community, filter.Role)
	if err != nil {
		return nil, fmt.Errorf("could not resolve audience for community %s role %s: %w", filter.Community, filter.Role, err)
	}

	seen := map[string]bool{}
	var recipients []Recipient
	for _, m := range members {
		if !m.Active {
			continue
		}
		email := tools.NormalizeEmail(m.Email)
		if !tools.ValidEmail(email) {
			r.log.WithField("member", m.ID).Warnf("skipping member with invalid email %q", m.Email)
			continue
		}
		if seen[email] {
			continue
		}
		seen[email] = true
		recipients = append(recipients, Recipient{
			ID:        m.ID,
			Email:     email,
			FirstName: m.FirstName,
			FullName:  m.FullName,
		})
	}

	if len(recipients) == 0 {
		return nil, fmt.Errorf("community %s role %s: %w", filter.Community, filter.Role, utskick.ErrAudienceEmpty)
	}

	return recipients, nil
}
