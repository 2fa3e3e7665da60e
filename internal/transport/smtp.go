package transport

import (
	"context"
	"log"
	"sync"

	"github.com/caarlos0/env/v6"
	"gopkg.in/gomail.v2"
)

// Config for the smtp relay the engine submits rendered messages to. The
// engine does not speak to recipient mx servers itself, that is the relay's
// job.
type Config struct {
	Host     string `env:"UTSKICK_SMTP_HOST"`
	Port     int    `env:"UTSKICK_SMTP_PORT" envDefault:"587"`
	Username string `env:"UTSKICK_SMTP_USERNAME"`
	Password string `env:"UTSKICK_SMTP_PASSWORD"`
	From     string `env:"UTSKICK_SMTP_FROM" envDefault:"no-reply@localhost"`
}

var (
	once sync.Once
	cfg  Config
)

func GetConfig() *Config {
	once.Do(func() {
		cfg = Config{}
		if err := env.Parse(&cfg); err != nil {
			log.Panic("Couldn't parse smtp Config from env: ", err)
		}
	})
	return &cfg
}

// New returns the smtp relay transport, or the dry-run transport when no
// relay host is configured.
func New(cfg *Config) Transport {
	if cfg == nil || cfg.Host == "" {
		return &DryRun{}
	}
	return &SMTP{
		cfg:    cfg,
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
	}
}

type SMTP struct {
	cfg    *Config
	dialer *gomail.Dialer
}

func (s *SMTP) Send(ctx context.Context, to, subject, body string) error {

	m := gomail.NewMessage()
	m.SetHeader("From", s.cfg.From)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/html", body)

	// gomail has no context support, so the dial-and-send runs on the side
	// and the deadline is enforced here.
	done := make(chan error, 1)
	go func() {
		done <- s.dialer.DialAndSend(m)
	}()

	select {
	case err := <-done:
		if err != nil {
			return Errf("smtp relay rejected message to %s, %v", to, err)
		}
		return nil
	case <-ctx.Done():
		return Errf("smtp send to %s timed out, %v", to, ctx.Err())
	}
}

// DryRun accepts everything without side effects. Used when no relay is
// configured, eg in local development.
type DryRun struct{}

func (d *DryRun) Send(ctx context.Context, to, subject, body string) error {
	return ctx.Err()
}
