package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/modfin/utskick/internal/api"
	"github.com/modfin/utskick/internal/audience"
	"github.com/modfin/utskick/internal/campaign"
	"github.com/modfin/utskick/internal/clix"
	"github.com/modfin/utskick/internal/dao"
	"github.com/modfin/utskick/internal/dispatch"
	"github.com/modfin/utskick/internal/metrics"
	"github.com/modfin/utskick/internal/template"
	"github.com/modfin/utskick/internal/transport"
	"github.com/modfin/utskick/tools"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

type Config struct {
	DbURI string `cli:"db-uri"`

	Dispatch dispatch.Config
	API      api.Config
	Metrics  metrics.Config
}

func main() {

	if err := godotenv.Load(); err == nil {
		log.Info("loaded environment from .env")
	}

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:    "db-uri",
			EnvVars: []string{"UTSKICK_DB_URI"},
			Value:   "./utskick.sqlite",
			Usage:   "path of the sqlite database",
		},
		&cli.StringFlag{
			Name:    "default-host",
			EnvVars: []string{"UTSKICK_DEFAULT_HOST"},
			Usage:   "the public host name of this node, used for auto tls and metrics",
		},
		&cli.IntFlag{
			Name:    "workers",
			EnvVars: []string{"UTSKICK_WORKERS"},
			Value:   5,
			Usage:   "number of concurrent transport calls",
		},
		&cli.DurationFlag{
			Name:    "poll-interval",
			EnvVars: []string{"UTSKICK_POLL_INTERVAL"},
			Value:   time.Minute,
			Usage:   "how often the scheduler sweeps for due campaigns",
		},
		&cli.DurationFlag{
			Name:    "send-timeout",
			EnvVars: []string{"UTSKICK_SEND_TIMEOUT"},
			Value:   30 * time.Second,
			Usage:   "deadline for one transport attempt",
		},
		&cli.Float64Flag{
			Name:    "send-rate",
			EnvVars: []string{"UTSKICK_SEND_RATE"},
			Usage:   "max transport calls per second, 0 means unlimited",
		},
		&cli.IntFlag{
			Name:    "claim-batch",
			EnvVars: []string{"UTSKICK_CLAIM_BATCH"},
			Value:   20,
			Usage:   "number of due campaigns claimed per sweep",
		},
		&cli.StringFlag{
			Name:    "api-interface",
			EnvVars: []string{"UTSKICK_API_INTERFACE"},
		},
		&cli.IntFlag{
			Name:    "api-port",
			EnvVars: []string{"UTSKICK_API_PORT"},
			Value:   8080,
		},
		&cli.StringSliceFlag{
			Name:    "api-keys",
			EnvVars: []string{"UTSKICK_API_KEYS"},
			Usage:   "api keys accepted by the operator api, empty disables auth",
		},
		&cli.BoolFlag{
			Name:    "api-auto-tls",
			EnvVars: []string{"UTSKICK_API_AUTO_TLS"},
			Usage:   "serve the api over tls with a Let's Encrypt certificate for default-host",
		},
		&cli.StringFlag{
			Name:    "api-auto-tls-email",
			EnvVars: []string{"UTSKICK_API_AUTO_TLS_EMAIL"},
		},
		&cli.StringFlag{
			Name:    "metrics-push-url",
			EnvVars: []string{"UTSKICK_METRICS_PUSH_URL"},
		},
		&cli.DurationFlag{
			Name:    "metrics-push-interval",
			EnvVars: []string{"UTSKICK_METRICS_PUSH_INTERVAL"},
			Value:   time.Minute,
		},
	}

	app := &cli.App{
		Name:   "utskickd",
		Usage:  "a service for broadcasting templated campaigns to community members",
		Flags:  flags,
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Flags:  flags,
				Action: serve,
			},
			{
				Name:   "seed",
				Usage:  "load demo members into the directory",
				Flags:  flags,
				Action: seed,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

type Stoppable interface {
	Stop(ctx context.Context) error
}

func serve(c *cli.Context) error {

	cfg := clix.Parse[Config](c)

	l := log.New()
	l.AddHook(tools.LoggerWho{Name: "utskickd"})
	lc := tools.LoggerCloner(l)

	l.Infof("starting utskickd, db at %s", cfg.DbURI)

	db, err := dao.NewSQLite(cfg.DbURI)
	if err != nil {
		l.WithError(err).Fatal("could not open database")
	}

	templates := template.NewStore(db, lc)
	resolver := audience.New(db, lc)
	campaigns := campaign.NewManager(db, lc)
	trans := transport.New(transport.GetConfig())

	dispatcher := dispatch.New(cfg.Dispatch, db, templates, resolver, campaigns, trans, lc)
	dispatcher.Start()

	apiServer := api.New(cfg.API, db, templates, campaigns, lc)
	apiServer.Start()

	prom := metrics.New(cfg.Metrics, lc)
	prom.Start()

	services := []Stoppable{apiServer, dispatcher, prom}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)

	sig := <-sigc
	l.Infof("got signal: %s, shutting down", sig)

	shutdownCtx, cancel := context.WithTimeout(c.Context, 30*time.Second)
	defer cancel()

	wg := &sync.WaitGroup{}
	for _, service := range services {
		wg.Add(1)
		service := service
		go func(service Stoppable) {
			defer wg.Done()
			err := service.Stop(shutdownCtx)
			if err != nil {
				l.WithError(err).Error("failed to stop service")
			}
		}(service)
	}

	go func() {
		<-shutdownCtx.Done()
		l.WithError(shutdownCtx.Err()).Warn("shutdown was forced, terminating now")
		os.Exit(1)
	}()

	wg.Wait()
	l.Infof("shutdown complete")
	return nil
}

func seed(c *cli.Context) error {

	cfg := clix.Parse[Config](c)

	db, err := dao.NewSQLite(cfg.DbURI)
	if err != nil {
		return err
	}

	members := []audience.Member{
		{Community: "main", Role: "resident", Email: "alice@example.com", FirstName: "Alice", FullName: "Alice Andersson", Active: true},
		{Community: "main", Role: "resident", Email: "bob@example.com", FirstName: "Bob", FullName: "Bob Berg", Active: true},
		{Community: "main", Role: "owner", Email: "carol@example.com", FirstName: "Carol", FullName: "Carol Carlsson", Active: true},
		{Community: "main", Role: "tenant", Email: "dan@example.com", FirstName: "Dan", FullName: "Dan Dahl", Active: true},
		{Community: "main", Role: "board", Email: "erik@example.com", FirstName: "Erik", FullName: "Erik Ek", Active: true},
		{Community: "main", Role: "vendor", Email: "frida@example.com", FirstName: "Frida", FullName: "Frida Falk", Active: true},
		{Community: "main", Role: "resident", Email: "gone@example.com", FirstName: "Gone", FullName: "Gone Gran", Active: false},
	}

	for _, m := range members {
		m.ID = uuid.New().String()
		err = db.AddMember(m)
		if err != nil {
			return err
		}
		log.Infof("seeded member %s (%s)", m.FullName, m.Role)
	}
	log.Infof("seeded %d members", len(members))
	return nil
}
