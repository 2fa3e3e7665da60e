package main

import (
	"fmt"
	"os"
	"time"

	"github.com/modfin/utskick"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "utskick",
		Usage: "an operator cli for a utskickd campaign service",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "host",
				EnvVars: []string{"UTSKICK_HOST"},
				Value:   "http://localhost:8080",
				Usage:   "base url of the utskickd api",
			},
			&cli.StringFlag{
				Name:    "key",
				EnvVars: []string{"UTSKICK_API_KEY"},
				Usage:   "api key",
			},
			&cli.StringFlag{
				Name:    "community",
				EnvVars: []string{"UTSKICK_COMMUNITY"},
				Value:   "main",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "template",
				Usage: "manage message templates",
				Subcommands: []*cli.Command{
					{
						Name: "create",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "name", Required: true},
							&cli.StringFlag{Name: "subject", Required: true, Usage: "subject pattern, may contain {{field}} placeholders"},
							&cli.StringFlag{Name: "body", Required: true, Usage: "body pattern, may contain {{field}} placeholders"},
						},
						Action: templateCreate,
					},
					{
						Name:   "ls",
						Action: templateList,
					},
				},
			},
			{
				Name:  "campaign",
				Usage: "manage campaigns",
				Subcommands: []*cli.Command{
					{
						Name: "create",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "title", Required: true},
							&cli.StringFlag{Name: "template", Required: true, Usage: "template id"},
							&cli.StringFlag{Name: "role", Usage: "audience role, eg resident, owner, tenant, board, vendor; empty targets everyone"},
							&cli.TimestampFlag{Name: "at", Layout: time.RFC3339, Usage: "schedule time, omit for immediate dispatch"},
						},
						Action: campaignCreate,
					},
					{
						Name:   "ls",
						Action: campaignList,
					},
					{
						Name:      "show",
						ArgsUsage: "<campaign-id>",
						Action:    campaignShow,
					},
					{
						Name:      "retry-all",
						ArgsUsage: "<campaign-id>",
						Action:    campaignRetryAll,
					},
				},
			},
			{
				Name:  "failed",
				Usage: "list failed deliveries",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "campaign", Usage: "limit to one campaign"},
				},
				Action: failedList,
			},
			{
				Name:      "retry",
				Usage:     "re-admit one failed delivery",
				ArgsUsage: "<delivery-id>",
				Action:    retryOne,
			},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "got err", err)
		os.Exit(1)
	}
}

func client(c *cli.Context) *utskick.Client {
	return utskick.NewClient(c.String("key"), c.String("host"))
}

func templateCreate(c *cli.Context) error {
	t, err := client(c).CreateTemplate(c.Context, c.String("community"), c.String("name"), c.String("subject"), c.String("body"))
	if err != nil {
		return err
	}
	fmt.Println("created template", t.ID)
	return nil
}

func templateList(c *cli.Context) error {
	ts, err := client(c).ListTemplates(c.Context, c.String("community"))
	if err != nil {
		return err
	}
	for _, t := range ts {
		fmt.Printf("%s  %-20s %s\n", t.ID, t.Name, t.Subject)
	}
	return nil
}

func campaignCreate(c *cli.Context) error {
	cmp, err := client(c).CreateCampaign(c.Context, utskick.CreateCampaignReq{
		Community:    c.String("community"),
		Title:        c.String("title"),
		TemplateID:   c.String("template"),
		AudienceRole: c.String("role"),
		ScheduledAt:  c.Timestamp("at"),
	})
	if err != nil {
		return err
	}
	fmt.Println("created campaign", cmp.ID.String(), "in", cmp.Status)
	return nil
}

func campaignList(c *cli.Context) error {
	cs, err := client(c).ListCampaigns(c.Context, c.String("community"))
	if err != nil {
		return err
	}
	for _, cmp := range cs {
		schedule := "immediate"
		if cmp.ScheduledAt != nil {
			schedule = cmp.ScheduledAt.Format(time.RFC3339)
		}
		fmt.Printf("%s  %-10s %-25s %s  sent=%d failed=%d\n",
			cmp.ID, cmp.Status, cmp.Title, schedule, cmp.SentCount, cmp.FailedCount)
	}
	return nil
}

func campaignShow(c *cli.Context) error {
	if c.Args().Len() != 1 {
		return fmt.Errorf("expected exactly one campaign id")
	}
	d, err := client(c).GetCampaign(c.Context, c.Args().First())
	if err != nil {
		return err
	}
	fmt.Printf("campaign   %s\n", d.ID)
	fmt.Printf("title      %s\n", d.Title)
	fmt.Printf("status     %s\n", d.Status)
	fmt.Printf("audience   %s (%d recipients)\n", d.AudienceRole, d.TotalRecipients)
	fmt.Printf("deliveries %d pending, %d sent, %d failed\n", d.Stats.Pending, d.Stats.Sent, d.Stats.Failed)
	return nil
}

func campaignRetryAll(c *cli.Context) error {
	if c.Args().Len() != 1 {
		return fmt.Errorf("expected exactly one campaign id")
	}
	r, err := client(c).RetryCampaign(c.Context, c.Args().First())
	if err != nil {
		return err
	}
	if r.Retried == 0 {
		fmt.Println("no failed deliveries to retry")
		return nil
	}
	fmt.Printf("re-admitted %d failed deliveries\n", r.Retried)
	return nil
}

func failedList(c *cli.Context) error {
	ds, err := client(c).ListFailedDeliveries(c.Context, c.String("community"), c.String("campaign"))
	if err != nil {
		return err
	}
	for _, d := range ds {
		fmt.Printf("%s  %-30s attempts=%d  %s\n", d.ID, d.RecipientEmail, d.Attempts, d.LastError)
	}
	return nil
}

func retryOne(c *cli.Context) error {
	if c.Args().Len() != 1 {
		return fmt.Errorf("expected exactly one delivery id")
	}
	d, err := client(c).RetryDelivery(c.Context, c.Args().First())
	if err != nil {
		return err
	}
	fmt.Println("delivery", d.ID, "re-admitted, now", d.Status)
	return nil
}
