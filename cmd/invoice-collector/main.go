package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"

	"invoice-collector-go/internal/app"
	"invoice-collector-go/internal/config"
	"invoice-collector-go/internal/handler"
	"invoice-collector-go/internal/pipeline"
	"invoice-collector-go/internal/report"
)

func main() {
	cliApp := &cli.App{
		Name:  "invoice-collector",
		Usage: "collect supplier invoices from a mailbox into cloud storage",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the config file",
				EnvVars: []string{"CONFIG_PATH"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "run the scheduler and the admin HTTP server",
				Action: func(c *cli.Context) error {
					return app.Run(c.String("config"))
				},
			},
			{
				Name:   "poll",
				Usage:  "run one incremental cycle from the stored watermark",
				Action: poll,
			},
			{
				Name:  "backfill",
				Usage: "replay a historical window without moving the watermark",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "since", Usage: "window start (RFC3339 or YYYY-MM-DD)", Required: true},
					&cli.StringFlag{Name: "until", Usage: "window end, defaults to now"},
					&cli.BoolFlag{Name: "dry-run", Usage: "list planned uploads without side effects"},
				},
				Action: backfill,
			},
			{
				Name:  "report",
				Usage: "generate the monthly summary workbook, defaults to the previous month",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "year"},
					&cli.IntFlag{Name: "month"},
				},
				Action: generateReport,
			},
			{
				Name:   "auth",
				Usage:  "obtain a Gmail refresh token for the configured OAuth client",
				Action: auth,
			},
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		logrus.Fatalf("application error: %v", err)
	}
}

// withApp wires the application, runs fn with a context cancelled on
// SIGINT or SIGTERM, then releases every resource.
func withApp(c *cli.Context, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := app.Load(c.String("config"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func poll(c *cli.Context) error {
	return withApp(c, func(ctx context.Context, a *app.App) error {
		summary, err := a.Runner.Poll(ctx)
		if err != nil {
			return err
		}
		return printJSON(summary)
	})
}

func backfill(c *cli.Context) error {
	req := pipeline.BackfillRequest{DryRun: c.Bool("dry-run")}

	since, err := handler.ParseTime(c.String("since"))
	if err != nil {
		return fmt.Errorf("invalid --since: %w", err)
	}
	req.Since = since
	if c.String("until") != "" {
		if req.Until, err = handler.ParseTime(c.String("until")); err != nil {
			return fmt.Errorf("invalid --until: %w", err)
		}
	}

	return withApp(c, func(ctx context.Context, a *app.App) error {
		summary, err := a.Runner.Backfill(ctx, req)
		if err != nil {
			return err
		}
		return printJSON(summary)
	})
}

func generateReport(c *cli.Context) error {
	year, month := report.PreviousMonth(time.Now())
	if c.IsSet("year") {
		year = c.Int("year")
	}
	if c.IsSet("month") {
		month = c.Int("month")
	}

	return withApp(c, func(ctx context.Context, a *app.App) error {
		rep, err := a.Reporter.Generate(ctx, year, month)
		if err != nil {
			return err
		}
		return printJSON(rep)
	})
}

// auth runs the installed-app OAuth flow and prints the refresh token to
// store as mail.refresh_token.
func auth(c *cli.Context) error {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return err
	}
	if cfg.Mail.ClientID == "" || cfg.Mail.ClientSecret == "" {
		return fmt.Errorf("mail.client_id and mail.client_secret must be set")
	}

	oauth2Config := &oauth2.Config{
		ClientID:     cfg.Mail.ClientID,
		ClientSecret: cfg.Mail.ClientSecret,
		Scopes:       []string{gmail.GmailReadonlyScope},
		Endpoint:     google.Endpoint,
		RedirectURL:  "http://localhost:8080/callback",
	}

	authURL := oauth2Config.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
	fmt.Printf("Go to the following link in your browser: %v\n", authURL)
	fmt.Println("\nAfter authorization, copy the 'code' parameter from the redirect URL.")

	var authCode string
	fmt.Print("\nEnter the authorization code: ")
	if _, err := fmt.Scan(&authCode); err != nil {
		return fmt.Errorf("failed to read authorization code: %w", err)
	}

	tok, err := oauth2Config.Exchange(c.Context, authCode)
	if err != nil {
		return fmt.Errorf("unable to retrieve token: %w", err)
	}

	fmt.Printf("\nRefresh Token: %s\n", tok.RefreshToken)
	fmt.Printf("Expiry: %v\n", tok.Expiry)
	fmt.Println("\nAdd the refresh token to your environment variables:")
	fmt.Printf("export GMAIL_REFRESH_TOKEN=\"%s\"\n", tok.RefreshToken)
	return nil
}
