package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/oauth2"

	"stravasync/internal/auth"
	"stravasync/internal/config"
	"stravasync/internal/scheduler"
	"stravasync/internal/service"
	"stravasync/internal/sink"
	"stravasync/internal/store"
	"stravasync/internal/strava"
	"stravasync/internal/webhook"
)

const usage = `usage: stravasync [-config path] <command> [flags]

commands:
  serve       run the poller and the webhook receiver until interrupted
  sync        run one sync pass over every account and exit
  authorize   authorize an account (-account name [-code code])
  reindex     re-read an account's history (-account name -from YYYY-MM-DD)
  status      print accounts, cursors and queued updates
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

func run(args []string) error {
	global := flag.NewFlagSet("stravasync", flag.ContinueOnError)
	configPath := global.String("config", "", "config file (default ~/.stravasync/config.json)")
	global.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	if err := global.Parse(args); err != nil {
		return err
	}
	if global.NArg() == 0 {
		global.Usage()
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if errors.Is(err, config.ErrNoConfig) {
		fmt.Println("No config file found. Creating example config...")
		if err := config.CreateExample(*configPath); err != nil {
			return fmt.Errorf("creating example config: %w", err)
		}
		fmt.Printf("\nPlease edit the config file at:\n  %s\n\n", displayPath(*configPath))
		fmt.Println("You need to add your Strava API credentials and accounts.")
		fmt.Println("Get them from: https://www.strava.com/settings/api")
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Validate config
	if err := cfg.Validate(); err != nil {
		fmt.Printf("Config validation failed: %v\n\n", err)
		fmt.Printf("Please edit the config file at:\n  %s\n", displayPath(*configPath))
		return nil
	}

	logger, err := cfg.Log.NewLogger(os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	app, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer app.close()

	cmd, rest := global.Arg(0), global.Args()[1:]
	switch cmd {
	case "serve":
		return app.serve(ctx)
	case "sync":
		return app.syncOnce(ctx)
	case "authorize":
		return app.authorize(ctx, rest)
	case "reindex":
		return app.reindex(ctx, rest)
	case "status":
		return app.status(ctx)
	default:
		global.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// app holds the wiring shared by the commands
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	db      *store.DB
	fetcher *strava.Fetcher
	tokens  *auth.Manager
	out     sink.Sink
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	// Open database
	db, err := store.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	fetcher := strava.NewFetcher(strava.WithLogger(logger))
	oauthCfg := auth.NewOAuthConfig(auth.Config{
		ClientID:     cfg.Strava.ClientID,
		ClientSecret: cfg.Strava.ClientSecret,
		RedirectURL:  auth.RedirectURL,
	})
	tokens := auth.NewManager(oauthCfg, db, fetcher,
		auth.WithRefreshMargin(cfg.Sync.RefreshMargin.Std()),
		auth.WithManagerLogger(logger))

	return &app{
		cfg:     cfg,
		logger:  logger,
		db:      db,
		fetcher: fetcher,
		tokens:  tokens,
	}, nil
}

func (a *app) close() {
	if a.out != nil {
		if err := a.out.Close(); err != nil {
			a.logger.Warn("Closing sink", "error", err)
		}
	}
	a.db.Close()
}

func (a *app) openSink() error {
	topics := make(map[sink.Category]string, len(a.cfg.Sink.Topics))
	for category, topic := range a.cfg.Sink.Topics {
		topics[sink.Category(category)] = topic
	}
	out, err := sink.Open(sink.Options{
		Kind:    a.cfg.Sink.Kind,
		Path:    a.cfg.Sink.Path,
		Brokers: a.cfg.Sink.Brokers,
		Topics:  topics,
	})
	if err != nil {
		return fmt.Errorf("opening sink: %w", err)
	}
	a.out = out
	return nil
}

func (a *app) accounts() ([]service.Account, error) {
	accounts := make([]service.Account, 0, len(a.cfg.Accounts))
	for _, c := range a.cfg.Accounts {
		start, err := c.StartUnix()
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", c.Name, err)
		}
		accounts = append(accounts, service.Account{Name: c.Name, AuthCode: c.AuthCode, StartTime: start})
	}
	return accounts, nil
}

func (a *app) syncService(opts ...service.Option) (*service.SyncService, error) {
	accounts, err := a.accounts()
	if err != nil {
		return nil, err
	}
	if err := a.openSink(); err != nil {
		return nil, err
	}
	newClient := func(ts oauth2.TokenSource) service.API {
		return strava.NewClient(a.fetcher, ts, a.cfg.Strava.BaseURL)
	}
	opts = append([]service.Option{
		service.WithLogger(a.logger),
		service.WithPageSize(a.cfg.Sync.PageSize),
	}, opts...)
	return service.NewSyncService(accounts, a.tokens, a.db, a.out, newClient, opts...), nil
}

func (a *app) syncOnce(ctx context.Context) error {
	svc, err := a.syncService()
	if err != nil {
		return err
	}
	if err := svc.Validate(ctx); err != nil {
		return err
	}
	return svc.Run(ctx)
}

func (a *app) serve(ctx context.Context) error {
	var sched *scheduler.Scheduler
	svc, err := a.syncService(service.WithReindexHook(func() { sched.Trigger("reindex") }))
	if err != nil {
		return err
	}
	sched = scheduler.New(svc, a.cfg.Sync.Interval.Std(),
		scheduler.WithJitter(a.cfg.Sync.Jitter),
		scheduler.WithRunTimeout(a.cfg.Sync.RunTimeout.Std()),
		scheduler.WithLogger(a.logger))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 2)
	running := 1
	go func() { errc <- sched.Start(ctx) }()

	if a.cfg.Webhook.Enabled {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Webhook.Port))
		if err != nil {
			return fmt.Errorf("starting webhook listener: %w", err)
		}
		handler := webhook.NewHandler(a.cfg.Webhook.VerifyToken, a.db, a.out, sched.Trigger, a.logger)
		srv := webhook.NewServer(webhook.Config{
			Port:     a.cfg.Webhook.Port,
			Path:     a.cfg.Webhook.Path,
			CertFile: a.cfg.Webhook.CertFile,
			KeyFile:  a.cfg.Webhook.KeyFile,
		}, handler, a.logger)
		running++
		go func() { errc <- srv.Serve(ctx, ln) }()

		if a.cfg.Webhook.CallbackURL != "" {
			// Strava challenges the callback during Create, so the listener must be up first
			go a.ensureSubscription(ctx)
		}
	}

	var errs []error
	for ; running > 0; running-- {
		if err := <-errc; err != nil {
			errs = append(errs, err)
			cancel()
		}
	}
	return errors.Join(errs...)
}

func (a *app) ensureSubscription(ctx context.Context) {
	subs := strava.NewSubscriptionClient(a.fetcher, a.cfg.Strava.BaseURL, a.cfg.Strava.ClientID, a.cfg.Strava.ClientSecret)
	_, err := webhook.EnsureSubscription(ctx, subs, a.cfg.Webhook.CallbackURL, a.cfg.Webhook.VerifyToken, a.logger)
	if err != nil && ctx.Err() == nil {
		a.logger.Error("Push subscription unavailable, relying on polling", "error", err)
	}
}

func (a *app) authorize(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("authorize", flag.ContinueOnError)
	name := fs.String("account", "", "account name from the config file")
	code := fs.String("code", "", "authorization code (default: run the local browser flow)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	acc, err := a.configuredAccount(*name)
	if err != nil {
		return err
	}

	if *code == "" {
		fmt.Println("Starting OAuth flow...")
		*code, err = auth.Authorize(ctx, a.tokens.OAuthConfig())
		if err != nil {
			return fmt.Errorf("authentication: %w", err)
		}
	}

	_, athlete, err := a.tokens.Exchange(ctx, acc.Name, *code)
	if err != nil {
		return fmt.Errorf("exchanging authorization code: %w", err)
	}

	if err := a.db.CreateAccount(ctx, &store.Account{Name: acc.Name, SyncCursor: acc.StartTime}); err != nil {
		return fmt.Errorf("creating account: %w", err)
	}
	if athlete != nil {
		if err := a.db.SetProfile(ctx, acc.Name, athlete.ID, athlete.DisplayName()); err != nil {
			return fmt.Errorf("saving account: %w", err)
		}
	}
	if err := a.db.ClearHalt(ctx, acc.Name); err != nil {
		return fmt.Errorf("resuming account: %w", err)
	}
	account, err := a.db.GetAccount(ctx, acc.Name)
	if err != nil {
		return fmt.Errorf("loading account: %w", err)
	}

	fmt.Println()
	fmt.Printf("Successfully authorized %s as %s!\n", acc.Name, account.DisplayName)
	return nil
}

func (a *app) reindex(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("reindex", flag.ContinueOnError)
	name := fs.String("account", "", "account name from the config file")
	from := fs.String("from", "", "re-read activities started after this date (RFC 3339 or YYYY-MM-DD)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	acc, err := a.configuredAccount(*name)
	if err != nil {
		return err
	}
	if *from == "" {
		return errors.New("-from is required")
	}
	ts, err := config.ParseTime(*from)
	if err != nil {
		return fmt.Errorf("-from: %w", err)
	}

	if err := a.db.RequestReindex(ctx, acc.Name, ts); err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return fmt.Errorf("account %s has not synced yet, run `stravasync authorize -account %s` first", acc.Name, acc.Name)
		}
		return err
	}
	fmt.Printf("Reindex of %s from %s requested, it starts with the next sync run.\n",
		acc.Name, time.Unix(ts, 0).UTC().Format(time.RFC3339))
	return nil
}

func (a *app) status(ctx context.Context) error {
	accounts, err := a.db.ListAccounts(ctx)
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		fmt.Println("No accounts have synced yet.")
		return nil
	}
	for _, acc := range accounts {
		pending, err := a.db.CountPending(ctx, acc.AthleteID)
		if err != nil {
			return err
		}
		lastRun, err := a.db.GetSyncState(ctx, store.LastRunKey(acc.Name))
		if err != nil {
			return err
		}
		if lastRun == "" {
			lastRun = "never"
		}

		fmt.Printf("%s (%s, athlete %d)\n", acc.Name, acc.DisplayName, acc.AthleteID)
		fmt.Printf("  cursor:   %s\n", time.Unix(acc.SyncCursor, 0).UTC().Format(time.RFC3339))
		fmt.Printf("  queued:   %d\n", pending)
		fmt.Printf("  last run: %s\n", lastRun)
		if acc.ReindexFrom != nil {
			fmt.Printf("  reindex:  from %s\n", time.Unix(*acc.ReindexFrom, 0).UTC().Format(time.RFC3339))
		}
		if acc.Halted {
			fmt.Printf("  HALTED:   %s\n", acc.HaltReason)
		}
	}
	return nil
}

// configuredAccount looks name up in the config; with a single account the
// name may be omitted
func (a *app) configuredAccount(name string) (service.Account, error) {
	accounts, err := a.accounts()
	if err != nil {
		return service.Account{}, err
	}
	if name == "" && len(accounts) == 1 {
		return accounts[0], nil
	}
	for _, acc := range accounts {
		if acc.Name == name {
			return acc, nil
		}
	}
	if name == "" {
		return service.Account{}, errors.New("-account is required when more than one account is configured")
	}
	return service.Account{}, fmt.Errorf("account %q is not in the config file", name)
}

func displayPath(path string) string {
	if path != "" {
		return path
	}
	if p, err := config.DefaultPath(); err == nil {
		return p
	}
	return "~/.stravasync/config.json"
}
