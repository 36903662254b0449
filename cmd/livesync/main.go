package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/megan/livesync/internal/api"
	"github.com/megan/livesync/internal/config"
	"github.com/megan/livesync/internal/credential"
	"github.com/megan/livesync/internal/messaging"
	"github.com/megan/livesync/internal/metrics"
	"github.com/megan/livesync/internal/notify"
	"github.com/megan/livesync/internal/reconcile"
	"github.com/megan/livesync/internal/session"
	"github.com/megan/livesync/internal/view"
	"github.com/megan/livesync/internal/ws"
)

// rootOptions are the persistent flags shared by every subcommand. Flags
// override the config file and environment.
type rootOptions struct {
	configPath  string
	apiURL      string
	sessionFile string
	metricsAddr string
	redisAddr   string
	natsURL     string
	logLevel    string
	logFormat   string
}

func main() {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "livesync",
		Short: "Follow WhatsApp dashboard conversations in real time",
		Long: `livesync keeps a terminal view of dashboard conversations in sync with
the realtime service: it joins conversation rooms once authenticated,
relays typing signals and refetches messages, conversations and stats
whenever the server announces a change.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "YAML config file (default $LIVESYNC_CONFIG)")
	flags.StringVar(&opts.apiURL, "api-url", "", "REST base URL, e.g. http://localhost:5001/api")
	flags.StringVar(&opts.sessionFile, "session-file", "", "login session JSON with token and user")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	flags.StringVar(&opts.redisAddr, "redis-addr", "", "mirror the view state to this Redis")
	flags.StringVar(&opts.natsURL, "nats-url", "", "forward notices to this NATS server")
	flags.StringVar(&opts.logLevel, "log-level", "", "trace, debug, info, warn or error")
	flags.StringVar(&opts.logFormat, "log-format", "", "console or json")

	rootCmd.AddCommand(
		followCmd(opts),
		watchCmd(opts),
		takeoverCmd(opts),
		assignCmd(opts),
		noticesCmd(opts),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "livesync: %s\n", err)
		os.Exit(1)
	}
}

// env is what a subcommand needs: configuration, logger, credentials and the
// REST client, plus whatever optional infrastructure the flags enabled.
type env struct {
	cfg   config.Config
	log   zerolog.Logger
	creds credential.Source
	rest  *api.Client
	id    string

	nats    *messaging.NATSClient
	cleanup []func()
}

func (o *rootOptions) setup() (*env, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	override(&cfg.APIURL, o.apiURL)
	override(&cfg.SessionFile, o.sessionFile)
	override(&cfg.Metrics.Addr, o.metricsAddr)
	override(&cfg.Redis.Addr, o.redisAddr)
	override(&cfg.NATS.URL, o.natsURL)
	override(&cfg.Logging.Level, o.logLevel)
	override(&cfg.Logging.Format, o.logFormat)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	sources := credential.Chain{credential.DefaultEnv()}
	if cfg.SessionFile != "" {
		sources = append(sources, credential.File{Path: cfg.SessionFile})
	}

	rest, err := api.NewClient(api.Config{BaseURL: cfg.APIURL, Timeout: cfg.RequestTimeout}, sources)
	if err != nil {
		return nil, err
	}

	return &env{
		cfg:   cfg,
		log:   logger,
		creds: sources,
		rest:  rest,
		id:    uuid.NewString(),
	}, nil
}

// close releases the optional infrastructure in reverse order.
func (e *env) close() {
	for i := len(e.cleanup) - 1; i >= 0; i-- {
		e.cleanup[i]()
	}
}

// startInfra connects the optional metrics endpoint, Redis mirror and NATS
// forwarder and returns the matching session options.
func (e *env) startInfra() ([]session.Option, error) {
	opts := []session.Option{session.WithID(e.id)}

	if addr := e.cfg.Metrics.Addr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				e.log.Error().Err(err).Str("addr", addr).Msg("metrics server failed")
			}
		}()
		e.log.Info().Str("addr", addr).Msg("serving metrics")
		e.cleanup = append(e.cleanup, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		})
	}

	if addr := e.cfg.Redis.Addr; addr != "" {
		m, err := view.NewRedisMirror(addr)
		if err != nil {
			return nil, err
		}
		e.cleanup = append(e.cleanup, func() {
			_ = m.Delete(context.Background(), e.id)
			_ = m.Close()
		})
		opts = append(opts, session.WithMirror(m))
		e.log.Info().Str("key", view.KeyPrefix+e.id).Msg("mirroring view to redis")
	}

	if u := e.cfg.NATS.URL; u != "" {
		nc, err := e.connectNATS()
		if err != nil {
			return nil, err
		}
		opts = append(opts, session.WithNoticeSink(messaging.NewNoticeForwarder(nc, e.id)))
		e.log.Info().Str("subject", messaging.NoticeSubject(e.id)).Msg("forwarding notices to nats")
	}
	return opts, nil
}

func (e *env) connectNATS() (*messaging.NATSClient, error) {
	if e.nats != nil {
		return e.nats, nil
	}
	nc := messaging.DefaultNATSConfig()
	nc.URL = e.cfg.NATS.URL
	if e.cfg.NATS.Name != "" {
		nc.Name = e.cfg.NATS.Name
	}
	client, err := messaging.NewNATSClient(nc, e.log)
	if err != nil {
		return nil, err
	}
	e.nats = client
	e.cleanup = append(e.cleanup, client.Close)
	return client, nil
}

// newSession builds a session on the websocket transport.
func (e *env) newSession() (*session.Session, error) {
	opts, err := e.startInfra()
	if err != nil {
		return nil, err
	}

	sock, err := e.cfg.Socket()
	if err != nil {
		return nil, err
	}
	dialer := ws.NewDialer(ws.DialerConfig{
		URL:            sock,
		ConnectTimeout: e.cfg.ConnectTimeout,
		WriteTimeout:   e.cfg.RequestTimeout,
		PingInterval:   e.cfg.PingInterval,
	})

	sc := session.DefaultConfig()
	sc.Channel.ConnectTimeout = e.cfg.ConnectTimeout
	sc.Room.SettleDelay = e.cfg.JoinSettleDelay
	sc.Typing.IdleTimeout = e.cfg.TypingIdle
	sc.Typing.RemoteTTL = e.cfg.RemoteTypingTTL
	sc.Reconcile = reconcile.Config{
		DebounceWindow:   e.cfg.RefreshDebounce,
		SendRefreshDelay: e.cfg.SendRefreshDelay,
		RequestTimeout:   e.cfg.RequestTimeout,
		StatsPeriod:      e.cfg.StatsPeriod,
		PageSize:         e.cfg.MessagesPageSize,
	}
	sc.Notify.TTL = e.cfg.NoticeTTL

	e.log.Info().
		Str("api_url", e.cfg.APIURL).
		Str("socket_url", sock).
		Str("session", e.id).
		Msg("starting session")

	return session.New(sc, e.creds, e.rest, session.WSDial(dialer), e.log, opts...), nil
}

func newLogger(c config.LoggingConfig) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if c.Level != "" {
		l, err := zerolog.ParseLevel(c.Level)
		if err != nil {
			return zerolog.Logger{}, errors.Wrapf(err, "log level %q", c.Level)
		}
		level = l
	}
	zerolog.SetGlobalLevel(level)

	var logger zerolog.Logger
	if c.Format == "json" {
		logger = zerolog.New(os.Stderr)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	logger = logger.With().Timestamp().Logger()
	log.Logger = logger
	return logger, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// printNotice writes a notice line to stdout.
func printNotice(n notify.Notice) {
	mark := "i"
	switch n.Kind {
	case notify.KindSuccess:
		mark = "✓"
	case notify.KindError:
		mark = "✗"
	}
	fmt.Printf("%s %s  %s\n", n.At.Format(time.Kitchen), mark, n.Message)
}
