package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"marketsync/cmd/internal/credential"
)

const usage = `marketsync: real-time sync layer for the marketplace dashboards.

Usage:
  marketsync serve-dev [flags]   development push gateway with /healthz, /readyz, /metrics
  marketsync watch [flags]       follow notifications (and optionally one conversation) as the current user
  marketsync login [flags]       store a credential in the OS keyring
  marketsync logout              remove the stored credential

Configuration is read from MARKETSYNC_* environment variables; flags override them.
`

// Main is the CLI entrypoint used by cmd/marketsync.
// It returns an error instead of calling os.Exit to keep defers effective.
func Main(args []string) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return errors.New("missing command")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err := dispatch(ctx, LoadConfig(), args[0], args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	return err
}

func dispatch(ctx context.Context, cfg Config, cmd string, rest []string) error {
	switch cmd {
	case "serve-dev":
		return cmdServeDev(ctx, cfg, rest)
	case "watch":
		return cmdWatch(ctx, cfg, rest, os.Stdin)
	case "login":
		return cmdLogin(cfg, rest)
	case "logout":
		return cmdLogout(cfg, rest)
	case "help", "-h", "--help":
		fmt.Fprint(os.Stdout, usage)
		return nil
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// newFlagSet registers the flags shared by every subcommand.
func newFlagSet(name string, cfg *Config) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "json or pretty")
	return fs
}

func parseFlags(fs *pflag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return err
	}
	if extra := fs.Args(); len(extra) > 0 {
		return fmt.Errorf("unexpected argument: %s", extra[0])
	}
	return nil
}

func loadChecked(cfg Config) (Config, Logger, error) {
	if err := cfg.Validate(); err != nil {
		return cfg, nil, err
	}
	if err := ValidateSecurityConfig(cfg); err != nil {
		return cfg, nil, err
	}
	return cfg, NewLogger(cfg.LogLevel, cfg.LogFormat), nil
}

func cmdServeDev(ctx context.Context, cfg Config, args []string) error {
	fs := newFlagSet("serve-dev", &cfg)
	fs.StringVar(&cfg.HTTPAddr, "addr", cfg.HTTPAddr, "listen address")
	fs.StringVar(&cfg.ThreadBackend, "thread-backend", cfg.ThreadBackend, "memory, postgres or redis")
	fs.StringSliceVar(&cfg.DevTokens, "dev-token", cfg.DevTokens, "token:user pair accepted by the gateway (repeatable)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	cfg, log, err := loadChecked(cfg)
	if err != nil {
		return err
	}
	a, err := New(ctx, cfg, log)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}

func cmdWatch(ctx context.Context, cfg Config, args []string, in io.Reader) error {
	var opts watchOptions
	fs := newFlagSet("watch", &cfg)
	fs.StringVar(&cfg.APIURL, "api-url", cfg.APIURL, "notification REST base URL")
	fs.StringVar(&cfg.PushURL, "push-url", cfg.PushURL, "push gateway base URL (defaults to --api-url)")
	fs.StringVar(&cfg.ThreadBackend, "thread-backend", cfg.ThreadBackend, "memory, postgres or redis")
	fs.StringVar(&cfg.CredentialSource, "credential-source", cfg.CredentialSource, "env or keyring")
	fs.StringVar(&opts.Peer, "peer", "", "open the conversation with this user")
	fs.StringVar(&opts.ConversationID, "conversation", "", "open this conversation id")
	fs.StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve /healthz, /readyz and /metrics on this address")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	cfg, log, err := loadChecked(cfg)
	if err != nil {
		return err
	}
	provider, err := credentialProvider(cfg)
	if err != nil {
		return err
	}
	cred, err := provider.Credential(ctx)
	if err != nil {
		return fmt.Errorf("resolving credential: %w", err)
	}
	log.Info("watch.start", "credential", cred, "api_url", cfg.APIURL)

	return runWatch(ctx, cfg, log, cred, opts, in)
}

func cmdLogin(cfg Config, args []string) error {
	var c credential.Credential
	fs := newFlagSet("login", &cfg)
	fs.StringVar(&c.UserID, "user", cfg.UserID, "user id")
	fs.StringVar(&c.Token, "token", cfg.Token, "bearer token")
	fs.StringVar(&cfg.KeyringDir, "keyring-dir", cfg.KeyringDir, "directory of the file keyring backend")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)

	ring, err := credential.OpenKeyring(cfg.KeyringDir)
	if err != nil {
		return err
	}
	if err := credential.NewKeyring(ring).Store(c); err != nil {
		return err
	}
	log.Info("login.stored", "credential", c)
	return nil
}

func cmdLogout(cfg Config, args []string) error {
	fs := newFlagSet("logout", &cfg)
	fs.StringVar(&cfg.KeyringDir, "keyring-dir", cfg.KeyringDir, "directory of the file keyring backend")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	ring, err := credential.OpenKeyring(cfg.KeyringDir)
	if err != nil {
		return err
	}
	if err := credential.NewKeyring(ring).Clear(); err != nil {
		return err
	}
	NewLogger(cfg.LogLevel, cfg.LogFormat).Info("logout.cleared")
	return nil
}

// credentialProvider selects the credential source named by cfg.
// An explicit MARKETSYNC_TOKEN wins over the keyring.
func credentialProvider(cfg Config) (credential.Provider, error) {
	if cfg.Token != "" && cfg.UserID != "" {
		return credential.Static{UserID: cfg.UserID, Token: cfg.Token}, nil
	}
	switch cfg.CredentialSource {
	case CredentialKeyring:
		ring, err := credential.OpenKeyring(cfg.KeyringDir)
		if err != nil {
			return nil, err
		}
		return credential.NewKeyring(ring), nil
	default:
		return credential.Env{UserIDKey: envPrefix + "USER_ID", TokenKey: envPrefix + "TOKEN"}, nil
	}
}
