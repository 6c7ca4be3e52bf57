package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"marketsync/cmd/internal/conversation"
	"marketsync/cmd/internal/credential"
	"marketsync/cmd/internal/notify"
	"marketsync/cmd/internal/pushgw"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("MARKETSYNC_THREAD_BACKEND", "Redis")
	t.Setenv("MARKETSYNC_REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("MARKETSYNC_PUSH_MAX_RETRIES", "7")
	t.Setenv("MARKETSYNC_PUSH_BACKOFF_BASE", "100ms")
	t.Setenv("MARKETSYNC_DEV_TOKENS", "tok-1:u1, ,tok-2:u2")
	t.Setenv("MARKETSYNC_MESSAGE_LIMIT", "-3")

	cfg := LoadConfig()
	if cfg.ThreadBackend != BackendRedis || cfg.RedisURL == "" {
		t.Fatalf("backend=%q redis=%q", cfg.ThreadBackend, cfg.RedisURL)
	}
	if cfg.PushMaxRetries != 7 || cfg.PushBackoffBase != 100*time.Millisecond {
		t.Fatalf("retries=%d base=%v", cfg.PushMaxRetries, cfg.PushBackoffBase)
	}
	if !slices.Equal(cfg.DevTokens, []string{"tok-1:u1", "tok-2:u2"}) {
		t.Fatalf("dev tokens=%v", cfg.DevTokens)
	}
	if cfg.MessageLimit != 100 {
		t.Fatalf("message limit=%d want=100", cfg.MessageLimit)
	}
	if cfg.pushURL() != cfg.APIURL {
		t.Fatalf("push url=%q want api url %q", cfg.pushURL(), cfg.APIURL)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	base := Config{
		ThreadBackend:    BackendMemory,
		CredentialSource: CredentialEnv,
		LogFormat:        "json",
		PushBackoffBase:  time.Second,
		PushBackoffMax:   2 * time.Second,
	}
	cases := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{name: "defaults", mutate: func(*Config) {}, ok: true},
		{name: "postgres without url", mutate: func(c *Config) { c.ThreadBackend = BackendPostgres }},
		{name: "redis without url", mutate: func(c *Config) { c.ThreadBackend = BackendRedis }},
		{name: "unknown backend", mutate: func(c *Config) { c.ThreadBackend = "firestore" }},
		{name: "unknown credential source", mutate: func(c *Config) { c.CredentialSource = "vault" }},
		{name: "pretty logs", mutate: func(c *Config) { c.LogFormat = "pretty" }, ok: true},
		{name: "inverted backoff", mutate: func(c *Config) { c.PushBackoffMax = time.Millisecond }},
	}
	for _, tc := range cases {
		cfg := base
		tc.mutate(&cfg)
		if err := cfg.Validate(); (err == nil) != tc.ok {
			t.Fatalf("%s: err=%v wantOK=%v", tc.name, err, tc.ok)
		}
	}
}

func TestValidateSecurityConfig(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{name: "empty", cfg: Config{APIURL: "http://localhost"}, ok: true},
		{name: "key at limit", cfg: Config{FingerprintKey: strings.Repeat("k", 64)}, ok: true},
		{name: "key too long", cfg: Config{FingerprintKey: strings.Repeat("k", 65)}},
		{name: "tls required plain api", cfg: Config{RequireTLS: true, APIURL: "http://api.example.com"}},
		{name: "tls required plain push", cfg: Config{RequireTLS: true, APIURL: "https://api.example.com", PushURL: "ws://push.example.com"}},
		{name: "tls satisfied", cfg: Config{RequireTLS: true, APIURL: "https://api.example.com", PushURL: "wss://push.example.com"}, ok: true},
	}
	for _, tc := range cases {
		if err := ValidateSecurityConfig(tc.cfg); (err == nil) != tc.ok {
			t.Fatalf("%s: err=%v wantOK=%v", tc.name, err, tc.ok)
		}
	}
}

func TestEnvCSV(t *testing.T) {
	t.Setenv("MARKETSYNC_TEST_CSV", " a, b ,,c ")
	if got := EnvCSV("MARKETSYNC_TEST_CSV", nil); !slices.Equal(got, []string{"a", "b", "c"}) {
		t.Fatalf("got=%v", got)
	}
	t.Setenv("MARKETSYNC_TEST_CSV", " , ")
	if got := EnvCSV("MARKETSYNC_TEST_CSV", []string{"def"}); !slices.Equal(got, []string{"def"}) {
		t.Fatalf("got=%v want default", got)
	}
}

func TestCredentialProvider(t *testing.T) {
	t.Parallel()

	p, err := credentialProvider(Config{UserID: "u1", Token: "tok-1", CredentialSource: CredentialKeyring})
	if err != nil {
		t.Fatalf("credentialProvider: %v", err)
	}
	if _, ok := p.(credential.Static); !ok {
		t.Fatalf("provider=%T want credential.Static", p)
	}

	p, err = credentialProvider(Config{CredentialSource: CredentialEnv})
	if err != nil {
		t.Fatalf("credentialProvider: %v", err)
	}
	env, ok := p.(credential.Env)
	if !ok || env.TokenKey != "MARKETSYNC_TOKEN" || env.UserIDKey != "MARKETSYNC_USER_ID" {
		t.Fatalf("provider=%#v", p)
	}
}

func TestDispatch_UnknownCommandAndHelp(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	if err := dispatch(ctx, Config{}, "frobnicate", nil); err == nil {
		t.Fatalf("unknown command accepted")
	}
	if err := dispatch(ctx, Config{}, "watch", []string{"--nope"}); err == nil {
		t.Fatalf("unknown flag accepted")
	}
	if err := dispatch(ctx, Config{}, "serve-dev", []string{"--help"}); !errors.Is(err, pflag.ErrHelp) {
		t.Fatalf("err=%v want help", err)
	}
}

func startDevServer(t *testing.T) (*App, *httptest.Server) {
	t.Helper()

	cfg := Config{
		ThreadBackend: BackendMemory,
		DevTokens:     []string{"tok-1:u1", "tok-2:u2"},
	}
	a, err := New(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(a.Handler())
	t.Cleanup(ts.Close)
	return a, ts
}

func TestApp_OperationalRoutes(t *testing.T) {
	t.Parallel()

	_, ts := startDevServer(t)

	cases := []struct {
		path string
		want string
	}{
		{path: "/healthz", want: "ok"},
		{path: "/readyz", want: "ready"},
		{path: "/metrics", want: "go_goroutines"},
	}
	for _, tc := range cases {
		resp, err := http.Get(ts.URL + tc.path)
		if err != nil {
			t.Fatalf("GET %s: %v", tc.path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), tc.want) {
			t.Fatalf("GET %s status=%d body=%q", tc.path, resp.StatusCode, body)
		}
	}

	resp, err := http.Get(ts.URL + "/notifications/my-count")
	if err != nil {
		t.Fatalf("GET my-count: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous my-count status=%d want=401", resp.StatusCode)
	}
}

func TestWatcher_AgainstDevServer(t *testing.T) {
	t.Parallel()

	a, ts := startDevServer(t)
	cfg := Config{
		APIURL:          ts.URL,
		PushMaxRetries:  2,
		PushBackoffBase: 5 * time.Millisecond,
		PushBackoffMax:  20 * time.Millisecond,
		RESTTimeout:     2 * time.Second,
		ThreadBackend:   BackendMemory,
		MessageLimit:    100,
	}
	ctx := context.Background()

	w, err := newWatcher(ctx, cfg, testLogger(), credential.Credential{UserID: "u1", Token: "tok-1"}, watchOptions{Peer: "u2"})
	if err != nil {
		t.Fatalf("newWatcher: %v", err)
	}
	t.Cleanup(w.close)

	waitFor(t, 5*time.Second, func() bool {
		st := w.store.State()
		return st.Loaded && st.Connection == notify.StateConnected
	})

	if _, err := a.Gateway().Publish("u1", pushgw.Notification{Title: "New offer", Type: "offer"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		st := w.store.State()
		return st.UnreadCount == 1 && len(st.Items) == 1
	})

	if err := w.handleLine(ctx, "/read-all"); err != nil {
		t.Fatalf("/read-all: %v", err)
	}
	if st := w.store.State(); st.UnreadCount != 0 || !st.Items[0].IsRead {
		t.Fatalf("state after read-all: %+v", st)
	}
	if n := a.Gateway().Inbox().UnreadCount("u1"); n != 0 {
		t.Fatalf("server unread=%d want=0", n)
	}

	if err := w.handleLine(ctx, "  hello there  "); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		v := w.engine.View()
		return len(v.Messages) == 1 && v.Messages[0].Text == "hello there" && v.ReceiverID == "u2"
	})

	if err := w.handleLine(ctx, "/state"); err != nil {
		t.Fatalf("/state: %v", err)
	}
}

func TestWatcher_SendWithoutConversation(t *testing.T) {
	t.Parallel()

	w := &watcher{log: testLogger()}
	if err := w.handleLine(context.Background(), "hi"); !errors.Is(err, conversation.ErrNotActive) {
		t.Fatalf("err=%v want=%v", err, conversation.ErrNotActive)
	}
	if err := w.handleLine(context.Background(), "   "); err != nil {
		t.Fatalf("blank line err=%v", err)
	}
}
