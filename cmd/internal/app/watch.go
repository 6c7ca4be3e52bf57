package app

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"marketsync/cmd/internal/conversation"
	"marketsync/cmd/internal/credential"
	"marketsync/cmd/internal/metrics"
	"marketsync/cmd/internal/notify"
)

type watchOptions struct {
	Peer           string
	ConversationID string
	MetricsAddr    string
}

// watcher is one running watch session: the notification store plus an optional conversation.
type watcher struct {
	log     Logger
	reg     *prometheus.Registry
	res     *Resources
	channel *notify.Channel
	store   *notify.Store
	engine  *conversation.Engine
	handle  *conversation.Handle
}

func newWatcher(ctx context.Context, cfg Config, log Logger, cred credential.Credential, opts watchOptions) (_ *watcher, err error) {
	w := &watcher{log: log, reg: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			w.close()
		}
	}()

	m, err := metrics.New(w.reg)
	if err != nil {
		return nil, err
	}

	w.channel, err = notify.NewChannel(log, notify.ChannelOptions{
		PushURL:      cfg.pushURL(),
		PollFallback: cfg.PushPollFallback,
		MaxRetries:   cfg.PushMaxRetries,
		BackoffBase:  cfg.PushBackoffBase,
		BackoffMax:   cfg.PushBackoffMax,
	}, notify.WithChannelMetrics(m))
	if err != nil {
		return nil, err
	}

	w.store = notify.NewStore(log, w.channel,
		func(tok string) notify.RemoteAPI { return notify.NewAPI(cfg.APIURL, tok, nil) },
		notify.WithStoreMetrics(m),
		notify.WithRESTTimeout(cfg.RESTTimeout),
		notify.WithOnChange(func(st notify.State) {
			log.Info("watch.notifications",
				"unread", st.UnreadCount,
				"items", len(st.Items),
				"connection", st.Connection.String(),
				"loaded", st.Loaded,
			)
		}),
	)
	if err := w.store.Activate(ctx, cred.UserID, cred.Token); err != nil {
		return nil, err
	}

	if opts.Peer == "" && opts.ConversationID == "" {
		return w, nil
	}

	w.res, err = OpenResources(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	convID := opts.ConversationID
	if convID == "" {
		conv, err := w.res.Threads.EnsureConversation(ctx, []string{cred.UserID, opts.Peer})
		if err != nil {
			return nil, fmt.Errorf("opening conversation with %s: %w", opts.Peer, err)
		}
		convID = conv.ID
	}

	w.engine = conversation.NewEngine(log, w.res.Threads, cred.UserID,
		conversation.WithMetrics(m),
		conversation.WithLimit(cfg.MessageLimit),
		conversation.WithOnChange(func(v conversation.View) {
			attrs := []any{
				"conversation_id", v.ConversationID,
				"state", v.State.String(),
				"messages", len(v.Messages),
			}
			if n := len(v.Messages); n > 0 {
				last := v.Messages[n-1]
				attrs = append(attrs, "last_sender", last.SenderID, "last_text", last.Text)
			}
			if v.Err != nil {
				attrs = append(attrs, "err", v.Err)
			}
			log.Info("watch.conversation", attrs...)
		}),
	)
	// A missing record leaves the engine subscribed but unable to send.
	w.handle, err = w.engine.Activate(ctx, convID)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// handleLine runs one stdin line. Lines starting with "/" are commands; anything else is sent as a message.
func (w *watcher) handleLine(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	cmd, arg, _ := strings.Cut(line, " ")
	switch cmd {
	case "/read":
		return w.store.MarkAsRead(ctx, strings.TrimSpace(arg))
	case "/read-all":
		return w.store.MarkAllAsRead(ctx)
	case "/refresh":
		return w.store.Refresh(ctx)
	case "/state":
		st := w.store.State()
		for _, n := range st.Items {
			w.log.Info("watch.notification", "id", n.ID, "type", n.Type, "title", n.Title, "is_read", n.IsRead)
		}
		return nil
	}

	if w.engine == nil {
		return fmt.Errorf("%w: start watch with --peer or --conversation to send messages", conversation.ErrNotActive)
	}
	id, err := w.engine.Send(ctx, line)
	if err != nil {
		return err
	}
	w.log.Debug("watch.sent", "message_id", id)
	return nil
}

func (w *watcher) ready(ctx context.Context) error {
	if w.res == nil {
		return nil
	}
	return w.res.Ready(ctx)
}

// close tears down in reverse order of construction and waits for background work.
func (w *watcher) close() {
	if w.handle != nil {
		w.handle.Close()
	}
	if w.engine != nil {
		w.engine.Wait()
	}
	if w.store != nil {
		w.store.Deactivate()
		w.store.Wait()
	}
	if w.channel != nil {
		w.channel.Close()
	}
	if w.res != nil {
		if err := w.res.Close(); err != nil {
			w.log.Error("resources.close.fail", "err", err)
		}
	}
}

func runWatch(ctx context.Context, cfg Config, log Logger, cred credential.Credential, opts watchOptions, in io.Reader) error {
	w, err := newWatcher(ctx, cfg, log, cred, opts)
	if err != nil {
		return err
	}
	defer w.close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	if opts.MetricsAddr != "" {
		mux := http.NewServeMux()
		registerHTTP(mux, log, w.ready, w.reg)
		srv := newHTTPServer(cfg, opts.MetricsAddr, WithRequestLogging(mux, log))
		go func() { errCh <- serveHTTP(ctx, log, srv) }()
	}

	if in != nil {
		go func() {
			sc := bufio.NewScanner(in)
			for sc.Scan() {
				if err := w.handleLine(ctx, sc.Text()); err != nil {
					log.Warn("watch.command.fail", "err", err)
				}
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Info("watch.stop")
		return nil
	case err := <-errCh:
		return err
	}
}
