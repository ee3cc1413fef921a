package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/tonimelisma/onboard-sync/internal/engine"
	"github.com/tonimelisma/onboard-sync/internal/scopestore"
	"github.com/tonimelisma/onboard-sync/internal/tokenfile"
	"github.com/tonimelisma/onboard-sync/internal/transport"
)

// closeTimeout bounds the flush when a command finishes.
const closeTimeout = 30 * time.Second

// engineHandle owns an engine and the store under it.
type engineHandle struct {
	*engine.Engine
	store scopestore.Store
}

// openEngine builds an engine from the resolved config. The CLI runs one
// process per command, so the per-process scope lives in the durable store
// too; otherwise every command would start without a session.
func openEngine(ctx context.Context, cc *CLIContext) (*engineHandle, error) {
	cfg := cc.Cfg
	if cfg.BaseURL == "" {
		return nil, errors.New("server.base_url not configured: set it in the config file, ONBOARD_SYNC_BASE_URL or --base-url")
	}

	var tokens oauth2.TokenSource

	ownerID := cfg.OwnerID

	ts, cred, err := tokenfile.Resolve(cfg.TokenFile, cfg.Token)

	switch {
	case errors.Is(err, tokenfile.ErrNoCredential):
		cc.Logger.Debug("no credential, sending unauthenticated requests")
	case err != nil:
		return nil, err
	default:
		tokens = ts

		if ownerID == "" {
			ownerID = cred.OwnerID
		}
	}

	store, err := scopestore.Open(ctx, cfg.Storage, cc.Logger)
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", cfg.Storage.Backend, err)
	}

	client := transport.NewClient(cfg.BaseURL, newHTTPClient(cfg.ConnectTimeout, cfg.RequestTimeout), tokens,
		userAgent(cfg.UserAgent), cc.Logger)

	e, err := engine.New(ctx, &engine.Config{
		Sender:        client,
		Store:         store,
		Tab:           store,
		OwnerID:       ownerID,
		Autosave:      cfg.Autosave,
		CacheTTL:      cfg.CacheTTL,
		ProbeInterval: cfg.ProbeInterval,
		Logger:        cc.Logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &engineHandle{Engine: e, store: store}, nil
}

// Close flushes pending saves within closeTimeout and releases the store.
// Saves that could not be sent stay in the store for the next run.
func (h *engineHandle) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	err := h.Engine.Close(ctx)

	return errors.Join(err, h.store.Close())
}

func newHTTPClient(connectTimeout, requestTimeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: connectTimeout}

	return &http.Client{
		Timeout: requestTimeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         dialer.DialContext,
			TLSHandshakeTimeout: connectTimeout,
			MaxIdleConnsPerHost: 8,
		},
	}
}

func userAgent(configured string) string {
	if configured != "" {
		return configured
	}

	return "onboard-sync/" + version
}
