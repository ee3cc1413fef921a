package engine

import (
	"context"
	"fmt"
	"net/http"

	"github.com/tonimelisma/onboard-sync/internal/session"
	"github.com/tonimelisma/onboard-sync/internal/transport"
)

// ResolveSession picks the active onboarding resource. A nil Validator in
// opts checks the resource against the server; an empty OwnerID uses the
// engine's owner.
func (e *Engine) ResolveSession(ctx context.Context, opts session.Options) (*session.Resolution, error) {
	if opts.Validator == nil {
		opts.Validator = e.validateResource
	}

	if opts.OwnerID == "" {
		opts.OwnerID = e.ownerID
	}

	res, err := e.resolver.Resolve(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("engine: resolving session: %w", err)
	}

	return res, nil
}

// EnsureSession resolves the session and creates a fresh one when the
// resolver says to.
func (e *Engine) EnsureSession(ctx context.Context, opts session.Options) (*session.Session, error) {
	res, err := e.ResolveSession(ctx, opts)
	if err != nil {
		return nil, err
	}

	if res.Session != nil {
		return res.Session, nil
	}

	if !res.ShouldCreateNew {
		return nil, fmt.Errorf("engine: session unavailable (%s)", res.Reason)
	}

	return e.NewSession(ctx)
}

// NewSession starts a brand-new onboarding resource.
func (e *Engine) NewSession(ctx context.Context) (*session.Session, error) {
	sess, err := e.resolver.CreateNew(ctx, e.ownerID)
	if err != nil {
		return nil, fmt.Errorf("engine: creating session: %w", err)
	}

	return sess, nil
}

// CurrentSession returns the active session, or nil.
func (e *Engine) CurrentSession(ctx context.Context) (*session.Session, error) {
	sess, err := e.resolver.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: reading session: %w", err)
	}

	return sess, nil
}

// ClearSession ends the current session on logout or reset. Cached reads
// and version tokens for the resource are dropped; unsent saves are kept.
func (e *Engine) ClearSession(ctx context.Context) error {
	sess, err := e.CurrentSession(ctx)
	if err != nil {
		return err
	}

	if err := e.resolver.Clear(ctx, e.ownerID); err != nil {
		return fmt.Errorf("engine: clearing session: %w", err)
	}

	if sess == nil {
		return nil
	}

	e.cache.InvalidatePrefix(ctx, resourceReadPrefix(sess.ResourceID))
	e.versions.Forget(ctx, sess.ResourceID)

	e.mu.Lock()
	delete(e.trackers, sess.ResourceID)
	e.mu.Unlock()

	return nil
}

func (e *Engine) requireSession(ctx context.Context) (*session.Session, error) {
	sess, err := e.CurrentSession(ctx)
	if err != nil {
		return nil, err
	}

	if sess == nil {
		return nil, ErrNoSession
	}

	return sess, nil
}

// validateResource asks the server whether a resource is usable. Status
// errors carry the transport sentinels the resolver classifies.
func (e *Engine) validateResource(ctx context.Context, resourceID string) error {
	_, err := e.sender.Send(ctx, &transport.Request{
		Method: http.MethodGet,
		Path:   transport.ResourcePath(resourceID),
	})

	return err
}
