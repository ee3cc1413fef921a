// Package session decides which onboarding resource the current process is
// working on. It is the only component that reads or writes identity
// storage.
//
// Identifiers are looked up in strictly descending priority: an explicit
// reference (deep link), the tab-scoped current session, the identifier
// remembered for the authenticated owner, and finally a generic last-used
// identifier. The winner is written back to every scope so later processes
// converge on the same resource instead of minting duplicates.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/tonimelisma/onboard-sync/internal/scopestore"
	"github.com/tonimelisma/onboard-sync/internal/transport"
)

// Source records where a session's identifier came from.
type Source string

// Sources in descending priority, plus freshly-created for minted ids.
const (
	SourceExplicit Source = "explicit-reference"
	SourceTab      Source = "session-scope"
	SourceOwner    Source = "user-scope"
	SourceGeneric  Source = "generic-scope"
	SourceFresh    Source = "freshly-created"
)

// Reason explains why Resolve returned no session.
type Reason string

const (
	ReasonNone         Reason = ""
	ReasonNotFound     Reason = "not-found"
	ReasonAccessDenied Reason = "access-denied"
	ReasonDeleted      Reason = "deleted"
	ReasonNetworkError Reason = "network-error"
	ReasonForceNew     Reason = "force-new"
)

// Validator errors. A Validator may also return transport status errors,
// which are classified the same way.
var (
	ErrResourceNotFound = errors.New("session: resource not found")
	ErrAccessDenied     = errors.New("session: access denied")
	ErrResourceDeleted  = errors.New("session: resource deleted")
)

// Validator checks remotely that a resource exists and is accessible.
type Validator func(ctx context.Context, resourceID string) error

// Session is the resource this process currently works on.
type Session struct {
	ResourceID string    `json:"resource_id"`
	Source     Source    `json:"source"`
	CreatedAt  time.Time `json:"created_at"`
	OwnerID    string    `json:"owner_id,omitempty"`
	Verified   bool      `json:"verified"`
}

// Options are the inputs to Resolve.
type Options struct {
	ExplicitID string
	OwnerID    string
	ForceNew   bool
	Validator  Validator
}

// Resolution is the outcome of Resolve. Session is nil when nothing usable
// was found; Reason and the hints then tell the caller what to do.
type Resolution struct {
	Session         *Session
	Reason          Reason
	CanRecover      bool
	ShouldCreateNew bool
}

// storedID is the durable owner/generic identity record.
type storedID struct {
	ResourceID string    `json:"resource_id"`
	OwnerID    string    `json:"owner_id,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

const (
	keyCurrent = "current"
	keyGeneric = "generic"
)

func ownerKey(ownerID string) string {
	return "owner/" + ownerID
}

// Resolver owns identity storage. tab must not outlive the process; durable
// is shared by every process using the same store.
type Resolver struct {
	tab     *scopestore.Scoped
	durable *scopestore.Scoped
	logger  *slog.Logger

	group singleflight.Group

	mu       sync.Mutex
	verified map[string]bool

	nowFunc func() time.Time
	newID   func() string
}

// NewResolver creates a Resolver over the tab and durable identity scopes.
func NewResolver(tab, durable *scopestore.Scoped, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}

	return &Resolver{
		tab:      tab,
		durable:  durable,
		logger:   logger,
		verified: make(map[string]bool),
		nowFunc:  time.Now,
		newID:    uuid.NewString,
	}
}

type candidate struct {
	id     string
	source Source
}

// Resolve picks the current resource. See the package documentation for the
// priority order. Storage failures are returned as errors; validation
// outcomes are reported in the Resolution.
func (r *Resolver) Resolve(ctx context.Context, opts Options) (*Resolution, error) {
	if opts.ForceNew {
		if err := r.purgeAll(ctx, opts.OwnerID); err != nil {
			return nil, err
		}

		r.logger.Info("session reset requested, cached identifiers purged",
			slog.String("owner_id", opts.OwnerID),
		)

		return &Resolution{Reason: ReasonForceNew, ShouldCreateNew: true}, nil
	}

	if opts.ExplicitID != "" {
		return r.resolveExplicit(ctx, opts)
	}

	candidates, err := r.candidates(ctx, opts.OwnerID)
	if err != nil {
		return nil, err
	}

	if len(candidates) == 0 {
		return &Resolution{ShouldCreateNew: true}, nil
	}

	var last *Resolution

	for _, c := range candidates {
		res := r.check(ctx, c.id, opts.Validator)
		if res == nil {
			return r.accept(ctx, c.id, c.source, opts)
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if res.Reason == ReasonNetworkError {
			// The identifier may be fine; keep it for when we are back online.
			return res, nil
		}

		r.logger.Warn("cached session rejected, purging",
			slog.String("resource_id", c.id),
			slog.String("source", string(c.source)),
			slog.String("reason", string(res.Reason)),
		)

		if err := r.purgeID(ctx, c.id, opts.OwnerID); err != nil {
			return nil, err
		}

		last = res
	}

	return last, nil
}

func (r *Resolver) resolveExplicit(ctx context.Context, opts Options) (*Resolution, error) {
	if res := r.check(ctx, opts.ExplicitID, opts.Validator); res != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		r.logger.Warn("explicit session rejected",
			slog.String("resource_id", opts.ExplicitID),
			slog.String("reason", string(res.Reason)),
		)

		return res, nil
	}

	if err := r.purgeOthers(ctx, opts.ExplicitID, opts.OwnerID); err != nil {
		return nil, err
	}

	return r.accept(ctx, opts.ExplicitID, SourceExplicit, opts)
}

func (r *Resolver) accept(ctx context.Context, id string, source Source, opts Options) (*Resolution, error) {
	sess, err := r.SetCurrent(ctx, id, source, opts.OwnerID)
	if err != nil {
		return nil, err
	}

	r.logger.Debug("session resolved",
		slog.String("resource_id", id),
		slog.String("source", string(source)),
		slog.Bool("verified", sess.Verified),
	)

	return &Resolution{Session: sess}, nil
}

// candidates lists cached identifiers in priority order, skipping
// duplicates of a higher-priority entry.
func (r *Resolver) candidates(ctx context.Context, ownerID string) ([]candidate, error) {
	var out []candidate

	seen := make(map[string]bool)
	add := func(id string, source Source) {
		if id == "" || seen[id] {
			return
		}

		seen[id] = true
		out = append(out, candidate{id: id, source: source})
	}

	cur, err := r.Current(ctx)
	if err != nil {
		return nil, err
	}

	if cur != nil {
		if ownerID != "" && cur.OwnerID != "" && cur.OwnerID != ownerID {
			// Signed in as someone else since this session was chosen.
			if err := r.tab.Delete(ctx, keyCurrent); err != nil {
				return nil, fmt.Errorf("session: clearing tab session: %w", err)
			}
		} else {
			add(cur.ResourceID, SourceTab)
		}
	}

	if ownerID != "" {
		rec, err := r.readStored(ctx, ownerKey(ownerID))
		if err != nil {
			return nil, err
		}

		if rec != nil {
			add(rec.ResourceID, SourceOwner)
		}
	}

	rec, err := r.readStored(ctx, keyGeneric)
	if err != nil {
		return nil, err
	}

	if rec != nil && (ownerID == "" || rec.OwnerID == "" || rec.OwnerID == ownerID) {
		add(rec.ResourceID, SourceGeneric)
	}

	return out, nil
}

// check validates id once per process. It returns nil when the identifier
// is acceptable.
func (r *Resolver) check(ctx context.Context, id string, validate Validator) *Resolution {
	if validate == nil || r.isVerified(id) {
		return nil
	}

	_, err, _ := r.group.Do(id, func() (any, error) {
		if r.isVerified(id) {
			return nil, nil
		}

		if err := validate(ctx, id); err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.verified[id] = true
		r.mu.Unlock()

		return nil, nil
	})
	if err == nil {
		return nil
	}

	return classify(err)
}

func (r *Resolver) isVerified(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.verified[id]
}

// classify maps a validator error to a failed Resolution.
func classify(err error) *Resolution {
	switch {
	case errors.Is(err, ErrResourceNotFound), errors.Is(err, transport.ErrNotFound):
		return &Resolution{Reason: ReasonNotFound, ShouldCreateNew: true}
	case errors.Is(err, ErrResourceDeleted), errors.Is(err, transport.ErrGone):
		return &Resolution{Reason: ReasonDeleted, ShouldCreateNew: true}
	case errors.Is(err, ErrAccessDenied), errors.Is(err, transport.ErrForbidden),
		errors.Is(err, transport.ErrUnauthorized):
		return &Resolution{Reason: ReasonAccessDenied, ShouldCreateNew: true}
	default:
		return &Resolution{Reason: ReasonNetworkError, CanRecover: true}
	}
}

// SetCurrent makes id the current session and records it in the tab, owner
// and generic scopes.
func (r *Resolver) SetCurrent(ctx context.Context, id string, source Source, ownerID string) (*Session, error) {
	if id == "" {
		return nil, errors.New("session: empty resource id")
	}

	now := r.nowFunc().UTC()

	createdAt := now
	if cur, err := r.Current(ctx); err == nil && cur != nil && cur.ResourceID == id {
		createdAt = cur.CreatedAt
	}

	sess := &Session{
		ResourceID: id,
		Source:     source,
		CreatedAt:  createdAt,
		OwnerID:    ownerID,
		Verified:   r.isVerified(id),
	}

	if err := r.tab.SetJSON(ctx, keyCurrent, sess); err != nil {
		return nil, fmt.Errorf("session: writing tab session: %w", err)
	}

	rec := storedID{ResourceID: id, OwnerID: ownerID, UpdatedAt: now}

	if ownerID != "" {
		if err := r.durable.SetJSON(ctx, ownerKey(ownerID), rec); err != nil {
			return nil, fmt.Errorf("session: writing owner session: %w", err)
		}
	}

	if err := r.durable.SetJSON(ctx, keyGeneric, rec); err != nil {
		return nil, fmt.Errorf("session: writing generic session: %w", err)
	}

	return sess, nil
}

// CreateNew mints a fresh resource identifier, purging every cached one,
// and makes it current.
func (r *Resolver) CreateNew(ctx context.Context, ownerID string) (*Session, error) {
	if err := r.purgeAll(ctx, ownerID); err != nil {
		return nil, err
	}

	id := r.newID()

	r.mu.Lock()
	r.verified[id] = true
	r.mu.Unlock()

	sess, err := r.SetCurrent(ctx, id, SourceFresh, ownerID)
	if err != nil {
		return nil, err
	}

	r.logger.Info("new onboarding session created",
		slog.String("resource_id", id),
		slog.String("owner_id", ownerID),
	)

	return sess, nil
}

// Current returns the tab-scoped session, or nil.
func (r *Resolver) Current(ctx context.Context) (*Session, error) {
	var sess Session

	ok, err := r.tab.GetJSON(ctx, keyCurrent, &sess)
	if err != nil {
		r.logger.Warn("discarding unreadable tab session", slog.String("error", err.Error()))

		if delErr := r.tab.Delete(ctx, keyCurrent); delErr != nil {
			return nil, fmt.Errorf("session: clearing tab session: %w", delErr)
		}

		return nil, nil
	}

	if !ok {
		return nil, nil //nolint:nilnil // no current session
	}

	return &sess, nil
}

// Clear destroys the current session on logout or reset. Owner and generic
// entries pointing at the same resource are removed too.
func (r *Resolver) Clear(ctx context.Context, ownerID string) error {
	cur, err := r.Current(ctx)
	if err != nil {
		return err
	}

	if err := r.tab.Delete(ctx, keyCurrent); err != nil {
		return fmt.Errorf("session: clearing tab session: %w", err)
	}

	if cur == nil {
		return nil
	}

	r.mu.Lock()
	delete(r.verified, cur.ResourceID)
	r.mu.Unlock()

	return r.purgeID(ctx, cur.ResourceID, ownerID)
}

func (r *Resolver) purgeAll(ctx context.Context, ownerID string) error {
	errs := []error{r.tab.Delete(ctx, keyCurrent), r.durable.Delete(ctx, keyGeneric)}
	if ownerID != "" {
		errs = append(errs, r.durable.Delete(ctx, ownerKey(ownerID)))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("session: purging identifiers: %w", err)
	}

	return nil
}

// purgeID removes id from every scope that holds it.
func (r *Resolver) purgeID(ctx context.Context, id, ownerID string) error {
	return r.purgeWhere(ctx, ownerID, func(stored string) bool { return stored == id })
}

// purgeOthers removes every cached identifier that disagrees with id.
func (r *Resolver) purgeOthers(ctx context.Context, id, ownerID string) error {
	return r.purgeWhere(ctx, ownerID, func(stored string) bool { return stored != id })
}

func (r *Resolver) purgeWhere(ctx context.Context, ownerID string, match func(string) bool) error {
	var errs []error

	cur, err := r.Current(ctx)
	if err != nil {
		return err
	}

	if cur != nil && match(cur.ResourceID) {
		errs = append(errs, r.tab.Delete(ctx, keyCurrent))
	}

	keys := []string{keyGeneric}
	if ownerID != "" {
		keys = append(keys, ownerKey(ownerID))
	}

	for _, k := range keys {
		rec, err := r.readStored(ctx, k)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		if rec != nil && match(rec.ResourceID) {
			errs = append(errs, r.durable.Delete(ctx, k))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("session: purging identifiers: %w", err)
	}

	return nil
}

func (r *Resolver) readStored(ctx context.Context, key string) (*storedID, error) {
	var rec storedID

	ok, err := r.durable.GetJSON(ctx, key, &rec)
	if err != nil {
		r.logger.Warn("discarding unreadable identity entry",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)

		if delErr := r.durable.Delete(ctx, key); delErr != nil {
			return nil, fmt.Errorf("session: removing unreadable %s: %w", key, delErr)
		}

		return nil, nil
	}

	if !ok || rec.ResourceID == "" {
		return nil, nil //nolint:nilnil // sentinel for "not found"
	}

	return &rec, nil
}
