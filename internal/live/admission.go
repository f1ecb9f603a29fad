package live

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kudamusoni/chatbot-api-sub001/internal/storage"
	"github.com/kudamusoni/chatbot-api-sub001/internal/tenant"
)

// Deny reason codes. Stable strings: widget clients branch on them.
const (
	DenyOriginMismatch       = "origin_mismatch"
	DenyOriginMissing        = "origin_missing"
	DenySessionStaleNoOrigin = "session_stale_no_origin"
	DenySessionLimit         = "session_limit_exceeded"
	DenyCursorTooOld         = "cursor_too_old"
	DenyCursorAhead          = "cursor_ahead"
	DenyReplayTooLarge       = "replay_window_too_large"
)

// DenyError rejects a stream attach with a specific reason code.
type DenyError struct {
	Code    string
	Message string
}

func (e *DenyError) Error() string {
	return fmt.Sprintf("stream denied: %s (%s)", e.Code, e.Message)
}

func deny(code, message string) *DenyError {
	return &DenyError{Code: code, Message: message}
}

// AdmissionConfig tunes the checks run before a stream is opened.
type AdmissionConfig struct {
	// DevBypassOrigin skips origin checks entirely, for local development.
	DevBypassOrigin bool
	// StaleNoOriginAfter closes the door on sessions that declared no origin
	// at bootstrap once their token is older than this.
	StaleNoOriginAfter time.Duration
	// MaxConnsPerSession caps concurrent streams per widget session.
	MaxConnsPerSession int
	// MaxReplayWindow caps the requested replay size.
	MaxReplayWindow int
	// RetentionMaxCount is how many events behind latest a cursor may sit.
	RetentionMaxCount int64
	// RetentionMaxAge is how old the cursor's event may be.
	RetentionMaxAge time.Duration
}

func (c AdmissionConfig) withDefaults() AdmissionConfig {
	if c.StaleNoOriginAfter <= 0 {
		c.StaleNoOriginAfter = 15 * time.Minute
	}
	if c.MaxConnsPerSession <= 0 {
		c.MaxConnsPerSession = 3
	}
	if c.MaxReplayWindow <= 0 {
		c.MaxReplayWindow = 500
	}
	if c.RetentionMaxCount <= 0 {
		c.RetentionMaxCount = 10000
	}
	if c.RetentionMaxAge <= 0 {
		c.RetentionMaxAge = 7 * 24 * time.Hour
	}
	return c
}

// Gatekeeper runs the admission policy for stream attaches.
type Gatekeeper struct {
	registry *tenant.Registry
	journal  storage.EventStore
	cfg      AdmissionConfig
	now      func() time.Time
}

// NewGatekeeper builds a gatekeeper over the tenant registry and journal.
func NewGatekeeper(registry *tenant.Registry, journal storage.EventStore, cfg AdmissionConfig) *Gatekeeper {
	return &Gatekeeper{
		registry: registry,
		journal:  journal,
		cfg:      cfg.withDefaults(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// AdmitOrigin validates the presented browser origin against the session's
// declared origin and the tenant allow-list.
func (g *Gatekeeper) AdmitOrigin(claims SessionClaims, presentedOrigin string) error {
	if g.cfg.DevBypassOrigin {
		return nil
	}
	if claims.Origin == "" {
		// Session bootstrapped without an origin. Tolerated briefly, then
		// considered stale.
		issuedAt := time.Time{}
		if claims.IssuedAt != nil {
			issuedAt = claims.IssuedAt.Time
		}
		if issuedAt.IsZero() || g.now().Sub(issuedAt) > g.cfg.StaleNoOriginAfter {
			return deny(DenySessionStaleNoOrigin, "session without origin exceeded idle threshold")
		}
		return nil
	}
	if presentedOrigin == "" {
		return deny(DenyOriginMissing, "request carries no origin")
	}
	if normalizeOriginValue(presentedOrigin) != normalizeOriginValue(claims.Origin) {
		return deny(DenyOriginMismatch, "presented origin differs from session origin")
	}
	if !g.registry.OriginAllowed(claims.ClientID, presentedOrigin) {
		return deny(DenyOriginMismatch, "origin not in tenant allow-list")
	}
	return nil
}

// MaxConnsPerSession is the per-session stream quota handed to the hub on
// attach. The hub enforces it under its own lock; checking the count here
// first would leave a window for two concurrent attaches to both pass.
func (g *Gatekeeper) MaxConnsPerSession() int {
	return g.cfg.MaxConnsPerSession
}

// AdmitCursor validates the requested replay cursor and window against the
// journal. afterID 0 means "from the beginning" and skips retention checks.
func (g *Gatekeeper) AdmitCursor(ctx context.Context, claims SessionClaims, afterID int64, limit int) error {
	if limit > g.cfg.MaxReplayWindow {
		return deny(DenyReplayTooLarge, "requested replay window exceeds maximum")
	}
	if afterID <= 0 {
		return nil
	}
	latest, err := g.journal.LatestEventID(ctx, claims.ConversationID)
	if err != nil {
		return fmt.Errorf("resolve latest event: %w", err)
	}
	if afterID > latest {
		return deny(DenyCursorAhead, "cursor ahead of latest known event")
	}
	if latest-afterID > g.cfg.RetentionMaxCount {
		return deny(DenyCursorTooOld, "cursor outside retention count")
	}
	cursorEvent, err := g.journal.GetEvent(ctx, afterID)
	if errors.Is(err, storage.ErrNotFound) {
		return deny(DenyCursorTooOld, "cursor event no longer known")
	}
	if err != nil {
		return fmt.Errorf("resolve cursor event: %w", err)
	}
	if g.now().Sub(cursorEvent.CreatedAt) > g.cfg.RetentionMaxAge {
		return deny(DenyCursorTooOld, "cursor outside retention age")
	}
	return nil
}

func normalizeOriginValue(origin string) string {
	return strings.TrimRight(strings.ToLower(strings.TrimSpace(origin)), "/")
}
