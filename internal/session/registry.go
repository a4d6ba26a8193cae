package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/welldanyogia/lms-auth/internal/audit"
	"github.com/welldanyogia/lms-auth/internal/kvstore"
	"github.com/welldanyogia/lms-auth/internal/metrics"
)

// Key layout
const (
	recordPrefix    = "session:"
	indexPrefix     = "user_sessions:"
	blacklistPrefix = "session_blacklist:"
	sequencePrefix  = "user_sessions_seq:"
)

// seqSlots is how many creates per user and millisecond keep a strict order.
// Scores are ms*seqSlots+seq, which stays exact in a float64.
const seqSlots = 1000

// idRandomBytes is the entropy appended to the timestamp part of a session id
const idRandomBytes = 32

// pendingGrace is how long an index entry without a record is treated as a
// create still in flight rather than a dangling entry
const pendingGrace = 10 * time.Second

func recordKey(id string) string       { return recordPrefix + id }
func indexKey(userID string) string    { return indexPrefix + userID }
func blacklistKey(id string) string    { return blacklistPrefix + id }
func sequenceKey(userID string) string { return sequencePrefix + userID }

func score(t time.Time, seq int64) float64 {
	return float64(t.UnixMilli()*seqSlots + seq%seqSlots)
}

func fromScore(s float64) time.Time { return time.UnixMilli(int64(s) / seqSlots).UTC() }

// Registry manages session records and per-user indexes
type Registry struct {
	store  kvstore.Store
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
	audit  *audit.Recorder
}

// NewRegistry creates a Registry. Zero config values fall back to DefaultConfig.
func NewRegistry(store kvstore.Store, cfg Config, logger *slog.Logger, recorder *audit.Recorder) *Registry {
	def := DefaultConfig()
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = def.SessionTTL
	}
	if cfg.RememberMeTTL <= 0 {
		cfg.RememberMeTTL = def.RememberMeTTL
	}
	if cfg.BlacklistTTL <= 0 {
		cfg.BlacklistTTL = def.BlacklistTTL
	}
	if cfg.MaxSessionsPerUser <= 0 {
		cfg.MaxSessionsPerUser = def.MaxSessionsPerUser
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Registry{
		store:  store,
		cfg:    cfg,
		now:    now,
		logger: logger.With("component", "session_registry"),
		audit:  recorder,
	}
}

// MaxSessionsPerUser returns the configured per-user limit
func (r *Registry) MaxSessionsPerUser() int {
	return r.cfg.MaxSessionsPerUser
}

// TTLFor returns the sliding lifetime applied to a session
func (r *Registry) TTLFor(rememberMe bool) time.Duration {
	if rememberMe {
		return r.cfg.RememberMeTTL
	}
	return r.cfg.SessionTTL
}

// indexTTL outlives every session it can list
func (r *Registry) indexTTL() time.Duration {
	return max(r.cfg.SessionTTL, r.cfg.RememberMeTTL)
}

// GenerateID returns a new session id: the base-36 creation time in
// milliseconds followed by 32 random bytes in hex.
func GenerateID(now time.Time) (string, error) {
	buf := make([]byte, idRandomBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return strconv.FormatInt(now.UnixMilli(), 36) + hex.EncodeToString(buf), nil
}

// Create stores a new session and evicts the user's oldest sessions beyond the limit.
// The index entry is written before the record so an interrupted create leaves
// only a dangling index entry, which readers prune.
func (r *Registry) Create(ctx context.Context, params NewSession) (*Record, error) {
	if params.UserID == "" {
		return nil, ErrInvalidUser
	}
	if !params.LoginMethod.Valid() {
		params.LoginMethod = LoginMethodLocal
	}

	now := r.now().UTC()
	id, err := GenerateID(now)
	if err != nil {
		return nil, err
	}

	// Sessions created in the same millisecond are ordered by this counter.
	seq, err := r.store.Incr(ctx, sequenceKey(params.UserID), r.indexTTL())
	if err != nil {
		return nil, fmt.Errorf("sequence session: %w", err)
	}

	ttl := r.TTLFor(params.RememberMe)
	rec := &Record{
		ID:             id,
		UserID:         params.UserID,
		UserType:       params.UserType,
		Email:          params.Details.Email,
		Username:       params.Details.Username,
		Roles:          append([]string{}, params.Details.Roles...),
		Permissions:    append([]string{}, params.Details.Permissions...),
		DeviceInfo:     params.Device,
		CreatedAt:      now,
		LastAccessedAt: now,
		ExpiresAt:      now.Add(ttl),
		IsActive:       true,
		LoginMethod:    params.LoginMethod,
		RememberMe:     params.RememberMe,
		Sequence:       seq,
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}

	if err := r.store.ZAdd(ctx, indexKey(rec.UserID), kvstore.ScoredMember{Member: id, Score: score(now, seq)}, r.indexTTL()); err != nil {
		return nil, fmt.Errorf("index session: %w", err)
	}

	stored, err := r.store.SetNX(ctx, recordKey(id), data, ttl)
	if err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}
	if !stored {
		// ids carry 256 random bits; a collision means the generator is broken
		return nil, fmt.Errorf("store session: id %s already in use", id)
	}

	metrics.SessionsCreatedTotal.WithLabelValues(string(rec.LoginMethod)).Inc()
	r.audit.Record(ctx, audit.Event{
		Type:      audit.EventSessionCreated,
		UserID:    rec.UserID,
		Email:     rec.Email,
		SessionID: id,
		IP:        rec.DeviceInfo.IP,
		UserAgent: rec.DeviceInfo.UserAgent,
		Success:   true,
		Metadata:  map[string]string{"login_method": string(rec.LoginMethod)},
	})

	if _, err := r.enforceMax(ctx, rec.UserID, id); err != nil {
		// The new session is valid; the limit is re-applied on the next login.
		r.logger.WarnContext(ctx, "failed to enforce session limit",
			"user_id", rec.UserID,
			"error", err,
		)
	}

	return rec, nil
}

// load reads a record without applying liveness rules
func (r *Registry) load(ctx context.Context, id string) (*Record, error) {
	data, err := r.store.Get(ctx, recordKey(id))
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		r.logger.WarnContext(ctx, "dropping undecodable session record",
			"session_id", id,
			"error", err,
		)
		_ = r.store.Delete(ctx, recordKey(id))
		return nil, nil
	}
	return &rec, nil
}

// Get returns the live session or nil. Inactive or expired records are deleted.
func (r *Registry) Get(ctx context.Context, id string) (*Record, error) {
	if id == "" {
		return nil, nil
	}

	rec, err := r.load(ctx, id)
	if err != nil || rec == nil {
		return nil, err
	}

	if !rec.live(r.now()) {
		if err := r.remove(ctx, rec.ID, rec.UserID); err != nil {
			return nil, err
		}
		metrics.SessionsDestroyedTotal.WithLabelValues(ReasonExpired).Inc()
		return nil, nil
	}
	return rec, nil
}

// Touch marks the session as used and pushes its expiry forward
func (r *Registry) Touch(ctx context.Context, id string) (*Record, error) {
	rec, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrSessionNotFound
	}

	now := r.now().UTC()
	ttl := r.TTLFor(rec.RememberMe)
	rec.LastAccessedAt = now
	rec.ExpiresAt = now.Add(ttl)

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}
	if err := r.store.Set(ctx, recordKey(id), data, ttl); err != nil {
		return nil, fmt.Errorf("touch session: %w", err)
	}
	if err := r.store.ZAdd(ctx, indexKey(rec.UserID), kvstore.ScoredMember{Member: id, Score: score(rec.CreatedAt, rec.Sequence)}, r.indexTTL()); err != nil {
		r.logger.WarnContext(ctx, "failed to refresh session index", "session_id", id, "error", err)
	}

	// A destroy that raced with this touch may have been overwritten; undo it.
	blacklisted, err := r.IsSessionBlacklisted(ctx, id)
	if err != nil {
		return nil, err
	}
	if blacklisted {
		if err := r.remove(ctx, id, rec.UserID); err != nil {
			return nil, err
		}
		return nil, ErrSessionBlacklisted
	}

	return rec, nil
}

// Destroy removes a session, unlists it and blacklists its id. Destroying an
// unknown id still blacklists it.
func (r *Registry) Destroy(ctx context.Context, id string) error {
	_, err := r.destroy(ctx, id, "", ReasonLogout)
	return err
}

// destroy reports whether a record existed. userID is used to unlist the id
// when the record itself is already gone.
func (r *Registry) destroy(ctx context.Context, id, userID, reason string) (bool, error) {
	rec, err := r.load(ctx, id)
	if err != nil {
		return false, err
	}

	if rec != nil {
		userID = rec.UserID
	}
	if err := r.remove(ctx, id, userID); err != nil {
		return false, err
	}
	if err := r.store.Set(ctx, blacklistKey(id), []byte(reason), r.cfg.BlacklistTTL); err != nil {
		return false, fmt.Errorf("blacklist session: %w", err)
	}

	if rec == nil {
		return false, nil
	}

	metrics.SessionsDestroyedTotal.WithLabelValues(reason).Inc()
	eventType := audit.EventSessionDestroyed
	if reason == ReasonEvicted {
		eventType = audit.EventSessionEvicted
	}
	r.audit.Record(ctx, audit.Event{
		Type:      eventType,
		UserID:    rec.UserID,
		Email:     rec.Email,
		SessionID: id,
		IP:        rec.DeviceInfo.IP,
		Success:   true,
		Metadata:  map[string]string{"reason": reason},
	})
	return true, nil
}

// remove deletes the record and its index entry
func (r *Registry) remove(ctx context.Context, id, userID string) error {
	if err := r.store.Delete(ctx, recordKey(id)); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if userID == "" {
		return nil
	}
	if err := r.store.ZRem(ctx, indexKey(userID), id); err != nil {
		return fmt.Errorf("unindex session: %w", err)
	}
	return nil
}

// DestroyAllUserSessions destroys every listed session of the user except
// excludeID and returns how many were destroyed.
func (r *Registry) DestroyAllUserSessions(ctx context.Context, userID, excludeID string) (int, error) {
	members, err := r.store.ZRange(ctx, indexKey(userID))
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}

	destroyed := 0
	for _, m := range members {
		if m.Member == excludeID {
			continue
		}
		existed, err := r.destroy(ctx, m.Member, userID, ReasonRevoked)
		if err != nil {
			return destroyed, err
		}
		if existed {
			destroyed++
		}
	}

	r.audit.Record(ctx, audit.Event{
		Type:      audit.EventSessionRevokedAll,
		UserID:    userID,
		SessionID: excludeID,
		Success:   true,
		Metadata:  map[string]string{"destroyed": strconv.Itoa(destroyed)},
	})
	return destroyed, nil
}

// scan walks the user's index, splitting it into live records and stale ids.
// Stale ids are removed from the index before returning. Entries whose record
// is missing but which were indexed moments ago belong to a create in flight
// and are left alone.
func (r *Registry) scan(ctx context.Context, userID string) ([]*Record, []string, error) {
	members, err := r.store.ZRange(ctx, indexKey(userID))
	if err != nil {
		return nil, nil, fmt.Errorf("list sessions: %w", err)
	}

	now := r.now()
	live := make([]*Record, 0, len(members))
	var stale []string
	for _, m := range members {
		rec, err := r.load(ctx, m.Member)
		if err != nil {
			return nil, nil, err
		}
		if rec == nil && now.Sub(fromScore(m.Score)) < pendingGrace {
			continue
		}
		if rec == nil || !rec.live(now) {
			stale = append(stale, m.Member)
			continue
		}
		// createdAt comes from the index score so ordering matches eviction order
		rec.CreatedAt = fromScore(m.Score)
		live = append(live, rec)
	}

	if len(stale) > 0 {
		if err := r.store.ZRem(ctx, indexKey(userID), stale...); err != nil {
			r.logger.WarnContext(ctx, "failed to prune session index",
				"user_id", userID,
				"stale", len(stale),
				"error", err,
			)
		}
		// Expired-but-present records are gone from the index; drop them too.
		keys := make([]string, len(stale))
		for i, id := range stale {
			keys[i] = recordKey(id)
		}
		_ = r.store.Delete(ctx, keys...)
	}
	return live, stale, nil
}

// GetUserSessions lists the user's live sessions, oldest first
func (r *Registry) GetUserSessions(ctx context.Context, userID string) ([]IndexEntry, error) {
	live, _, err := r.scan(ctx, userID)
	if err != nil {
		return nil, err
	}

	entries := make([]IndexEntry, 0, len(live))
	for _, rec := range live {
		entries = append(entries, IndexEntry{
			SessionID:      rec.ID,
			DeviceInfo:     rec.DeviceInfo,
			LoginMethod:    rec.LoginMethod,
			CreatedAt:      rec.CreatedAt,
			LastAccessedAt: rec.LastAccessedAt,
			ExpiresAt:      rec.ExpiresAt,
		})
	}
	return entries, nil
}

// IsSessionBlacklisted reports whether the id was destroyed within the blacklist window
func (r *Registry) IsSessionBlacklisted(ctx context.Context, id string) (bool, error) {
	_, err := r.store.Get(ctx, blacklistKey(id))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, kvstore.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// EnforceMaxSessionsPerUser evicts the oldest sessions until the user is at the
// limit and returns the evicted ids.
func (r *Registry) EnforceMaxSessionsPerUser(ctx context.Context, userID string) ([]string, error) {
	return r.enforceMax(ctx, userID, "")
}

// enforceMax never evicts keepID. Concurrent callers rank the same index the
// same way, so they agree on which sessions go.
func (r *Registry) enforceMax(ctx context.Context, userID, keepID string) ([]string, error) {
	live, _, err := r.scan(ctx, userID)
	if err != nil {
		return nil, err
	}

	excess := len(live) - r.cfg.MaxSessionsPerUser
	if excess <= 0 {
		return nil, nil
	}

	evicted := make([]string, 0, excess)
	for _, rec := range live {
		if len(evicted) == excess {
			break
		}
		if rec.ID == keepID {
			continue
		}
		if _, err := r.destroy(ctx, rec.ID, userID, ReasonEvicted); err != nil {
			return evicted, err
		}
		evicted = append(evicted, rec.ID)
	}

	r.logger.InfoContext(ctx, "evicted sessions over limit",
		"user_id", userID,
		"evicted", len(evicted),
		"limit", r.cfg.MaxSessionsPerUser,
	)
	return evicted, nil
}

// Statistics summarises the user's sessions. Stale index entries count as
// expired and are pruned.
func (r *Registry) Statistics(ctx context.Context, userID string) (*Statistics, error) {
	live, stale, err := r.scan(ctx, userID)
	if err != nil {
		return nil, err
	}

	stats := &Statistics{
		TotalSessions:        len(live) + len(stale),
		ActiveSessions:       len(live),
		ExpiredSessions:      len(stale),
		DeviceBreakdown:      make(map[string]int),
		LoginMethodBreakdown: make(map[string]int),
	}
	for _, rec := range live {
		deviceType := rec.DeviceInfo.Device
		if deviceType == "" {
			deviceType = "unknown"
		}
		stats.DeviceBreakdown[deviceType]++
		stats.LoginMethodBreakdown[string(rec.LoginMethod)]++
	}
	return stats, nil
}
