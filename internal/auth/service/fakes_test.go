package service

import (
	"context"
	"sort"
	"sync"
	"time"

	seceventdomain "virtualspace/backend/internal/secevent/domain"
	sessiondomain "virtualspace/backend/internal/session/domain"
	tokendomain "virtualspace/backend/internal/token/domain"
	tokenrepo "virtualspace/backend/internal/token/repository"
	userdomain "virtualspace/backend/internal/user/domain"
)

// In-memory fakes mirroring the transactional behavior of the Postgres
// repositories: terminating a session revokes its family and vice versa.

type memUserRepo struct {
	mu        sync.Mutex
	nextID    int64
	users     map[int64]*userdomain.User
	err       error
	createErr error
}

func newMemUserRepo() *memUserRepo {
	return &memUserRepo{nextID: 1, users: map[int64]*userdomain.User{}}
}

func (r *memUserRepo) GetByID(_ context.Context, id int64) (*userdomain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	if u, ok := r.users[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, nil
}

func (r *memUserRepo) GetByEmail(_ context.Context, email string) (*userdomain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	for _, u := range r.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *memUserRepo) GetByUsername(_ context.Context, username string) (*userdomain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	for _, u := range r.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *memUserRepo) Create(_ context.Context, u *userdomain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if r.createErr != nil {
		return r.createErr
	}
	u.ID = r.nextID
	r.nextID++
	cp := *u
	r.users[u.ID] = &cp
	return nil
}

func (r *memUserRepo) RecordLoginSuccess(_ context.Context, id int64, at time.Time, ip string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[id]; ok {
		t := at
		u.LastLoginAt = &t
		u.LastLoginIP = ip
		u.FailedLoginAttempts = 0
	}
	return nil
}

func (r *memUserRepo) RecordLoginFailure(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[id]; ok {
		u.FailedLoginAttempts++
	}
	return nil
}

type memTokenRepo struct {
	mu       sync.Mutex
	records  map[string]*tokendomain.Record
	sessions *memSessionRepo
	nowF     func() time.Time
	err      error
}

func newMemTokenRepo(nowF func() time.Time) *memTokenRepo {
	return &memTokenRepo{records: map[string]*tokendomain.Record{}, nowF: nowF}
}

func (r *memTokenRepo) Record(_ context.Context, rec *tokendomain.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if _, ok := r.records[rec.JTI]; ok {
		return nil
	}
	cp := *rec
	r.records[rec.JTI] = &cp
	return nil
}

func (r *memTokenRepo) Lookup(_ context.Context, jti string) (*tokendomain.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	if rec, ok := r.records[jti]; ok {
		cp := *rec
		return &cp, nil
	}
	return nil, nil
}

func (r *memTokenRepo) IsBlacklisted(_ context.Context, jti string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return false, r.err
	}
	rec, ok := r.records[jti]
	if !ok || rec.Revoked() || rec.Expired(now) {
		return true, nil
	}
	return false, nil
}

func (r *memTokenRepo) Revoke(_ context.Context, jti string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[jti]; ok && rec.RevokedAt == nil {
		t := r.nowF()
		rec.RevokedAt = &t
	}
	return nil
}

func (r *memTokenRepo) RevokeFamily(_ context.Context, familyID, reason string) (int, error) {
	r.mu.Lock()
	n := r.revokeFamilyLocked(familyID)
	r.mu.Unlock()
	if r.sessions != nil {
		r.sessions.revokeByFamily(familyID, reason, r.nowF())
	}
	return n, nil
}

func (r *memTokenRepo) revokeFamilyLocked(familyID string) int {
	n := 0
	t := r.nowF()
	for _, rec := range r.records {
		if rec.FamilyID == familyID && rec.RevokedAt == nil {
			rec.RevokedAt = &t
			n++
		}
	}
	return n
}

func (r *memTokenRepo) Rotate(_ context.Context, oldJTI string, now time.Time, newRecs ...*tokendomain.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	old, ok := r.records[oldJTI]
	if !ok {
		return tokenrepo.ErrNotFound
	}
	if old.Revoked() {
		return tokenrepo.ErrRevoked
	}
	if old.Expired(now) {
		return tokenrepo.ErrExpired
	}
	for _, rec := range newRecs {
		cp := *rec
		r.records[rec.JTI] = &cp
	}
	t := now
	old.RevokedAt = &t
	return nil
}

func (r *memTokenRepo) PurgeExpired(_ context.Context, now time.Time, grace time.Duration, limit int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for jti, rec := range r.records {
		if n >= int64(limit) {
			break
		}
		if rec.ExpiresAt.Add(grace).Before(now) {
			delete(r.records, jti)
			n++
		}
	}
	return n, nil
}

func (r *memTokenRepo) activeInFamily(familyID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.records {
		if rec.FamilyID == familyID && rec.RevokedAt == nil {
			n++
		}
	}
	return n
}

type memSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*sessiondomain.Session
	tokens   *memTokenRepo
	err      error
}

func newMemSessionRepo(tokens *memTokenRepo) *memSessionRepo {
	r := &memSessionRepo{sessions: map[string]*sessiondomain.Session{}, tokens: tokens}
	tokens.sessions = r
	return r
}

func (r *memSessionRepo) revokeByFamily(familyID, reason string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.FamilyID == familyID && s.RevokedAt == nil {
			t := at
			s.RevokedAt = &t
			s.TerminationReason = reason
		}
	}
}

func (r *memSessionRepo) CreateEnforcingLimit(_ context.Context, s *sessiondomain.Session, limit int) ([]sessiondomain.Evicted, error) {
	r.mu.Lock()
	if r.err != nil {
		r.mu.Unlock()
		return nil, r.err
	}
	cp := *s
	r.sessions[s.ID] = &cp

	now := s.CreatedAt
	var active []*sessiondomain.Session
	for _, sess := range r.sessions {
		if sess.UserID == s.UserID && sess.Active(now) {
			active = append(active, sess)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].LastActivityAt.After(active[j].LastActivityAt)
	})
	var evicted []sessiondomain.Evicted
	for i := len(active) - 1; i >= limit; i-- {
		evicted = append(evicted, sessiondomain.Evicted{
			SessionID:         active[i].ID,
			FamilyID:          active[i].FamilyID,
			DeviceFingerprint: active[i].DeviceFingerprint,
			IPAddress:         active[i].IPAddress,
		})
	}
	r.mu.Unlock()
	for _, e := range evicted {
		_ = r.Terminate(context.Background(), e.SessionID, "session_limit")
	}
	return evicted, nil
}

func (r *memSessionRepo) GetByID(_ context.Context, id string) (*sessiondomain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	if s, ok := r.sessions[id]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, nil
}

func (r *memSessionRepo) GetByFamily(_ context.Context, familyID string) (*sessiondomain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	for _, s := range r.sessions {
		if s.FamilyID == familyID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *memSessionRepo) ListActive(_ context.Context, userID int64, now time.Time) ([]*sessiondomain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	var out []*sessiondomain.Session
	for _, s := range r.sessions {
		if s.UserID == userID && s.Active(now) {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	return out, nil
}

func (r *memSessionRepo) Touch(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok && s.RevokedAt == nil && s.LastActivityAt.Before(at) {
		s.LastActivityAt = at
	}
	return nil
}

func (r *memSessionRepo) Terminate(_ context.Context, id, reason string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok || s.RevokedAt != nil {
		r.mu.Unlock()
		return nil
	}
	t := r.tokens.nowF()
	s.RevokedAt = &t
	s.TerminationReason = reason
	familyID := s.FamilyID
	r.mu.Unlock()

	r.tokens.mu.Lock()
	r.tokens.revokeFamilyLocked(familyID)
	r.tokens.mu.Unlock()
	return nil
}

func (r *memSessionRepo) TerminateAll(ctx context.Context, userID int64, reason string) (int, error) {
	r.mu.Lock()
	var ids []string
	for _, s := range r.sessions {
		if s.UserID == userID && s.RevokedAt == nil {
			ids = append(ids, s.ID)
		}
	}
	r.mu.Unlock()
	for _, id := range ids {
		if err := r.Terminate(ctx, id, reason); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

func (r *memSessionRepo) RevokeInactive(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	r.mu.Lock()
	var ids []string
	for _, s := range r.sessions {
		if s.RevokedAt == nil && s.LastActivityAt.Before(cutoff) && len(ids) < limit {
			ids = append(ids, s.ID)
		}
	}
	r.mu.Unlock()
	for _, id := range ids {
		if err := r.Terminate(ctx, id, "inactivity"); err != nil {
			return 0, err
		}
	}
	return int64(len(ids)), nil
}

func (r *memSessionRepo) PurgeExpired(_ context.Context, now time.Time, grace time.Duration, limit int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, s := range r.sessions {
		if n >= int64(limit) {
			break
		}
		if s.ExpiresAt.Add(grace).Before(now) {
			delete(r.sessions, id)
			n++
		}
	}
	return n, nil
}

type memEventRepo struct {
	mu     sync.Mutex
	events []*seceventdomain.Event
	err    error
}

func (r *memEventRepo) Insert(_ context.Context, ev *seceventdomain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	cp := *ev
	r.events = append(r.events, &cp)
	return nil
}

func (r *memEventRepo) ListRecent(_ context.Context, userID int64, since time.Time, limit int) ([]*seceventdomain.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*seceventdomain.Event
	for i := len(r.events) - 1; i >= 0 && len(out) < limit; i-- {
		ev := r.events[i]
		if ev.UserID != nil && *ev.UserID == userID && !ev.CreatedAt.Before(since) {
			cp := *ev
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memEventRepo) PurgeOlder(_ context.Context, cutoff time.Time, limit int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var kept []*seceventdomain.Event
	var n int64
	for _, ev := range r.events {
		if ev.CreatedAt.Before(cutoff) && n < int64(limit) {
			n++
			continue
		}
		kept = append(kept, ev)
	}
	r.events = kept
	return n, nil
}

func (r *memEventRepo) byType(t seceventdomain.EventType) []*seceventdomain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*seceventdomain.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
