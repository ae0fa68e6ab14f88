package subscription

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process implementation of EntitlementStore, EventLedger
// and ReferralLedger. Transitions are serialized per user, not globally.
type MemoryStore struct {
	mu        sync.RWMutex
	records   map[uuid.UUID]EntitlementRecord
	userLocks map[uuid.UUID]*sync.Mutex

	events    map[string]SubscriptionEvent
	eventLog  []SubscriptionEvent
	referrals map[uuid.UUID]ReferralRecord // keyed by referred id
	bonuses   map[bonusKey]time.Time

	log *slog.Logger
	now func() time.Time
}

type bonusKey struct {
	referrerID uuid.UUID
	milestone  int
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithMemoryLogger sets the logger used to report consistency faults.
func WithMemoryLogger(l *slog.Logger) MemoryStoreOption {
	return func(s *MemoryStore) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMemoryClock overrides the clock used for UpdatedAt stamps.
func WithMemoryClock(now func() time.Time) MemoryStoreOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		records:   make(map[uuid.UUID]EntitlementRecord),
		userLocks: make(map[uuid.UUID]*sync.Mutex),
		events:    make(map[string]SubscriptionEvent),
		referrals: make(map[uuid.UUID]ReferralRecord),
		bonuses:   make(map[bonusKey]time.Time),
		log:       slog.New(slog.DiscardHandler),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Create(_ context.Context, rec EntitlementRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.UserID]; ok {
		return ErrRecordAlreadyExists
	}
	for _, existing := range s.records {
		if rec.ReferralCode != "" && existing.ReferralCode == rec.ReferralCode {
			return ErrRecordAlreadyExists
		}
	}
	s.records[rec.UserID] = rec.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, userID uuid.UUID) (EntitlementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[userID]
	if !ok {
		return EntitlementRecord{}, ErrRecordNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) GetByCustomerRef(_ context.Context, ref string) (EntitlementRecord, error) {
	return s.find(func(r EntitlementRecord) bool { return ref != "" && Deref(r.BillingCustomerRef) == ref })
}

func (s *MemoryStore) GetBySubscriptionRef(_ context.Context, ref string) (EntitlementRecord, error) {
	return s.find(func(r EntitlementRecord) bool { return ref != "" && Deref(r.BillingSubscriptionRef) == ref })
}

func (s *MemoryStore) GetByReferralCode(_ context.Context, code string) (EntitlementRecord, error) {
	return s.find(func(r EntitlementRecord) bool { return code != "" && r.ReferralCode == code })
}

func (s *MemoryStore) find(match func(EntitlementRecord) bool) (EntitlementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.records {
		if match(rec) {
			return rec.Clone(), nil
		}
	}
	return EntitlementRecord{}, ErrRecordNotFound
}

func (s *MemoryStore) ApplyTransition(ctx context.Context, userID uuid.UUID, mutate Mutation) (Transition, error) {
	lock := s.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return Transition{}, err
	}

	s.mu.RLock()
	current, ok := s.records[userID]
	s.mu.RUnlock()
	if !ok {
		return Transition{}, ErrRecordNotFound
	}

	before := current.Clone()
	next := current.Clone()
	if err := mutate(&next); err != nil {
		return Transition{Before: before, After: before}, err
	}
	if err := ValidateChange(before, next); err != nil {
		s.log.ErrorContext(ctx, "entitlement consistency fault: transition rejected",
			slog.String("user_id", userID.String()),
			slog.String("tier", string(next.Tier)),
			slog.String("status", string(next.Status)),
			slog.Any("error", err),
		)
		return Transition{Before: before, After: before}, err
	}
	next.UpdatedAt = s.now().UTC()

	s.mu.Lock()
	s.records[userID] = next.Clone()
	s.mu.Unlock()

	return Transition{Before: before, After: next}, nil
}

func (s *MemoryStore) lockFor(userID uuid.UUID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.userLocks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.userLocks[userID] = l
	}
	return l
}

func (s *MemoryStore) HasEvent(_ context.Context, externalEventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.events[externalEventID]
	return ok, nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, ev SubscriptionEvent) error {
	if ev.ExternalEventID == "" {
		return errors.Join(ErrMalformedEvent, errors.New("external event id is required"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[ev.ExternalEventID]; ok {
		return ErrDuplicateEvent
	}
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	s.events[ev.ExternalEventID] = ev
	s.eventLog = append(s.eventLog, ev)
	return nil
}

// Events returns the ledger in append order.
func (s *MemoryStore) Events() []SubscriptionEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SubscriptionEvent, len(s.eventLog))
	copy(out, s.eventLog)
	return out
}

func (s *MemoryStore) InsertReferral(_ context.Context, rec ReferralRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.referrals[rec.ReferredID]; ok {
		return false, nil
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	s.referrals[rec.ReferredID] = rec
	return true, nil
}

func (s *MemoryStore) CountCompletedReferrals(_ context.Context, referrerID uuid.UUID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.referrals {
		if r.ReferrerID == referrerID && r.Status == ReferralCompleted {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) MarkBonusGranted(_ context.Context, referrerID uuid.UUID, milestone int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := bonusKey{referrerID: referrerID, milestone: milestone}
	if _, ok := s.bonuses[key]; ok {
		return false, nil
	}
	s.bonuses[key] = s.now().UTC()
	return true, nil
}

func (s *MemoryStore) RevokeBonus(_ context.Context, referrerID uuid.UUID, milestone int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bonuses, bonusKey{referrerID: referrerID, milestone: milestone})
	return nil
}

// Referrals returns every stored referral.
func (s *MemoryStore) Referrals() []ReferralRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ReferralRecord, 0, len(s.referrals))
	for _, r := range s.referrals {
		out = append(out, r)
	}
	return out
}
