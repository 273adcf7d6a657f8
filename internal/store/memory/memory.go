// Package memory is an in-process billing.Store for tests and local runs.
// Transactions are serialized by one mutex and run against a copy of the
// state, which replaces the live state only when the transaction succeeds.
package memory

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/tokenbill/svc/billing"
)

// ErrDuplicateKey is returned when an insert or update would break a unique key.
var ErrDuplicateKey = errors.New("memory: duplicate key")

type state struct {
	users   map[string]billing.User
	plans   map[string]billing.PlanRow // by name
	subs    []billing.Subscription     // insertion order
	intents map[string]billing.PaymentIntent
	ledger  map[string][]billing.LedgerEntry
	events  map[string]time.Time
	seq     int64
}

func newState() *state {
	return &state{
		users:   map[string]billing.User{},
		plans:   map[string]billing.PlanRow{},
		intents: map[string]billing.PaymentIntent{},
		ledger:  map[string][]billing.LedgerEntry{},
		events:  map[string]time.Time{},
	}
}

// clone copies every container. Stored values are only ever replaced, never
// mutated in place, so the copy is shallow below that level.
func (s *state) clone() *state {
	c := &state{
		users:   maps.Clone(s.users),
		plans:   maps.Clone(s.plans),
		subs:    slices.Clone(s.subs),
		intents: maps.Clone(s.intents),
		ledger:  make(map[string][]billing.LedgerEntry, len(s.ledger)),
		events:  maps.Clone(s.events),
		seq:     s.seq,
	}
	for k, v := range s.ledger {
		c.ledger[k] = slices.Clone(v)
	}
	return c
}

// Store implements billing.Store.
type Store struct {
	mu    sync.Mutex
	state *state
}

func New() *Store {
	return &Store{state: newState()}
}

// InTx runs fn against a working copy and commits it when fn returns nil.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx billing.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(ctx, &tx{st: work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

// PutUser creates or replaces a user. Users belong to the auth service; this
// is how tests and local runs seed them.
func (s *Store) PutUser(u billing.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.users[u.ID] = u
}

// User returns a copy of the stored user.
func (s *Store) User(id string) (billing.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.state.users[id]
	return u, ok
}

// Subscriptions returns the user's rows in creation order.
func (s *Store) Subscriptions(userID string) []billing.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []billing.Subscription
	for _, sub := range s.state.subs {
		if sub.UserID == userID {
			out = append(out, sub)
		}
	}
	return out
}

// PutSubscription inserts or replaces a row, bypassing the lifecycle.
func (s *Store) PutSubscription(sub billing.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.state.subs {
		if s.state.subs[i].ID == sub.ID {
			s.state.subs[i] = sub
			return
		}
	}
	s.state.subs = append(s.state.subs, sub)
}

// PutIntent inserts or replaces an intent, bypassing the tracker.
func (s *Store) PutIntent(intent billing.PaymentIntent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.intents[intent.SessionID] = intent
}

// Intent returns a copy of the stored intent.
func (s *Store) Intent(sessionID string) (billing.PaymentIntent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	intent, ok := s.state.intents[sessionID]
	return intent, ok
}

type tx struct {
	st *state
}

func (t *tx) GetUser(_ context.Context, id string) (*billing.User, error) {
	u, ok := t.st.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", billing.ErrUserNotFound, id)
	}
	return &u, nil
}

// LockUser is GetUser: the store lock already serializes transactions.
func (t *tx) LockUser(ctx context.Context, id string) (*billing.User, error) {
	return t.GetUser(ctx, id)
}

func (t *tx) updateUser(id string, fn func(*billing.User)) error {
	u, ok := t.st.users[id]
	if !ok {
		return fmt.Errorf("%w: %s", billing.ErrUserNotFound, id)
	}
	fn(&u)
	t.st.users[id] = u
	return nil
}

func (t *tx) UpdateUserPlan(_ context.Context, userID, planName string) error {
	return t.updateUser(userID, func(u *billing.User) {
		u.CurrentPlan = planName
		u.UpdatedAt = time.Now().UTC()
	})
}

func (t *tx) SetUserBalance(_ context.Context, userID string, balance int64) error {
	return t.updateUser(userID, func(u *billing.User) {
		u.TokenBalance = balance
		u.UpdatedAt = time.Now().UTC()
	})
}

func (t *tx) MarkTrialUsed(_ context.Context, userID string, at time.Time) error {
	return t.updateUser(userID, func(u *billing.User) {
		if u.TrialUsedAt == nil {
			u.TrialUsedAt = &at
		}
		u.UpdatedAt = at
	})
}

func (t *tx) EnsurePlan(_ context.Context, plan billing.Plan, at time.Time) (*billing.PlanRow, error) {
	if row, ok := t.st.plans[plan.Name]; ok {
		return &row, nil
	}
	row := billing.PlanRow{
		ID:                 uuid.NewString(),
		Name:               plan.Name,
		BillingPeriod:      plan.BillingPeriod,
		BillingPeriodCount: plan.BillingPeriodCount,
		TokenQuota:         plan.TokenQuota,
		IsTesterPlan:       plan.IsTesterPlan,
		CreatedAt:          at,
	}
	t.st.plans[plan.Name] = row
	return &row, nil
}

// PlanRow returns the persisted plan row for name.
func (s *Store) PlanRow(name string) (billing.PlanRow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.state.plans[name]
	return row, ok
}

func (t *tx) findSub(match func(*billing.Subscription) bool) (*billing.Subscription, error) {
	for i := len(t.st.subs) - 1; i >= 0; i-- {
		if match(&t.st.subs[i]) {
			sub := t.st.subs[i]
			return &sub, nil
		}
	}
	return nil, billing.ErrSubscriptionNotFound
}

func (t *tx) GetSubscription(_ context.Context, id string) (*billing.Subscription, error) {
	return t.findSub(func(s *billing.Subscription) bool { return s.ID == id })
}

func (t *tx) GetSubscriptionByExternalID(_ context.Context, externalID string) (*billing.Subscription, error) {
	if externalID == "" {
		return nil, billing.ErrSubscriptionNotFound
	}
	return t.findSub(func(s *billing.Subscription) bool { return s.ExternalSubscriptionID == externalID })
}

func (t *tx) GetActiveSubscription(_ context.Context, userID string) (*billing.Subscription, error) {
	return t.findSub(func(s *billing.Subscription) bool {
		return s.UserID == userID && s.Status == billing.StatusActive
	})
}

func (t *tx) GetLatestSubscription(_ context.Context, userID string) (*billing.Subscription, error) {
	return t.findSub(func(s *billing.Subscription) bool { return s.UserID == userID })
}

func (t *tx) checkUnique(sub *billing.Subscription) error {
	for _, other := range t.st.subs {
		if other.ID == sub.ID {
			continue
		}
		if sub.ExternalSubscriptionID != "" && other.ExternalSubscriptionID == sub.ExternalSubscriptionID {
			return fmt.Errorf("%w: external subscription id %s", ErrDuplicateKey, sub.ExternalSubscriptionID)
		}
		if sub.Status == billing.StatusActive && other.UserID == sub.UserID && other.Status == billing.StatusActive {
			return fmt.Errorf("%w: second active subscription for user %s", ErrDuplicateKey, sub.UserID)
		}
	}
	return nil
}

func (t *tx) InsertSubscription(_ context.Context, sub *billing.Subscription) error {
	if _, err := t.findSub(func(s *billing.Subscription) bool { return s.ID == sub.ID }); err == nil {
		return fmt.Errorf("%w: subscription %s", ErrDuplicateKey, sub.ID)
	}
	if err := t.checkUnique(sub); err != nil {
		return err
	}
	t.st.subs = append(t.st.subs, *sub)
	return nil
}

func (t *tx) UpdateSubscription(_ context.Context, sub *billing.Subscription) error {
	for i := range t.st.subs {
		if t.st.subs[i].ID != sub.ID {
			continue
		}
		if err := t.checkUnique(sub); err != nil {
			return err
		}
		t.st.subs[i] = *sub
		return nil
	}
	return fmt.Errorf("%w: %s", billing.ErrSubscriptionNotFound, sub.ID)
}

func (t *tx) CancelActiveSubscriptions(_ context.Context, userID, exceptID string, at time.Time) (int64, error) {
	var n int64
	for i := range t.st.subs {
		s := t.st.subs[i]
		if s.UserID != userID || s.ID == exceptID {
			continue
		}
		if s.Status != billing.StatusActive && s.Status != billing.StatusPastDue {
			continue
		}
		s.Status = billing.StatusCancelled
		if s.CancelledAt == nil {
			s.CancelledAt = &at
		}
		s.UpdatedAt = at
		t.st.subs[i] = s
		n++
	}
	return n, nil
}

func (t *tx) listSubs(limit int, match func(billing.Subscription) bool) []billing.Subscription {
	var out []billing.Subscription
	for _, s := range t.st.subs {
		if match(s) {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CurrentPeriodEnd.Before(out[j].CurrentPeriodEnd)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (t *tx) ListActiveDue(_ context.Context, now time.Time, limit int) ([]billing.Subscription, error) {
	return t.listSubs(limit, func(s billing.Subscription) bool {
		return s.Status == billing.StatusActive && !s.CancelAtPeriodEnd && !s.IsTrial && !s.CurrentPeriodEnd.After(now)
	}), nil
}

func (t *tx) ListTrialsEnded(_ context.Context, now time.Time, limit int) ([]billing.Subscription, error) {
	return t.listSubs(limit, func(s billing.Subscription) bool {
		return s.Status == billing.StatusActive && s.IsTrial && s.TrialEndsAt != nil && !s.TrialEndsAt.After(now)
	}), nil
}

func (t *tx) ListCancellationsDue(_ context.Context, now time.Time, limit int) ([]billing.Subscription, error) {
	return t.listSubs(limit, func(s billing.Subscription) bool {
		return s.CancelAtPeriodEnd &&
			(s.Status == billing.StatusActive || s.Status == billing.StatusPastDue) &&
			!s.CurrentPeriodEnd.After(now)
	}), nil
}

func (t *tx) InsertIntent(_ context.Context, intent *billing.PaymentIntent) error {
	if _, ok := t.st.intents[intent.SessionID]; ok {
		return fmt.Errorf("%w: session %s", ErrDuplicateKey, intent.SessionID)
	}
	t.st.intents[intent.SessionID] = *intent
	return nil
}

func (t *tx) GetIntent(_ context.Context, sessionID string) (*billing.PaymentIntent, error) {
	intent, ok := t.st.intents[sessionID]
	if !ok {
		return nil, billing.ErrIntentNotFound
	}
	return &intent, nil
}

func (t *tx) GetIntentByTransaction(_ context.Context, transactionID string) (*billing.PaymentIntent, error) {
	if transactionID == "" {
		return nil, billing.ErrIntentNotFound
	}
	for _, intent := range t.st.intents {
		if intent.ExternalTransactionID == transactionID {
			return &intent, nil
		}
	}
	return nil, billing.ErrIntentNotFound
}

func (t *tx) UpdateIntent(_ context.Context, intent *billing.PaymentIntent) error {
	if _, ok := t.st.intents[intent.SessionID]; !ok {
		return billing.ErrIntentNotFound
	}
	t.st.intents[intent.SessionID] = *intent
	return nil
}

func (t *tx) ExpirePendingIntents(_ context.Context, now time.Time) (int64, error) {
	var n int64
	for id, intent := range t.st.intents {
		if intent.Status == billing.IntentPending && !intent.ExpiresAt.After(now) {
			intent.Status = billing.IntentExpired
			intent.UpdatedAt = now
			t.st.intents[id] = intent
			n++
		}
	}
	return n, nil
}

func (t *tx) DeleteIntentsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	var n int64
	for id, intent := range t.st.intents {
		if intent.CreatedAt.Before(cutoff) {
			delete(t.st.intents, id)
			n++
		}
	}
	return n, nil
}

func (t *tx) InsertLedgerEntry(_ context.Context, entry *billing.LedgerEntry) error {
	t.st.seq++
	entry.Sequence = t.st.seq
	t.st.ledger[entry.UserID] = append(t.st.ledger[entry.UserID], *entry)
	return nil
}

func (t *tx) ListLedgerEntries(_ context.Context, userID string, limit int) ([]billing.LedgerEntry, error) {
	entries := slices.Clone(t.st.ledger[userID])
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

func eventKey(kind, transactionID string) string {
	return strings.ToLower(kind) + "|" + transactionID
}

func (t *tx) MarkEventProcessed(_ context.Context, kind, transactionID string, at time.Time) (bool, error) {
	key := eventKey(kind, transactionID)
	if _, ok := t.st.events[key]; ok {
		return false, nil
	}
	t.st.events[key] = at
	return true, nil
}

func (t *tx) EventProcessed(_ context.Context, kind, transactionID string) (bool, error) {
	_, ok := t.st.events[eventKey(kind, transactionID)]
	return ok, nil
}

var _ billing.Store = (*Store)(nil)
var _ billing.Tx = (*tx)(nil)
