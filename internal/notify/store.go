// Package notify implements the per-organization notification store:
// an in-memory cache in front of the remote notification persistence,
// with dedupe-on-insert, read-flag monotonicity, newest-first ordering,
// and synchronous fan-out of the full ordered list to subscribers.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"iotsync.dev/sync-core/internal/directory"
	"iotsync.dev/sync-core/internal/model"
	"iotsync.dev/sync-core/pkg/metrics"
)

var (
	errMissingID  = errors.New("notification id cannot be empty")
	errMissingOrg = errors.New("notification organization id cannot be empty")
)

// Callback receives the full, newest-first notification list for the
// subscription's organization and user after every successful mutation.
// Deltas are deliberately not sent: full lists cost bandwidth but
// eliminate client-side merge bugs.
type Callback func(notifications []model.Notification)

// Token identifies one subscription; pass it to Unsubscribe.
type Token int

type subscriber struct {
	orgID    string
	userID   string
	callback Callback
}

// delivery pairs one subscriber callback with the list snapshot built
// for it under the lock.
type delivery struct {
	callback Callback
	list     []model.Notification
}

// Store is the notification cache and fan-out hub. It is constructed
// once at process start and injected into consumers; nothing else
// mutates the cache.
type Store struct {
	mu          sync.Mutex
	logger      *slog.Logger
	persistence directory.NotificationPersistence
	cache       map[string]map[string]model.Notification // org id -> notification id -> record
	subscribers map[Token]subscriber
	nextToken   Token
	metrics     *metrics.NotifyMetrics // optional
}

// StoreConfig holds the configuration for the Store.
type StoreConfig struct {
	Logger      *slog.Logger
	Persistence directory.NotificationPersistence
	Metrics     *metrics.NotifyMetrics
}

// NewStore creates a new Store instance.
func NewStore(cfg *StoreConfig) (*Store, error) {
	if cfg == nil {
		return nil, errors.New("store config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Persistence == nil {
		return nil, errors.New("persistence cannot be nil")
	}

	return &Store{
		logger:      cfg.Logger,
		persistence: cfg.Persistence,
		cache:       make(map[string]map[string]model.Notification),
		subscribers: make(map[Token]subscriber),
		metrics:     cfg.Metrics,
	}, nil
}

// Upsert inserts a notification or, when the identity already exists,
// merges only the read flag. Read never regresses from true to false.
// The write is persisted first; a persistence failure is returned to
// the caller without touching the cache, so a retry sees consistent
// state.
func (s *Store) Upsert(ctx context.Context, n model.Notification) error {
	if n.ID == "" {
		return errMissingID
	}
	if n.OrganizationID == "" {
		return errMissingOrg
	}

	s.mu.Lock()

	merged := n
	duplicate := false
	if existing, ok := s.cache[n.OrganizationID][n.ID]; ok {
		duplicate = true
		merged = existing
		merged.Read = existing.Read || n.Read
	}

	if err := s.persistence.Persist(ctx, merged); err != nil {
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.PersistErrors.WithLabelValues("upsert").Inc()
		}
		return fmt.Errorf("failed to persist notification %s: %w", n.ID, err)
	}

	if duplicate && s.metrics != nil {
		s.metrics.Duplicates.Inc()
	}
	s.putLocked(merged)
	if s.metrics != nil {
		s.metrics.Upserts.WithLabelValues(string(merged.Category)).Inc()
	}

	deliveries := s.collectLocked(merged.OrganizationID)
	s.mu.Unlock()

	s.deliver(deliveries)
	return nil
}

// MarkRead flags one notification as read. The persistence write
// happens first and its failure propagates to the caller.
func (s *Store) MarkRead(ctx context.Context, id string) error {
	if id == "" {
		return errMissingID
	}

	s.mu.Lock()

	orgID, found := s.findOrgLocked(id)
	if !found {
		s.mu.Unlock()
		return fmt.Errorf("notification %s: %w", id, directory.ErrNotFound)
	}

	if err := s.persistence.MarkRead(ctx, id); err != nil {
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.PersistErrors.WithLabelValues("mark_read").Inc()
		}
		return fmt.Errorf("failed to mark notification %s read: %w", id, err)
	}

	n := s.cache[orgID][id]
	n.Read = true
	s.putLocked(n)

	deliveries := s.collectLocked(orgID)
	s.mu.Unlock()

	s.deliver(deliveries)
	return nil
}

// MarkAllRead flags every notification visible to the user as read.
// The first persistence failure aborts and propagates; already-written
// reads stay read, which is safe because read is monotonic.
func (s *Store) MarkAllRead(ctx context.Context, orgID, userID string) error {
	s.mu.Lock()

	var failure error
	byID := s.cache[orgID]
	for id, n := range byID {
		if n.Read || !visibleTo(n, userID) {
			continue
		}
		if err := s.persistence.MarkRead(ctx, id); err != nil {
			if s.metrics != nil {
				s.metrics.PersistErrors.WithLabelValues("mark_all_read").Inc()
			}
			failure = fmt.Errorf("failed to mark notification %s read: %w", id, err)
			break
		}
		n.Read = true
		s.putLocked(n)
	}

	deliveries := s.collectLocked(orgID)
	s.mu.Unlock()

	s.deliver(deliveries)
	return failure
}

// List returns the user's notifications newest-first. It refreshes the
// cache from persistence when reachable; on fetch failure it degrades
// to the last known good cache instead of failing the read.
func (s *Store) List(ctx context.Context, orgID, userID string) []model.Notification {
	fetched, err := s.persistence.Fetch(ctx, orgID, userID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.logger.Warn("notification fetch failed, serving cached list",
			"organization_id", orgID,
			"error", err,
		)
		if s.metrics != nil {
			s.metrics.CacheFallbacks.Inc()
		}
		return s.listLocked(orgID, userID)
	}

	// Incremental merge: remote rows win on content, read stays
	// monotonic against anything already observed locally.
	for _, n := range fetched {
		if existing, ok := s.cache[orgID][n.ID]; ok {
			n.Read = n.Read || existing.Read
		}
		s.putLocked(n)
	}
	return s.listLocked(orgID, userID)
}

// Cached returns the in-memory list without consulting persistence,
// for initial render before the first push event arrives.
func (s *Store) Cached(orgID, userID string) []model.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked(orgID, userID)
}

// UnreadCount returns the number of unread notifications visible to
// the user.
func (s *Store) UnreadCount(orgID, userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, n := range s.cache[orgID] {
		if !n.Read && visibleTo(n, userID) {
			count++
		}
	}
	return count
}

// Subscribe registers a callback for one organization and user. The
// callback fires synchronously after every successful mutation with
// the full updated list. The returned token unsubscribes.
func (s *Store) Subscribe(orgID, userID string, callback Callback) Token {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextToken++
	token := s.nextToken
	s.subscribers[token] = subscriber{orgID: orgID, userID: userID, callback: callback}
	return token
}

// Unsubscribe removes a subscription. Unknown tokens are a no-op.
func (s *Store) Unsubscribe(token Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscribers, token)
}

// putLocked stores a record and keeps the unread gauge current.
func (s *Store) putLocked(n model.Notification) {
	byID, ok := s.cache[n.OrganizationID]
	if !ok {
		byID = make(map[string]model.Notification)
		s.cache[n.OrganizationID] = byID
	}
	byID[n.ID] = n

	if s.metrics != nil {
		unread := 0
		for _, record := range byID {
			if !record.Read {
				unread++
			}
		}
		s.metrics.Unread.WithLabelValues(n.OrganizationID).Set(float64(unread))
	}
}

// findOrgLocked locates which organization cache holds an id.
func (s *Store) findOrgLocked(id string) (string, bool) {
	for orgID, byID := range s.cache {
		if _, ok := byID[id]; ok {
			return orgID, true
		}
	}
	return "", false
}

// listLocked assembles the newest-first list for one user. Ordering is
// a hard invariant: the UI badge logic assumes index 0 is the latest.
func (s *Store) listLocked(orgID, userID string) []model.Notification {
	byID := s.cache[orgID]
	out := make([]model.Notification, 0, len(byID))
	for _, n := range byID {
		if visibleTo(n, userID) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// collectLocked snapshots the subscriber set and builds each
// subscriber's list under the lock. Delivery happens after the lock is
// released, so a callback can subscribe, unsubscribe, or mutate the
// store without deadlocking.
func (s *Store) collectLocked(orgID string) []delivery {
	deliveries := make([]delivery, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		if sub.orgID != orgID {
			continue
		}
		deliveries = append(deliveries, delivery{
			callback: sub.callback,
			list:     s.listLocked(orgID, sub.userID),
		})
	}
	return deliveries
}

// deliver invokes the collected callbacks synchronously.
func (s *Store) deliver(deliveries []delivery) {
	if len(deliveries) == 0 {
		return
	}
	if s.metrics != nil {
		s.metrics.FanOuts.Inc()
	}
	for _, d := range deliveries {
		d.callback(d.list)
	}
}

// visibleTo reports whether a notification is addressed to the user:
// either directly or as an organization-wide broadcast.
func visibleTo(n model.Notification, userID string) bool {
	return n.UserID == "" || n.UserID == userID
}
