package storage

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/hyperfocusai/hyperfocus/internal/events"
)

// Phase is the cache's synchronization state, exposed so the "remote empty
// vs local has data" policy is a first-class, observable decision rather
// than an implicit boolean.
type Phase int

const (
	// PhaseEmpty means Initialize has not run yet.
	PhaseEmpty Phase = iota
	// PhaseLocalOnly means the local snapshot is loaded; the remote fetch
	// has not settled (or there is no remote for this session).
	PhaseLocalOnly
	// PhaseReconciled means the remote snapshot has been fetched and merged.
	PhaseReconciled
)

func (p Phase) String() string {
	switch p {
	case PhaseLocalOnly:
		return "local-only"
	case PhaseReconciled:
		return "reconciled"
	default:
		return "empty"
	}
}

// CacheEvent is the payload of cache-change notifications.
type CacheEvent struct {
	Phase  Phase  `json:"phase"`
	ChatID string `json:"chat_id,omitempty"`
	UserID string `json:"user_id,omitempty"`
}

// SyncCache unifies the durable local store and the remote mirror behind a
// synchronous-read, asynchronous-write facade.
//
// Reads never block and never fail: before the first load they return
// empty/default data. Writes apply to the in-memory cache immediately, land
// in the local store synchronously, and mirror to the remote in the
// background; a remote failure is logged and the optimistic state stands.
type SyncCache struct {
	local  Store
	remote Store // nil for guest sessions

	mu            sync.RWMutex
	userID        string
	chats         []*Chat
	settings      Settings
	currentChatID string
	phase         Phase

	broker *events.Broker[CacheEvent]

	// remoteWG tracks in-flight background remote writes so Close and tests
	// can wait for them to settle.
	remoteWG sync.WaitGroup
}

// NewSyncCache creates a cache over a local store and an optional remote
// mirror for the given user.
func NewSyncCache(local Store, remote Store, userID string) *SyncCache {
	return &SyncCache{
		local:    local,
		remote:   remote,
		userID:   userID,
		settings: *DefaultSettings(),
		broker:   events.NewBroker[CacheEvent](),
	}
}

// Initialize loads the local snapshot synchronously, marks the cache ready,
// and kicks off the remote fetch in the background. Safe to call again to
// force a refresh.
func (sc *SyncCache) Initialize(ctx context.Context) {
	sc.loadLocal(ctx)
	sc.publish(events.CacheReady, "")

	sc.mu.RLock()
	userID := sc.userID
	sc.mu.RUnlock()

	if sc.remote == nil || userID == "" {
		return
	}

	sc.remoteWG.Add(1)
	go func() {
		defer sc.remoteWG.Done()
		sc.reconcile(ctx, userID)
	}()
}

func (sc *SyncCache) loadLocal(ctx context.Context) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	chats, err := sc.local.ListChats(ctx, sc.userID)
	if err != nil {
		log.Printf("Warning: local chat load failed: %v", err)
		chats = nil
	}
	sort.SliceStable(chats, func(i, j int) bool {
		return chats[i].UpdatedAt.After(chats[j].UpdatedAt)
	})
	sc.chats = chats

	if settings, err := sc.local.GetSettings(ctx, sc.userID); err == nil {
		sc.settings = *settings
	} else if err != ErrNotFound {
		log.Printf("Warning: local settings load failed: %v", err)
	}

	if id, err := sc.local.CurrentChatID(ctx, sc.userID); err == nil {
		sc.currentChatID = id
	} else {
		log.Printf("Warning: local current chat load failed: %v", err)
	}

	sc.phase = PhaseLocalOnly
}

// reconcile fetches the remote snapshot and applies the reconciliation
// policy, then fires a second ready notification so subscribers reload.
func (sc *SyncCache) reconcile(ctx context.Context, userID string) {
	remoteChats, chatsErr := sc.remote.ListChats(ctx, userID)
	remoteSettings, settingsErr := sc.remote.GetSettings(ctx, userID)

	sc.mu.Lock()
	if sc.userID != userID {
		// Identity changed while the fetch was in flight; discard.
		sc.mu.Unlock()
		return
	}

	merged, replaced := ReconcileChats(sc.chats, remoteChats, chatsErr)
	sc.chats = merged
	if replaced {
		// Remote is authoritative; mirror it back into the durable store.
		for _, chat := range merged {
			if err := sc.local.PutChat(ctx, userID, chat); err != nil {
				log.Printf("Warning: local mirror of remote chat %s failed: %v", chat.ID, err)
			}
		}
	}

	if settingsErr == nil && remoteSettings != nil {
		sc.settings = *remoteSettings
		if err := sc.local.PutSettings(ctx, userID, remoteSettings); err != nil {
			log.Printf("Warning: local mirror of remote settings failed: %v", err)
		}
	} else if settingsErr != nil && settingsErr != ErrNotFound {
		log.Printf("Warning: remote settings fetch failed, keeping local: %v", settingsErr)
	}

	sc.phase = PhaseReconciled
	sc.mu.Unlock()

	sc.publish(events.CacheReconciled, "")
}

// ReconcileChats decides which chat collection wins after a remote fetch.
// Remote replaces local when it has data; an empty remote read keeps local
// (guards against wiping data on a transient empty read or an unmigrated
// session); a failed remote read keeps local untouched. The second return
// reports whether remote replaced local.
func ReconcileChats(local, remote []*Chat, remoteErr error) ([]*Chat, bool) {
	if remoteErr != nil {
		log.Printf("Warning: remote sync failed, keeping local data: %v", remoteErr)
		return local, false
	}
	if len(remote) > 0 {
		return remote, true
	}
	if len(local) > 0 {
		log.Printf("Remote empty, keeping local data")
		return local, false
	}
	return nil, false
}

// Phase returns the current synchronization phase.
func (sc *SyncCache) Phase() Phase {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.phase
}

// Chats returns the cached chat list, most recently updated first. Always
// returns a snapshot slice; the caller may not mutate the chats in place.
func (sc *SyncCache) Chats() []*Chat {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	out := make([]*Chat, len(sc.chats))
	copy(out, sc.chats)
	return out
}

// Chat returns the cached chat with the given id, or nil.
func (sc *SyncCache) Chat(id string) *Chat {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	for _, c := range sc.chats {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// SaveChat applies the chat to the cache immediately, persists it to the
// local store, and mirrors it to the remote in the background. Never
// returns an error: durability is guaranteed at the local-store level and
// the remote is best effort.
func (sc *SyncCache) SaveChat(ctx context.Context, chat *Chat) {
	saved := chat.Clone()

	sc.mu.Lock()
	userID := sc.userID
	replaced := false
	for i, c := range sc.chats {
		if c.ID == saved.ID {
			sc.chats[i] = saved
			replaced = true
			break
		}
	}
	if !replaced {
		sc.chats = append([]*Chat{saved}, sc.chats...)
	}
	sc.mu.Unlock()

	sc.publish(events.ChatSaved, saved.ID)

	if err := sc.local.PutChat(ctx, userID, saved); err != nil {
		log.Printf("Warning: local chat save failed for %s: %v", saved.ID, err)
	}

	sc.mirror(userID, func(ctx context.Context) error {
		return sc.remote.PutChat(ctx, userID, saved)
	}, "chat save", saved.ID)
}

// DeleteChat removes the chat from the cache, the local store, and (best
// effort) the remote.
func (sc *SyncCache) DeleteChat(ctx context.Context, id string) {
	sc.mu.Lock()
	userID := sc.userID
	filtered := sc.chats[:0]
	for _, c := range sc.chats {
		if c.ID != id {
			filtered = append(filtered, c)
		}
	}
	sc.chats = filtered
	if sc.currentChatID == id {
		sc.currentChatID = ""
	}
	sc.mu.Unlock()

	sc.publish(events.ChatDeleted, id)

	if err := sc.local.DeleteChat(ctx, userID, id); err != nil {
		log.Printf("Warning: local chat delete failed for %s: %v", id, err)
	}

	sc.mirror(userID, func(ctx context.Context) error {
		return sc.remote.DeleteChat(ctx, userID, id)
	}, "chat delete", id)
}

// Settings returns a copy of the cached settings, defaults before first load.
func (sc *SyncCache) Settings() Settings {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.settings
}

// UpdateSettings shallow-merges the patch into the cached settings and
// persists the result, local first, remote best effort.
func (sc *SyncCache) UpdateSettings(ctx context.Context, patch SettingsPatch) Settings {
	sc.mu.Lock()
	userID := sc.userID
	sc.settings = patch.Apply(sc.settings)
	merged := sc.settings
	sc.mu.Unlock()

	sc.publish(events.SettingsUpdated, "")

	if err := sc.local.PutSettings(ctx, userID, &merged); err != nil {
		log.Printf("Warning: local settings save failed: %v", err)
	}

	sc.mirror(userID, func(ctx context.Context) error {
		return sc.remote.PutSettings(ctx, userID, &merged)
	}, "settings save", "")

	return merged
}

// CurrentChatID returns the cached current-chat pointer.
func (sc *SyncCache) CurrentChatID() string {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.currentChatID
}

// SetCurrentChatID persists the current-chat pointer, local first.
func (sc *SyncCache) SetCurrentChatID(ctx context.Context, id string) {
	sc.mu.Lock()
	userID := sc.userID
	sc.currentChatID = id
	sc.mu.Unlock()

	if err := sc.local.SetCurrentChatID(ctx, userID, id); err != nil {
		log.Printf("Warning: local current chat save failed: %v", err)
	}

	sc.mirror(userID, func(ctx context.Context) error {
		return sc.remote.SetCurrentChatID(ctx, userID, id)
	}, "current chat save", id)
}

// SetUser switches the authenticated identity. Transitioning to "" (signed
// out) clears all in-memory state; a new identity reloads from scratch.
func (sc *SyncCache) SetUser(ctx context.Context, userID string) {
	sc.mu.Lock()
	if sc.userID == userID {
		sc.mu.Unlock()
		return
	}
	sc.userID = userID
	sc.chats = nil
	sc.settings = *DefaultSettings()
	sc.currentChatID = ""
	sc.phase = PhaseEmpty
	sc.mu.Unlock()

	sc.publish(events.UserChanged, "")

	if userID != "" {
		sc.Initialize(ctx)
	}
}

// mirror runs a remote write in the background. Failures are logged and
// swallowed; reconciliation on the next Initialize is the recovery path.
func (sc *SyncCache) mirror(userID string, fn func(context.Context) error, op, id string) {
	if sc.remote == nil || userID == "" {
		return
	}
	sc.remoteWG.Add(1)
	go func() {
		defer sc.remoteWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		if err := fn(ctx); err != nil {
			if id != "" {
				log.Printf("Warning: remote %s failed for %s (local copy kept): %v", op, id, err)
			} else {
				log.Printf("Warning: remote %s failed (local copy kept): %v", op, err)
			}
		}
	}()
}

// OnReady registers a listener invoked on every cache-changing event. The
// returned unsubscribe is idempotent and safe to call from the listener.
func (sc *SyncCache) OnReady(fn func(CacheEvent)) func() {
	ctx, cancel := context.WithCancel(context.Background())
	ch := sc.broker.Subscribe(ctx)
	go func() {
		for event := range ch {
			fn(event.Payload)
		}
	}()
	return cancel
}

// Subscribe exposes the raw event stream, used by the websocket surface.
func (sc *SyncCache) Subscribe(ctx context.Context, filters ...events.Filter) <-chan events.Event[CacheEvent] {
	return sc.broker.Subscribe(ctx, filters...)
}

func (sc *SyncCache) publish(eventType events.EventType, chatID string) {
	sc.mu.RLock()
	payload := CacheEvent{Phase: sc.phase, ChatID: chatID, UserID: sc.userID}
	sc.mu.RUnlock()
	sc.broker.Publish(eventType, payload)
}

// WaitRemote blocks until in-flight background remote writes settle. Used
// in shutdown and tests.
func (sc *SyncCache) WaitRemote() {
	sc.remoteWG.Wait()
}

// Close shuts down the notification broker after draining remote writes.
func (sc *SyncCache) Close() {
	sc.remoteWG.Wait()
	sc.broker.Shutdown()
}
