package agentdesk

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Names of the events an Engine emits to its subscribers.
const (
	EngineConversationAdded   = "conversation.added"   // payload *Conversation
	EngineConversationUpdated = "conversation.updated" // payload *Conversation
	EngineConversationRemoved = "conversation.removed" // payload *Conversation
	EngineSelectionChanged    = "selection.changed"    // payload *Conversation, nil when cleared
	EngineNotification        = "notification"         // payload Notification
	EngineEventFailed         = "event.failed"         // payload EventFailure
	EnginePageLoaded          = "page.loaded"          // payload PageResult
)

// EngineEventHandler handles engine events.
type EngineEventHandler func(event string, payload any)

// Notification is a user-facing message raised by the engine.
type Notification struct {
	Level          string `json:"level"` // "error" or "warning"
	ConversationID string `json:"conversationId,omitempty"`
	Message        string `json:"message"`
	Err            error  `json:"-"`
}

// EventFailure reports an inbound event whose application failed.
type EventFailure struct {
	Event Event
	Err   error
}

// PageResult summarizes a committed page load.
type PageResult struct {
	Offset     int    `json:"offset"`
	Limit      int    `json:"limit"`
	Count      int    `json:"count"`
	Generation uint64 `json:"generation"`
}

// EngineOptions configures an Engine.
type EngineOptions struct {
	User        User
	WorkspaceID string
	Fetcher     ConversationFetcher
	Teams       TeamFetcher
	FilterStore FilterStore
	Transform   TransformFunc
	Filter      *Filter
	Logger      *zerolog.Logger
	Now         func() time.Time
	// FetchTimeout bounds single-conversation fetches made while applying
	// events.
	FetchTimeout time.Duration
}

func (o *EngineOptions) defaults() {
	if o.FilterStore == nil {
		o.FilterStore = NewMemoryFilterStore()
	}
	if o.Transform == nil {
		o.Transform = Transform
	}
	if o.Logger == nil {
		l := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger().Level(zerolog.InfoLevel)
		o.Logger = &l
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.FetchTimeout == 0 {
		o.FetchTimeout = 15 * time.Second
	}
}

// ============================================================================
// Emitter
// ============================================================================

type engineEmitter struct {
	mu        sync.RWMutex
	listeners map[string][]EngineEventHandler
}

// On registers handler for event.
func (e *engineEmitter) On(event string, handler EngineEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *engineEmitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(event, payload)
		}()
	}
}

func (e *engineEmitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]EngineEventHandler)
}

type emission struct {
	event   string
	payload any
}

// ============================================================================
// Engine
// ============================================================================

// Engine reconciles pushed events and paginated fetches into one filtered,
// ordered list of conversations. It is the only writer of its stores: every
// mutation runs under a single lock and subscribers are notified after it is
// released.
type Engine struct {
	engineEmitter
	opts   EngineOptions
	logger zerolog.Logger

	store     *ConversationStore
	backup    *BackupStore
	overlay   *OptimisticOverlay
	selection *SelectionCoordinator
	queue     *EventQueue

	applyMu sync.Mutex
	outbox  []emission

	stateMu    sync.RWMutex
	filter     Filter
	query      Query
	queryReady bool
	generation uint64
	teams      []Team
}

// NewEngine wires the stores, the selection coordinator and the event queue.
func NewEngine(opts EngineOptions) *Engine {
	opts.defaults()
	e := &Engine{
		engineEmitter: engineEmitter{listeners: make(map[string][]EngineEventHandler)},
		opts:          opts,
		logger:        opts.Logger.With().Str("workspace_id", opts.WorkspaceID).Logger(),
		store:         NewConversationStore(opts.User.ID),
		backup:        NewBackupStore(opts.User.ID),
		overlay:       NewOptimisticOverlay(),
		selection:     NewSelectionCoordinator(opts.User.ID, opts.Now),
	}
	if opts.Filter != nil {
		e.filter = *opts.Filter
	}
	e.queue = NewEventQueue(e.apply, e.eventFailed, e.logger)
	e.selection.OnChange(func(cur *Conversation) {
		e.publish(EngineSelectionChanged, cur)
	})
	return e
}

// Start restores the persisted filter (unless one was given) and starts
// applying queued events.
func (e *Engine) Start(ctx context.Context) error {
	if e.opts.Filter == nil {
		saved, err := e.opts.FilterStore.LoadFilter(ctx, e.opts.WorkspaceID)
		if err != nil {
			e.logger.Warn().Err(err).Msg("failed to restore filter")
		} else if saved != nil {
			e.stateMu.Lock()
			e.filter = *saved
			e.stateMu.Unlock()
		}
	}
	return e.queue.Start(ctx)
}

// Stop applies what is already queued, then stops the queue and drops all
// subscribers.
func (e *Engine) Stop(ctx context.Context) error {
	err := e.queue.Stop(ctx)
	e.removeAll()
	return err
}

// HandleEvent queues a pushed event. It is the handler transports call.
func (e *Engine) HandleEvent(ev Event) {
	if err := e.queue.Push(ev); err != nil {
		e.logger.Warn().Err(err).Str("event_type", string(ev.Type)).Msg("event dropped")
	}
}

// WaitIdle blocks until every queued event has been applied.
func (e *Engine) WaitIdle(ctx context.Context) error { return e.queue.WaitIdle(ctx) }

// QueueStats reports the event queue counters.
func (e *Engine) QueueStats() QueueStats { return e.queue.Stats() }

// ── Reads ────────────────────────────────────────────────

// Conversations returns the filtered list in the active sort order.
func (e *Engine) Conversations() []*Conversation {
	return e.store.List(e.Filter().Sort)
}

// Conversation looks id up in the list, then in the backup store.
func (e *Engine) Conversation(id string) (*Conversation, bool) {
	if c, ok := e.store.Get(id); ok {
		return c, true
	}
	return e.backup.Get(id)
}

// Shadow returns the backup snapshot for id.
func (e *Engine) Shadow(id string) (*Conversation, bool) { return e.backup.Get(id) }

// Selected returns the open conversation, if any.
func (e *Engine) Selected() (*Conversation, bool) { return e.selection.Selected() }

// Filter returns the active filter.
func (e *Engine) Filter() Filter {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.filter
}

// Query returns the active membership predicate.
func (e *Engine) Query() Query {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.query
}

// Effective returns the Remi state of id with optimistic overrides applied.
func (e *Engine) Effective(id string) (RemiState, bool) {
	c, ok := e.Conversation(id)
	if !ok {
		if c, ok = e.selection.Selected(); !ok || c.ID != id {
			return RemiState{}, false
		}
	}
	return e.overlay.Effective(id, c.Remi()), true
}

// CanView reports whether the logged-in user may see the content of id.
func (e *Engine) CanView(id string) bool {
	c, ok := e.Conversation(id)
	if !ok {
		return false
	}
	e.stateMu.RLock()
	teams := e.teams
	e.stateMu.RUnlock()
	return CanView(c, e.opts.User, teams, e.opts.WorkspaceID)
}

// RefreshTeams reloads the team list used by CanView.
func (e *Engine) RefreshTeams(ctx context.Context) error {
	if e.opts.Teams == nil {
		return nil
	}
	teams, err := e.opts.Teams.FetchTeams(ctx, e.opts.WorkspaceID)
	if err != nil {
		return errors.Wrap(err, "fetch teams")
	}
	e.stateMu.Lock()
	e.teams = teams
	e.stateMu.Unlock()
	return nil
}

// ── User actions ─────────────────────────────────────────

// LoadPage fetches one page for the active filter and merges it into the
// list. The predicate returned with the page becomes the membership test for
// pushed events. A response that arrives after the filter changed is
// discarded with ErrStaleResponse.
func (e *Engine) LoadPage(ctx context.Context, offset, limit int) (*PageResult, error) {
	if e.opts.Fetcher == nil {
		return nil, errors.New("no conversation fetcher configured")
	}
	e.stateMu.RLock()
	filter, gen := e.filter, e.generation
	e.stateMu.RUnlock()

	page, err := e.opts.Fetcher.FetchConversations(ctx, e.opts.WorkspaceID, offset, limit, filter)
	if err != nil {
		pageFetches.WithLabelValues("error").Inc()
		e.notify(Notification{Level: "error", Message: "Failed to load conversations", Err: err})
		return nil, errors.Wrap(err, "fetch conversations")
	}
	query, err := ParseQuery(page.Query)
	if err != nil {
		pageFetches.WithLabelValues("error").Inc()
		return nil, err
	}

	var result *PageResult
	err = e.write(func() error {
		e.stateMu.Lock()
		if e.generation != gen {
			e.stateMu.Unlock()
			return ErrStaleResponse
		}
		e.query = query
		e.queryReady = true
		e.stateMu.Unlock()

		if offset == 0 {
			e.reevaluateAll()
		}
		snapshots := e.opts.Transform(page.Data, e.opts.User)
		for _, raw := range page.Data {
			if c, ok := snapshots[raw.ID]; ok {
				if err := e.insert(c); err != nil {
					return err
				}
			}
		}
		result = &PageResult{Offset: offset, Limit: limit, Count: len(snapshots), Generation: gen}
		e.publish(EnginePageLoaded, *result)
		return nil
	})
	switch {
	case errors.Is(err, ErrStaleResponse):
		pageFetches.WithLabelValues("stale").Inc()
		e.logger.Debug().Uint64("generation", gen).Msg("discarding superseded page")
	case err != nil:
		pageFetches.WithLabelValues("error").Inc()
	default:
		pageFetches.WithLabelValues("ok").Inc()
	}
	return result, err
}

// SetFilter replaces the active filter, persists it without the search text
// and empties the list until the next LoadPage. Listed conversations move to
// the backup store so their latest activity survives.
func (e *Engine) SetFilter(ctx context.Context, filter Filter) error {
	e.write(func() error {
		e.stateMu.Lock()
		e.filter = filter
		e.generation++
		e.query = Query{}
		e.queryReady = false
		e.stateMu.Unlock()

		for _, c := range e.store.List(Sort{}) {
			e.store.Remove(c.ID)
			e.backup.Put(c)
			e.publish(EngineConversationRemoved, c)
		}
		return nil
	})
	return errors.Wrap(e.opts.FilterStore.SaveFilter(ctx, e.opts.WorkspaceID, filter), "persist filter")
}

// Select makes id the selected conversation, fetching it when it is known
// neither to the list nor to the backup store. An authorization failure
// raises a notification and leaves all state untouched.
func (e *Engine) Select(ctx context.Context, id string) (*Conversation, error) {
	var fetched *Conversation
	if _, ok := e.Conversation(id); !ok {
		if e.opts.Fetcher == nil {
			return nil, ErrNotFound
		}
		raw, err := e.opts.Fetcher.FetchOne(ctx, id, e.opts.WorkspaceID)
		if err != nil {
			if errors.Is(err, ErrUnauthorized) {
				e.notify(Notification{Level: "error", ConversationID: id, Message: "You are not allowed to view this conversation", Err: err})
			}
			return nil, errors.Wrapf(err, "fetch conversation %s", id)
		}
		fetched = e.opts.Transform([]*Conversation{raw}, e.opts.User)[raw.ID]
		if fetched == nil {
			return nil, ErrNotFound
		}
	}

	var selected *Conversation
	err := e.write(func() error {
		if fetched != nil {
			if err := e.upsert(fetched); err != nil {
				return err
			}
		}
		cur, ok := e.Conversation(id)
		if !ok {
			return ErrNotFound
		}
		cur.Selected = true
		e.setSelected(id, true, nil)

		if prev := e.selection.Select(cur); prev != nil {
			e.setSelected(prev.ID, false, prev.SeenBy)
		}
		selected, _ = e.selection.Selected()
		return nil
	})
	return selected, err
}

// ClearSelection drops the selection and marks the conversation as seen.
func (e *Engine) ClearSelection() {
	e.write(func() error {
		prev := e.selection.Clear()
		if prev == nil {
			return nil
		}
		seen := prev.SeenBy
		if e.opts.User.ID != "" {
			if seen == nil {
				seen = make(map[string]time.Time)
			}
			seen[e.opts.User.ID] = e.opts.Now().UTC()
		}
		e.setSelected(prev.ID, false, seen)
		return nil
	})
}

// SetRemiOverride records an optimistic Remi state for id; nil clears it.
func (e *Engine) SetRemiOverride(id string, updates *RemiOverride) {
	e.write(func() error {
		e.overlay.SetOverride(id, updates)
		if c, ok := e.store.Get(id); ok {
			e.publish(EngineConversationUpdated, c)
		}
		if c, ok := e.Conversation(id); ok {
			e.selection.Refresh(c)
		}
		return nil
	})
}

// ── Internals ────────────────────────────────────────────

// write runs fn as the single writer and flushes emissions afterwards.
func (e *Engine) write(fn func() error) error {
	e.applyMu.Lock()
	err := fn()
	out := e.outbox
	e.outbox = nil
	listSize.Set(float64(e.store.Len()))
	backupSize.Set(float64(e.backup.Len()))
	e.applyMu.Unlock()

	for _, m := range out {
		e.emit(m.event, m.payload)
	}
	return err
}

// publish queues an emission; the caller holds applyMu.
func (e *Engine) publish(event string, payload any) {
	e.outbox = append(e.outbox, emission{event: event, payload: payload})
}

func (e *Engine) notify(n Notification) {
	e.logger.Warn().Err(n.Err).Str("conversation_id", n.ConversationID).Msg(n.Message)
	e.emit(EngineNotification, n)
}

func (e *Engine) eventFailed(ev Event, err error) {
	e.emit(EngineEventFailed, EventFailure{Event: ev, Err: err})
}

// matches reports list membership. Until a page has supplied the predicate
// nothing new joins the list.
func (e *Engine) matches(c *Conversation) bool {
	e.stateMu.RLock()
	q, ready := e.query, e.queryReady
	e.stateMu.RUnlock()
	return ready && Matches(q, c)
}

// insert merges a page result into the list, folding in any backup shadow.
func (e *Engine) insert(c *Conversation) error {
	if shadow, ok := e.backup.Promote(c.ID); ok && !e.store.Has(c.ID) {
		merged, err := mergeShadow(shadow, c, e.opts.User.ID)
		if err != nil {
			return err
		}
		c = merged
	}
	next, inserted, err := e.store.Add(c)
	if err != nil {
		return err
	}
	if inserted {
		e.publish(EngineConversationAdded, next)
	} else {
		e.publish(EngineConversationUpdated, next)
	}
	e.selection.Refresh(next)
	return nil
}

// upsert is the add path for a full snapshot that did not come from a page.
func (e *Engine) upsert(c *Conversation) error {
	if e.store.Has(c.ID) {
		next, _, err := e.store.Add(c)
		if err != nil {
			return err
		}
		e.settle(next)
		return nil
	}
	if shadow, ok := e.backup.Get(c.ID); ok {
		merged, err := mergeShadow(shadow, c, e.opts.User.ID)
		if err != nil {
			return err
		}
		c = merged
	}
	e.place(c)
	return nil
}

// place puts a conversation that is not in the list where it belongs.
func (e *Engine) place(c *Conversation) {
	if e.matches(c) {
		e.backup.Promote(c.ID)
		next, _, err := e.store.Add(c)
		if err != nil {
			e.logger.Error().Err(err).Str("conversation_id", c.ID).Msg("insert conversation failed")
			e.backup.Put(c)
		} else {
			e.publish(EngineConversationAdded, next)
			c = next
		}
	} else {
		e.backup.Put(c)
	}
	e.selection.Refresh(c)
}

// settle re-runs membership for a listed conversation after a write.
func (e *Engine) settle(c *Conversation) {
	if e.matches(c) {
		e.publish(EngineConversationUpdated, c)
	} else {
		e.store.Remove(c.ID)
		e.backup.Put(c)
		e.publish(EngineConversationRemoved, c)
	}
	e.selection.Refresh(c)
}

func (e *Engine) reevaluateAll() {
	for _, c := range e.store.List(Sort{}) {
		if !e.matches(c) {
			e.settle(c)
		}
	}
}

func (e *Engine) setSelected(id string, selected bool, seenBy map[string]time.Time) {
	fn := func(c *Conversation) {
		c.Selected = selected
		if seenBy != nil {
			c.SeenBy = seenBy
		}
	}
	if _, err := e.store.Update(id, fn); err == nil {
		return
	}
	e.backup.Update(id, fn)
}

// fetch loads a conversation the engine has never seen. A nil result with a
// nil error means there is no fetcher.
func (e *Engine) fetch(ctx context.Context, id string) (*Conversation, error) {
	if e.opts.Fetcher == nil {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, e.opts.FetchTimeout)
	defer cancel()
	raw, err := e.opts.Fetcher.FetchOne(ctx, id, e.opts.WorkspaceID)
	if err != nil {
		return nil, err
	}
	c := e.opts.Transform([]*Conversation{raw}, e.opts.User)[raw.ID]
	if c == nil {
		return nil, ErrNotFound
	}
	return c, nil
}

// mergeShadow folds c onto a backup shadow so the shadow's activities and
// newer lastActivity are kept.
func mergeShadow(shadow, c *Conversation, userID string) (*Conversation, error) {
	patch, err := PatchOf(c)
	if err != nil {
		return nil, err
	}
	return mergeConversation(shadow, patch, userID)
}

// ============================================================================
// Event application
// ============================================================================

func (e *Engine) apply(ctx context.Context, ev Event) error {
	fetched := e.prefetch(ctx, ev)
	return e.write(func() error {
		if ev.ConversationID == "" {
			return errors.Errorf("%s event without conversation id", ev.Type)
		}
		switch ev.Type {
		case EventConversation:
			return e.applyConversation(ev)
		case EventConversationUpdated:
			var patch Patch
			if err := json.Unmarshal(ev.Message, &patch); err != nil {
				return errors.Wrap(err, "decode conversation update")
			}
			e.overlay.Reconcile(ev.ConversationID, patch)
			return e.applyPatch(ev.ConversationID, patch, fetched)
		case EventActivity:
			var act Activity
			if err := json.Unmarshal(ev.Message, &act); err != nil {
				return errors.Wrap(err, "decode activity")
			}
			return e.applyActivity(ev.ConversationID, act, fetched)
		case EventConversationMembersUpdated:
			return e.applyField(ev, "members", fetched)
		case EventConversationTagsUpdated:
			return e.applyField(ev, "tags", fetched)
		case EventConversationWhatsappExpiration:
			return e.applyField(ev, "whatsappExpiration", fetched)
		case EventConversationAttributesUpdated:
			return e.applyField(ev, "attributes", fetched)
		case EventActivityAck, EventUpdateActivityAckAndHash:
			var ack activityAck
			if err := json.Unmarshal(ev.Message, &ack); err != nil {
				return errors.Wrap(err, "decode activity ack")
			}
			return e.applyAck(ev.ConversationID, ack, ev.Type == EventUpdateActivityAckAndHash)
		}
		return nil
	})
}

// prefetch loads the conversation an update refers to when neither store
// knows it. It runs before the writer lock is taken; the apply functions
// use the result only if the id is still unknown under the lock.
func (e *Engine) prefetch(ctx context.Context, ev Event) *Conversation {
	switch ev.Type {
	case EventConversationUpdated, EventActivity,
		EventConversationMembersUpdated, EventConversationTagsUpdated,
		EventConversationWhatsappExpiration, EventConversationAttributesUpdated:
	default:
		return nil
	}
	id := ev.ConversationID
	if id == "" || e.store.Has(id) || e.backup.Has(id) {
		return nil
	}
	c, err := e.fetch(ctx, id)
	if err != nil {
		e.logger.Warn().Err(err).Str("conversation_id", id).Msg("fetch for unknown conversation failed")
		return nil
	}
	return c
}

func (e *Engine) applyConversation(ev Event) error {
	var raw Conversation
	if err := json.Unmarshal(ev.Message, &raw); err != nil {
		return errors.Wrap(err, "decode conversation")
	}
	raw.ID = ev.ConversationID
	c := e.opts.Transform([]*Conversation{&raw}, e.opts.User)[raw.ID]
	if c == nil {
		return nil
	}
	e.overlay.Reconcile(c.ID, map[string]any{"smtReId": nil, "isWithSmtRe": nil, "stoppedSmtReId": nil})
	return e.upsert(c)
}

// applyField merges the single field key of the message.
func (e *Engine) applyField(ev Event, key string, fetched *Conversation) error {
	var msg map[string]json.RawMessage
	if err := json.Unmarshal(ev.Message, &msg); err != nil {
		return errors.Wrapf(err, "decode %s", ev.Type)
	}
	raw, ok := msg[key]
	if !ok {
		return errors.Errorf("%s without %s", ev.Type, key)
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return errors.Wrapf(err, "decode %s", key)
	}
	return e.applyPatch(ev.ConversationID, Patch{key: value}, fetched)
}

// applyPatch merges patch into the list, then the backup store. For an
// unknown id it merges onto fetched, or onto a bare snapshot.
func (e *Engine) applyPatch(id string, patch Patch, fetched *Conversation) error {
	next, err := e.store.Merge(id, patch)
	if err == nil {
		e.settle(next)
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}

	shadow, err := e.backup.Merge(id, patch)
	if err == nil {
		e.place(shadow)
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}

	if fetched == nil {
		fetched = &Conversation{ID: id}
	}
	c, err := mergeConversation(fetched, patch, e.opts.User.ID)
	if err != nil {
		return err
	}
	e.place(c)
	return nil
}

func (e *Engine) applyActivity(id string, act Activity, fetched *Conversation) error {
	next, err := e.store.ApplyActivity(id, act)
	if err == nil {
		e.settle(next)
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}

	if fetched == nil || e.backup.Has(id) {
		shadow, err := e.backup.ApplyActivity(id, act)
		if err != nil {
			return err
		}
		e.place(shadow)
		return nil
	}
	if err := applyActivity(fetched, act, e.opts.User.ID); err != nil {
		return err
	}
	e.place(fetched)
	return nil
}

// activityAck is the message of ACTIVITY_ACK and UPDATE_ACTIVITY_ACK_AND_HASH.
// The latter re-keys an activity first sent under a temporary hash.
type activityAck struct {
	ActivityID string `json:"activityId"`
	ID         string `json:"id"`
	Hash       string `json:"hash"`
	NewHash    string `json:"newHash"`
	Ack        int    `json:"ack"`
}

func (e *Engine) applyAck(id string, ack activityAck, rekey bool) error {
	fn := func(c *Conversation) { ackActivity(c, ack, rekey) }
	if next, err := e.store.Update(id, fn); err == nil {
		e.publish(EngineConversationUpdated, next)
		e.selection.Refresh(next)
		return nil
	}
	if shadow, ok := e.backup.Update(id, fn); ok {
		e.selection.Refresh(shadow)
	}
	// acks for unknown conversations carry nothing worth fetching for
	return nil
}

func ackActivity(c *Conversation, ack activityAck, rekey bool) {
	target := Activity{ID: ack.ActivityID, Hash: ack.Hash}
	if target.ID == "" && !rekey {
		target.ID = ack.ID
	}
	update := func(a *Activity) {
		if ack.Ack > a.Ack {
			a.Ack = ack.Ack
		}
		if rekey {
			if ack.ID != "" {
				a.ID = ack.ID
			}
			if ack.NewHash != "" {
				a.Hash = ack.NewHash
			}
		}
	}
	for i := range c.Activities {
		if c.Activities[i].sameAs(&target) {
			update(&c.Activities[i])
			break
		}
	}
	if c.LastActivity != nil && c.LastActivity.sameAs(&target) {
		update(c.LastActivity)
	}
}
