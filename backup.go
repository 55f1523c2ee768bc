package agentdesk

import "sync"

// BackupStore keeps shadow snapshots of conversations that fell outside the
// active filter, so a later promotion does not lose the latest activity.
type BackupStore struct {
	mu      sync.RWMutex
	userID  string
	shadows map[string]*Conversation
}

// NewBackupStore creates an empty backup store for the given logged-in user.
func NewBackupStore(userID string) *BackupStore {
	return &BackupStore{
		userID:  userID,
		shadows: make(map[string]*Conversation),
	}
}

// Put records c as the shadow for its id, keeping the most recent
// lastActivity of the previous shadow when c carries an older one.
func (b *BackupStore) Put(c *Conversation) {
	if c == nil || c.ID == "" {
		return
	}
	next := c.Clone()
	b.mu.Lock()
	defer b.mu.Unlock()
	if prev, ok := b.shadows[c.ID]; ok {
		next.LastActivity = newestActivity(prev.LastActivity, next.LastActivity)
	}
	b.shadows[c.ID] = next
}

// ApplyActivity updates the shadow for conversationID, creating a minimal
// one if none exists yet. The shadow is left unchanged when the activity
// cannot be applied.
func (b *BackupStore) ApplyActivity(conversationID string, act Activity) (*Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	shadow, ok := b.shadows[conversationID]
	if !ok {
		shadow = &Conversation{ID: conversationID}
	} else {
		shadow = shadow.Clone()
	}
	if err := applyActivity(shadow, act, b.userID); err != nil {
		return nil, err
	}
	b.shadows[conversationID] = shadow
	return shadow.Clone(), nil
}

// Merge deep-merges patch onto the shadow with the given id.
func (b *BackupStore) Merge(id string, patch Patch) (*Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	shadow, ok := b.shadows[id]
	if !ok {
		return nil, ErrNotFound
	}
	next, err := mergeConversation(shadow, patch, b.userID)
	if err != nil {
		return nil, err
	}
	b.shadows[id] = next
	return next.Clone(), nil
}

// Update applies fn to the shadow if one exists.
func (b *BackupStore) Update(id string, fn func(*Conversation)) (*Conversation, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	shadow, ok := b.shadows[id]
	if !ok {
		return nil, false
	}
	next := shadow.Clone()
	fn(next)
	next.ID = id
	finalize(next, b.userID)
	b.shadows[id] = next
	return next.Clone(), true
}

// Has reports whether a shadow exists for id.
func (b *BackupStore) Has(id string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.shadows[id]
	return ok
}

// Get returns a clone of the shadow for id.
func (b *BackupStore) Get(id string) (*Conversation, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	shadow, ok := b.shadows[id]
	if !ok {
		return nil, false
	}
	return shadow.Clone(), true
}

// Promote returns and evicts the shadow for id.
func (b *BackupStore) Promote(id string) (*Conversation, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	shadow, ok := b.shadows[id]
	if !ok {
		return nil, false
	}
	delete(b.shadows, id)
	return shadow, true
}

// Len returns the number of shadows held.
func (b *BackupStore) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.shadows)
}

// Reset drops every shadow.
func (b *BackupStore) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.shadows = make(map[string]*Conversation)
}

func newestActivity(a, b *Activity) *Activity {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.Timestamp.Before(a.Timestamp):
		return a
	}
	return b
}
