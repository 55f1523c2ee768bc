package agentdesk

import (
	"sync"
	"time"
)

// SelectionHandler receives the selected snapshot after every change. cur is
// nil when the selection was cleared.
type SelectionHandler func(cur *Conversation)

// SelectionCoordinator tracks the single selected conversation and keeps its
// snapshot current even when the conversation is not in the filtered list.
type SelectionCoordinator struct {
	userID string
	now    func() time.Time

	mu       sync.RWMutex
	selected *Conversation
	handlers []SelectionHandler
}

// NewSelectionCoordinator creates a coordinator with nothing selected. A nil
// now defaults to time.Now.
func NewSelectionCoordinator(userID string, now func() time.Time) *SelectionCoordinator {
	if now == nil {
		now = time.Now
	}
	return &SelectionCoordinator{userID: userID, now: now}
}

// OnChange registers h for selection updates.
func (s *SelectionCoordinator) OnChange(h SelectionHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

// Select marks c as the selected conversation. When a different conversation
// was selected before, it is returned unselected and stamped as seen by the
// current user so the caller can write it back.
func (s *SelectionCoordinator) Select(c *Conversation) (previous *Conversation) {
	cur := c.Clone()
	cur.Selected = true

	s.mu.Lock()
	prev := s.selected
	s.selected = cur
	s.mu.Unlock()

	if prev != nil && prev.ID != cur.ID {
		previous = prev.Clone()
		previous.Selected = false
		if s.userID != "" {
			if previous.SeenBy == nil {
				previous.SeenBy = make(map[string]time.Time)
			}
			previous.SeenBy[s.userID] = s.now().UTC()
		}
	}
	s.notify(cur)
	return previous
}

// Clear drops the selection and returns the previously selected snapshot.
func (s *SelectionCoordinator) Clear() *Conversation {
	s.mu.Lock()
	prev := s.selected
	s.selected = nil
	s.mu.Unlock()
	if prev == nil {
		return nil
	}
	s.notify(nil)
	prev.Selected = false
	return prev
}

// Refresh replaces the selected snapshot when c is the selected conversation.
// It reports whether subscribers were notified.
func (s *SelectionCoordinator) Refresh(c *Conversation) bool {
	if c == nil {
		return false
	}
	s.mu.Lock()
	if s.selected == nil || s.selected.ID != c.ID {
		s.mu.Unlock()
		return false
	}
	cur := c.Clone()
	cur.Selected = true
	s.selected = cur
	s.mu.Unlock()

	s.notify(cur)
	return true
}

// Selected returns a clone of the open conversation.
func (s *SelectionCoordinator) Selected() (*Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.selected == nil {
		return nil, false
	}
	return s.selected.Clone(), true
}

// SelectedID returns the open conversation's id, or "" when none is open.
func (s *SelectionCoordinator) SelectedID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.selected == nil {
		return ""
	}
	return s.selected.ID
}

func (s *SelectionCoordinator) notify(cur *Conversation) {
	s.mu.RLock()
	handlers := append([]SelectionHandler(nil), s.handlers...)
	s.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in subscribers
			h(cur.Clone())
		}()
	}
}
