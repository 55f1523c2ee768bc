package agentdesk

import "sync"

// OptimisticOverlay holds short-lived Remi overrides per conversation. An
// override lives until an authoritative message carries the same field.
type OptimisticOverlay struct {
	mu        sync.RWMutex
	overrides map[string]RemiOverride
}

// NewOptimisticOverlay creates an overlay with no pending writes.
func NewOptimisticOverlay() *OptimisticOverlay {
	return &OptimisticOverlay{overrides: make(map[string]RemiOverride)}
}

// SetOverride merges updates into the record for id; nil clears it.
func (o *OptimisticOverlay) SetOverride(id string, updates *RemiOverride) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if updates == nil {
		delete(o.overrides, id)
		return
	}
	cur := o.overrides[id]
	if updates.SmtReID != nil {
		v := *updates.SmtReID
		cur.SmtReID = &v
	}
	if updates.IsWithSmtRe != nil {
		v := *updates.IsWithSmtRe
		cur.IsWithSmtRe = &v
	}
	if updates.StoppedSmtReID != nil {
		v := *updates.StoppedSmtReID
		cur.StoppedSmtReID = &v
	}
	if cur.empty() {
		delete(o.overrides, id)
		return
	}
	o.overrides[id] = cur
}

// Override returns a copy of the current record.
func (o *OptimisticOverlay) Override(id string) (RemiOverride, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	cur, ok := o.overrides[id]
	return cur, ok
}

// Effective superimposes the override for id on the authoritative state.
func (o *OptimisticOverlay) Effective(id string, authoritative RemiState) RemiState {
	o.mu.RLock()
	cur, ok := o.overrides[id]
	o.mu.RUnlock()
	if !ok {
		return authoritative
	}
	out := authoritative
	if cur.SmtReID != nil {
		out.SmtReID = *cur.SmtReID
	}
	if cur.IsWithSmtRe != nil {
		out.IsWithSmtRe = *cur.IsWithSmtRe
	}
	if cur.StoppedSmtReID != nil {
		out.StoppedSmtReID = *cur.StoppedSmtReID
	}
	return out
}

// Reconcile drops the override fields named in fields (JSON keys) because
// an authoritative value for them arrived.
func (o *OptimisticOverlay) Reconcile(id string, fields map[string]any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	cur, ok := o.overrides[id]
	if !ok {
		return
	}
	if _, ok := fields["smtReId"]; ok {
		cur.SmtReID = nil
	}
	if _, ok := fields["isWithSmtRe"]; ok {
		cur.IsWithSmtRe = nil
	}
	if _, ok := fields["stoppedSmtReId"]; ok {
		cur.StoppedSmtReID = nil
	}
	if cur.empty() {
		delete(o.overrides, id)
		return
	}
	o.overrides[id] = cur
}

// Len returns the number of conversations with pending writes.
func (o *OptimisticOverlay) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.overrides)
}
