package agentdesk

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Patch is a partial conversation in its JSON object form.
type Patch map[string]any

// PatchOf converts a full snapshot into a patch.
func PatchOf(c *Conversation) (Patch, error) {
	doc, err := toDocument(c)
	if err != nil {
		return nil, errors.Wrap(err, "encode conversation patch")
	}
	return Patch(doc), nil
}

// ============================================================================
// ConversationStore
// ============================================================================

// ConversationStore is the canonical keyed collection of snapshots.
// Reads return clones; callers never hold references into the store.
type ConversationStore struct {
	mu            sync.RWMutex
	userID        string
	conversations map[string]*Conversation
}

// NewConversationStore creates a store for the given logged-in user.
func NewConversationStore(userID string) *ConversationStore {
	return &ConversationStore{
		userID:        userID,
		conversations: make(map[string]*Conversation),
	}
}

// Get returns a clone of the snapshot with the given id.
func (s *ConversationStore) Get(id string) (*Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

// Has reports whether the id is in the store.
func (s *ConversationStore) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.conversations[id]
	return ok
}

// Len returns the number of snapshots held.
func (s *ConversationStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conversations)
}

// Add inserts the snapshot, or merges it when the id is already present.
// The boolean reports whether a new entry was created.
func (s *ConversationStore) Add(c *Conversation) (*Conversation, bool, error) {
	if c == nil || c.ID == "" {
		return nil, false, errors.New("conversation id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.conversations[c.ID]; ok {
		patch, err := PatchOf(c)
		if err != nil {
			return nil, false, err
		}
		next, err := mergeConversation(cur, patch, s.userID)
		if err != nil {
			return nil, false, err
		}
		s.conversations[c.ID] = next
		return next.Clone(), false, nil
	}

	next := c.Clone()
	finalize(next, s.userID)
	s.conversations[c.ID] = next
	return next.Clone(), true, nil
}

// Merge deep-merges patch onto the snapshot with the given id.
func (s *ConversationStore) Merge(id string, patch Patch) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	next, err := mergeConversation(cur, patch, s.userID)
	if err != nil {
		return nil, err
	}
	s.conversations[id] = next
	return next.Clone(), nil
}

// Update applies fn to a copy of the snapshot and stores the result.
func (s *ConversationStore) Update(id string, fn func(*Conversation)) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := cur.Clone()
	fn(next)
	next.ID = id
	finalize(next, s.userID)
	s.conversations[id] = next
	return next.Clone(), nil
}

// ApplyActivity appends the activity and applies its effect.
func (s *ConversationStore) ApplyActivity(conversationID string, act Activity) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.conversations[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	next := cur.Clone()
	if err := applyActivity(next, act, s.userID); err != nil {
		return nil, err
	}
	s.conversations[conversationID] = next
	return next.Clone(), nil
}

// Remove deletes the snapshot and returns it.
func (s *ConversationStore) Remove(id string) (*Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, false
	}
	delete(s.conversations, id)
	return c, true
}

// Reset empties the store.
func (s *ConversationStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations = make(map[string]*Conversation)
}

// List returns every snapshot ordered by sort. Without sort fields the list
// is ordered by most recent lastActivity first.
func (s *ConversationStore) List(order Sort) []*Conversation {
	s.mu.RLock()
	out := make([]*Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, c.Clone())
	}
	s.mu.RUnlock()

	sortConversations(out, order)
	return out
}

func sortConversations(list []*Conversation, order Sort) {
	fields := order.Field
	directions := order.Direction
	if len(fields) == 0 {
		fields = []string{"lastActivity.timestamp"}
		directions = []string{"desc"}
	}

	docs := make(map[string]map[string]any, len(list))
	for _, c := range list {
		doc, err := conversationDocument(c)
		if err != nil {
			doc = map[string]any{}
		}
		docs[c.ID] = doc
	}

	sort.SliceStable(list, func(i, j int) bool {
		di, dj := docs[list[i].ID], docs[list[j].ID]
		for k, field := range fields {
			c := compareForSort(firstValue(di, field), firstValue(dj, field))
			if c == 0 {
				continue
			}
			if k < len(directions) && (directions[k] == "desc" || directions[k] == "-1") {
				return c > 0
			}
			return c < 0
		}
		return list[i].ID < list[j].ID
	})
}

func firstValue(doc map[string]any, path string) any {
	values := lookupPath(doc, splitPath(path))
	if len(values) == 0 {
		return nil
	}
	return values[0]
}

// ============================================================================
// Merge rules
// ============================================================================

// mergeConversation applies patch onto cur without mutating it. Objects merge
// key by key, activities and fileAttachments merge as keyed unions, and any
// other array in the patch replaces the stored one. The id never changes.
func mergeConversation(cur *Conversation, patch Patch, userID string) (*Conversation, error) {
	base, err := toDocument(cur)
	if err != nil {
		return nil, errors.Wrap(err, "encode conversation")
	}
	src, err := normalizePatch(patch)
	if err != nil {
		return nil, err
	}

	for k, v := range src {
		switch k {
		case "id":
			continue
		case "activities":
			base[k] = mergeKeyedList(base[k], v, sameActivityDoc)
		case "fileAttachments":
			base[k] = mergeKeyedList(base[k], v, sameIDDoc)
		case "lastActivity":
			if newerActivityDoc(v, base[k]) {
				base[k] = v
			}
		default:
			base[k] = deepMerge(base[k], v)
		}
	}

	data, err := json.Marshal(base)
	if err != nil {
		return nil, errors.Wrap(err, "encode merged conversation")
	}
	var next Conversation
	if err := json.Unmarshal(data, &next); err != nil {
		return nil, errors.Wrap(err, "decode merged conversation")
	}
	next.ID = cur.ID
	finalize(&next, userID)
	return &next, nil
}

func normalizePatch(p Patch) (map[string]any, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, errors.Wrap(err, "encode patch")
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errors.Wrap(err, "decode patch")
	}
	return out, nil
}

func deepMerge(dst, src any) any {
	dm, ok1 := dst.(map[string]any)
	sm, ok2 := src.(map[string]any)
	if !ok1 || !ok2 {
		return src
	}
	for k, v := range sm {
		dm[k] = deepMerge(dm[k], v)
	}
	return dm
}

func mergeKeyedList(dst, src any, same func(a, b map[string]any) bool) any {
	incoming, ok := src.([]any)
	if !ok {
		return dst
	}
	existing, _ := dst.([]any)
	out := append([]any(nil), existing...)
	for _, item := range incoming {
		im, ok := item.(map[string]any)
		if !ok {
			continue
		}
		replaced := false
		for i, e := range out {
			em, ok := e.(map[string]any)
			if ok && same(em, im) {
				out[i] = deepMerge(em, im)
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, im)
		}
	}
	return out
}

func sameIDDoc(a, b map[string]any) bool {
	id, _ := a["id"].(string)
	return id != "" && id == b["id"]
}

func sameActivityDoc(a, b map[string]any) bool {
	aid, _ := a["id"].(string)
	bid, _ := b["id"].(string)
	if aid != "" && bid != "" {
		return aid == bid
	}
	hash, _ := a["hash"].(string)
	return hash != "" && hash == b["hash"]
}

// newerActivityDoc reports whether candidate is at least as recent as cur.
func newerActivityDoc(candidate, cur any) bool {
	cm, ok := cur.(map[string]any)
	if !ok {
		return true
	}
	nm, ok := candidate.(map[string]any)
	if !ok {
		return false
	}
	ct, _ := cm["timestamp"].(string)
	nt, _ := nm["timestamp"].(string)
	ctime, ok1 := parseTime(ct)
	ntime, ok2 := parseTime(nt)
	if !ok1 {
		return true
	}
	return ok2 && !ntime.Before(ctime)
}

// finalize recomputes every derived field.
func finalize(c *Conversation, userID string) {
	sortActivities(c.Activities)
	for i := range c.Activities {
		if !c.Activities[i].Type.PreviewWorthy() {
			continue
		}
		a := c.Activities[i]
		if c.LastActivity == nil || !a.Timestamp.Before(c.LastActivity.Timestamp) {
			c.LastActivity = &a
		}
	}
	c.Assumed = computeAssumed(c.Members, userID)
}

func sortActivities(list []Activity) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].Timestamp.Before(list[j].Timestamp)
	})
}

// ============================================================================
// Activity effects
// ============================================================================

// applyActivity appends act to c and applies its type-specific effect.
// Re-applying an activity already in the log does not duplicate it.
func applyActivity(c *Conversation, act Activity, userID string) error {
	if act.ConversationID == "" {
		act.ConversationID = c.ID
	}
	appendActivity(c, act)

	if act.Type.PreviewWorthy() && (c.LastActivity == nil || !act.Timestamp.Before(c.LastActivity.Timestamp)) {
		a := act
		c.LastActivity = &a
	}

	switch act.Type {
	case ActivityMemberUploadAttachment:
		if d, ok := act.Data.(AttachmentData); ok && d.ID != "" {
			addAttachment(c, d.FileAttachment)
		}
	case ActivityAssignedToTeam:
		if d, ok := act.Data.(AssignedToTeamData); ok {
			c.AssignedToTeamID = d.TeamID
		}
	case ActivityAutomaticDistribution:
		if d, ok := act.Data.(AutomaticDistributionData); ok {
			c.Members = append([]Identity(nil), d.Members...)
			c.AssignedToTeamID = d.AssignedToTeamID
		}
	case ActivityMemberAdded, ActivityMemberConnected, ActivityMemberReconnected,
		ActivityMemberRemoved, ActivityMemberExit, ActivityMemberDisconnected:
		upsertMember(c, act.From, act.Type)
	case ActivityMemberRemovedByAdmin:
		if d, ok := act.Data.(MemberRemovedByAdminData); ok {
			c.Members = append([]Identity(nil), d.Members...)
		}
	case ActivitySuspendConversation:
		if d, ok := act.Data.(SuspendData); ok {
			t := d.SuspendedUntil
			c.SuspendedUntil = &t
		}
	case ActivityEndConversation:
		if d, ok := act.Data.(EndConversationData); ok && len(d.Conversation) > 0 {
			merged, err := mergeConversation(c, Patch(d.Conversation), userID)
			if err != nil {
				return errors.Wrap(err, "merge end_conversation payload")
			}
			*c = *merged
		}
		c.State = StateClosed
	}

	c.Assumed = computeAssumed(c.Members, userID)
	return nil
}

func appendActivity(c *Conversation, act Activity) {
	for i := range c.Activities {
		if c.Activities[i].sameAs(&act) {
			return
		}
	}
	// keep timestamp order; equal timestamps stay in arrival order
	i := len(c.Activities)
	for i > 0 && c.Activities[i-1].Timestamp.After(act.Timestamp) {
		i--
	}
	c.Activities = append(c.Activities, Activity{})
	copy(c.Activities[i+1:], c.Activities[i:])
	c.Activities[i] = act
}

func addAttachment(c *Conversation, f FileAttachment) {
	for _, existing := range c.FileAttachments {
		if existing.ID == f.ID {
			return
		}
	}
	c.FileAttachments = append(c.FileAttachments, f)
}

func upsertMember(c *Conversation, from Identity, t ActivityType) {
	if from.ID == "" {
		return
	}
	if t == ActivityMemberRemoved || t == ActivityMemberExit {
		from.Disabled = true
	}
	for i := range c.Members {
		if c.Members[i].ID == from.ID {
			c.Members[i] = from
			return
		}
	}
	c.Members = append(c.Members, from)
}
