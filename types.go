package agentdesk

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

var (
	// ErrNotFound is returned when a conversation id is absent from a store.
	ErrNotFound = errors.New("agentdesk: conversation not found")
	// ErrUnauthorized matches any *APIError with a 401 or 403 status.
	ErrUnauthorized = errors.New("agentdesk: unauthorized")
	// ErrStaleResponse is returned by LoadPage when the filter changed while
	// the request was in flight.
	ErrStaleResponse = errors.New("agentdesk: response superseded by a newer filter")
)

// APIError represents an API error.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Is maps 401/403 responses to ErrUnauthorized and 404 to ErrNotFound.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden ||
			e.Code == "UNAUTHORIZED" || e.Code == "PERMISSION_DENIED"
	case ErrNotFound:
		return e.Status == http.StatusNotFound || e.Code == "NOT_FOUND"
	}
	return false
}

// APIResult is the generic REST response envelope.
type APIResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Query json.RawMessage `json:"query,omitempty"`
	Meta  map[string]any  `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *APIResult) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Identities
// ============================================================================

type IdentityType string

const (
	IdentityUser  IdentityType = "user"
	IdentityAgent IdentityType = "agent"
	IdentityBot   IdentityType = "bot"
)

// Identity is a conversation participant.
type Identity struct {
	ID       string       `json:"id"`
	Type     IdentityType `json:"type"`
	Name     string       `json:"name,omitempty"`
	Disabled bool         `json:"disabled"`
}

// Tag is a colored label attached to a conversation.
type Tag struct {
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

// FileAttachment is a file uploaded by a member.
type FileAttachment struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	URL      string `json:"url,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// ============================================================================
// Conversation
// ============================================================================

type ConversationState string

const (
	StateOpen   ConversationState = "open"
	StateClosed ConversationState = "closed"
)

// Conversation is the local snapshot of a customer-agent thread.
type Conversation struct {
	ID                 string               `json:"id"`
	WorkspaceID        string               `json:"workspaceId,omitempty"`
	State              ConversationState    `json:"state,omitempty"`
	Members            []Identity           `json:"members,omitempty"`
	User               *Identity            `json:"user,omitempty"`
	AssignedToTeamID   string               `json:"assignedToTeamId,omitempty"`
	Assumed            bool                 `json:"assumed"`
	Tags               []Tag                `json:"tags,omitempty"`
	WaitingSince       *time.Time           `json:"waitingSince,omitempty"`
	SuspendedUntil     *time.Time           `json:"suspendedUntil,omitempty"`
	WhatsappExpiration *time.Time           `json:"whatsappExpiration,omitempty"`
	LastActivity       *Activity            `json:"lastActivity,omitempty"`
	Activities         []Activity           `json:"activities,omitempty"`
	FileAttachments    []FileAttachment     `json:"fileAttachments,omitempty"`
	Attributes         map[string]any       `json:"attributes,omitempty"`
	SmtReID            string               `json:"smtReId,omitempty"`
	IsWithSmtRe        bool                 `json:"isWithSmtRe"`
	StoppedSmtReID     string               `json:"stoppedSmtReId,omitempty"`
	Metrics            map[string]any       `json:"metrics,omitempty"`
	Priority           int                  `json:"priority,omitempty"`
	Order              float64              `json:"order,omitempty"`
	Selected           bool                 `json:"selected,omitempty"`
	SeenBy             map[string]time.Time `json:"seenBy,omitempty"`
	UpdatedAt          *time.Time           `json:"updatedAt,omitempty"`

	// Extra holds server fields the snapshot does not model. They merge and
	// serialize like any other field.
	Extra map[string]json.RawMessage `json:"-"`
}

// conversationFields has Conversation's fields without its JSON methods.
type conversationFields Conversation

// conversationKeys are the JSON names of the modeled fields.
var conversationKeys = func() map[string]bool {
	keys := make(map[string]bool)
	t := reflect.TypeOf(conversationFields{})
	for i := 0; i < t.NumField(); i++ {
		name, _, _ := strings.Cut(t.Field(i).Tag.Get("json"), ",")
		if name != "" && name != "-" {
			keys[name] = true
		}
	}
	return keys
}()

// MarshalJSON writes the modeled fields followed by Extra. A modeled field
// wins over an Extra entry of the same name.
func (c Conversation) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(conversationFields(c))
	if err != nil || len(c.Extra) == 0 {
		return data, err
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	for k, v := range c.Extra {
		if _, ok := doc[k]; !ok && !conversationKeys[k] {
			doc[k] = v
		}
	}
	return json.Marshal(doc)
}

// UnmarshalJSON decodes the modeled fields and keeps the rest in Extra.
func (c *Conversation) UnmarshalJSON(data []byte) error {
	var fields conversationFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	fields.Extra = nil
	for k, v := range doc {
		if conversationKeys[k] {
			continue
		}
		if fields.Extra == nil {
			fields.Extra = make(map[string]json.RawMessage)
		}
		fields.Extra[k] = v
	}
	*c = Conversation(fields)
	return nil
}

// Clone returns a deep copy of the snapshot.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		cp := *c
		return &cp
	}
	var out Conversation
	if err := json.Unmarshal(data, &out); err != nil {
		cp := *c
		return &cp
	}
	return &out
}

// Remi returns the rules-engine linkage fields of the snapshot.
func (c *Conversation) Remi() RemiState {
	return RemiState{
		SmtReID:        c.SmtReID,
		IsWithSmtRe:    c.IsWithSmtRe,
		StoppedSmtReID: c.StoppedSmtReID,
	}
}

// activeAgents reports whether any enabled agent is a member.
func (c *Conversation) activeAgents() bool {
	for _, m := range c.Members {
		if m.Type == IdentityAgent && !m.Disabled {
			return true
		}
	}
	return false
}

func (c *Conversation) hasMember(userID string) bool {
	for _, m := range c.Members {
		if m.ID == userID && !m.Disabled {
			return true
		}
	}
	return false
}

// computeAssumed is true iff userID is an enabled agent member.
func computeAssumed(members []Identity, userID string) bool {
	if userID == "" {
		return false
	}
	for _, m := range members {
		if m.ID == userID && m.Type == IdentityAgent && !m.Disabled {
			return true
		}
	}
	return false
}

// ============================================================================
// Filter
// ============================================================================

// Sort orders the visible list; Field and Direction are parallel slices.
type Sort struct {
	Field     []string `json:"field"`
	Direction []string `json:"direction"`
}

// Filter is the user-facing tab/filter configuration.
type Filter struct {
	Tab        string         `json:"tab"`
	Sort       Sort           `json:"sort"`
	FormValues map[string]any `json:"formValues,omitempty"`
	Search     string         `json:"search,omitempty"`
}

// Persistable returns a copy without the transient search field.
func (f Filter) Persistable() Filter {
	f.Search = ""
	return f
}

// ConversationPage is the result of a paginated fetch. Query is the
// server-side predicate equivalent to the requested filter.
type ConversationPage struct {
	Data  []*Conversation `json:"data"`
	Query json.RawMessage `json:"query"`
}

// ============================================================================
// Users & Teams
// ============================================================================

const (
	SystemRoleAdmin      = "admin"
	SystemRoleSuperAdmin = "superadmin"
	WorkspaceRoleAdmin   = "admin"
)

// User is the logged-in console user.
type User struct {
	ID             string            `json:"id"`
	Name           string            `json:"name,omitempty"`
	SystemRoles    []string          `json:"systemRoles,omitempty"`
	WorkspaceRoles map[string]string `json:"workspaceRoles,omitempty"`
}

// Identity returns the user as an agent identity.
func (u User) Identity() Identity {
	return Identity{ID: u.ID, Type: IdentityAgent, Name: u.Name}
}

type TeamRole string

const (
	TeamRoleSupervisor TeamRole = "supervisor"
	TeamRoleAgent      TeamRole = "agent"
)

type Permission string

const (
	PermViewConversationContent   Permission = "canViewConversationContent"
	PermViewOpenTeamConversations Permission = "canViewOpenTeamConversations"
	PermViewHistoricConversation  Permission = "canViewHistoricConversation"
)

type TeamMember struct {
	UserID      string       `json:"userId"`
	Role        TeamRole     `json:"role"`
	Permissions []Permission `json:"permissions,omitempty"`
}

type Team struct {
	ID      string       `json:"id"`
	Name    string       `json:"name,omitempty"`
	Members []TeamMember `json:"members"`
}

// ============================================================================
// Remi
// ============================================================================

// RemiState holds the rules-engine linkage of a conversation.
type RemiState struct {
	SmtReID        string `json:"smtReId,omitempty"`
	IsWithSmtRe    bool   `json:"isWithSmtRe"`
	StoppedSmtReID string `json:"stoppedSmtReId,omitempty"`
}

// RemiOverride is an optimistic partial RemiState; nil fields are unset.
type RemiOverride struct {
	SmtReID        *string `json:"smtReId,omitempty"`
	IsWithSmtRe    *bool   `json:"isWithSmtRe,omitempty"`
	StoppedSmtReID *string `json:"stoppedSmtReId,omitempty"`
}

func (o *RemiOverride) empty() bool {
	return o == nil || (o.SmtReID == nil && o.IsWithSmtRe == nil && o.StoppedSmtReID == nil)
}
