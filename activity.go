package agentdesk

import (
	"encoding/json"
	"time"
)

// ActivityType is the closed set of conversation event kinds.
type ActivityType string

const (
	ActivityMessage                ActivityType = "message"
	ActivityMemberAdded            ActivityType = "member_added"
	ActivityMemberRemoved          ActivityType = "member_removed"
	ActivityMemberConnected        ActivityType = "member_connected"
	ActivityMemberDisconnected     ActivityType = "member_disconnected"
	ActivityMemberExit             ActivityType = "member_exit"
	ActivityMemberReconnected      ActivityType = "member_reconnected"
	ActivityMemberUploadAttachment ActivityType = "member_upload_attachment"
	ActivityAssignedToTeam         ActivityType = "assigned_to_team"
	ActivityAutomaticDistribution  ActivityType = "automatic_distribution"
	ActivitySuspendConversation    ActivityType = "suspend_conversation"
	ActivityEndConversation        ActivityType = "end_conversation"
	ActivityMemberRemovedByAdmin   ActivityType = "member_removed_by_admin"
)

// PreviewWorthy reports whether the activity may become lastActivity.
func (t ActivityType) PreviewWorthy() bool {
	return t == ActivityMessage || t == ActivityMemberUploadAttachment
}

func (t ActivityType) membership() bool {
	switch t {
	case ActivityMemberAdded, ActivityMemberRemoved, ActivityMemberConnected,
		ActivityMemberDisconnected, ActivityMemberExit, ActivityMemberReconnected:
		return true
	}
	return false
}

// Activity is a single timestamped event within a conversation.
// Data holds one payload shape per Type; see decodeActivityData.
type Activity struct {
	ID             string       `json:"id,omitempty"`
	Hash           string       `json:"hash,omitempty"`
	Type           ActivityType `json:"type"`
	Timestamp      time.Time    `json:"timestamp"`
	From           Identity     `json:"from"`
	ConversationID string       `json:"conversationId,omitempty"`
	Ack            int          `json:"ack,omitempty"`
	Data           ActivityData `json:"data,omitempty"`
}

// sameAs matches by id first, then by hash.
func (a *Activity) sameAs(b *Activity) bool {
	if a.ID != "" && b.ID != "" {
		return a.ID == b.ID
	}
	return a.Hash != "" && a.Hash == b.Hash
}

func (a *Activity) UnmarshalJSON(b []byte) error {
	type plain Activity
	var aux struct {
		plain
		Data json.RawMessage `json:"data,omitempty"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*a = Activity(aux.plain)
	data, err := decodeActivityData(a.Type, aux.Data)
	if err != nil {
		return err
	}
	a.Data = data
	return nil
}

// ============================================================================
// Payload variants
// ============================================================================

// ActivityData is implemented by every activity payload shape.
type ActivityData interface {
	activityData()
}

type MessageData struct {
	Text string `json:"text,omitempty"`
	Kind string `json:"kind,omitempty"`
}

// AttachmentData is the payload of member_upload_attachment.
type AttachmentData struct {
	FileAttachment
}

// MembershipData is shared by the member_* presence activities.
type MembershipData struct {
	Reason string `json:"reason,omitempty"`
}

type AssignedToTeamData struct {
	TeamID string `json:"teamId"`
}

type AutomaticDistributionData struct {
	Members          []Identity `json:"members"`
	AssignedToTeamID string     `json:"assignedToTeamId"`
}

type SuspendData struct {
	SuspendedUntil time.Time `json:"suspendedUntil"`
}

// EndConversationData may carry the final conversation fields.
type EndConversationData struct {
	Conversation map[string]any `json:"conversation,omitempty"`
}

type MemberRemovedByAdminData struct {
	Members []Identity `json:"members"`
}

// RawData keeps payloads of activity types this package does not interpret.
type RawData json.RawMessage

func (RawData) activityData()                   {}
func (MessageData) activityData()               {}
func (AttachmentData) activityData()            {}
func (MembershipData) activityData()            {}
func (AssignedToTeamData) activityData()        {}
func (AutomaticDistributionData) activityData() {}
func (SuspendData) activityData()               {}
func (EndConversationData) activityData()       {}
func (MemberRemovedByAdminData) activityData()  {}

func (r RawData) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}

func decodeActivityData(t ActivityType, raw json.RawMessage) (ActivityData, error) {
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	var v ActivityData
	switch {
	case t == ActivityMessage:
		var d MessageData
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, err
		}
		v = d
	case t == ActivityMemberUploadAttachment:
		var d AttachmentData
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, err
		}
		v = d
	case t.membership():
		var d MembershipData
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, err
		}
		v = d
	case t == ActivityAssignedToTeam:
		var d AssignedToTeamData
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, err
		}
		v = d
	case t == ActivityAutomaticDistribution:
		var d AutomaticDistributionData
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, err
		}
		v = d
	case t == ActivitySuspendConversation:
		var d SuspendData
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, err
		}
		v = d
	case t == ActivityEndConversation:
		var d EndConversationData
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, err
		}
		v = d
	case t == ActivityMemberRemovedByAdmin:
		var d MemberRemovedByAdminData
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, err
		}
		v = d
	default:
		v = RawData(append(json.RawMessage(nil), raw...))
	}
	return v, nil
}
