package agentdesk

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func at(minutes int) time.Time { return t0.Add(time.Duration(minutes) * time.Minute) }

func message(id string, ts time.Time, text string) Activity {
	return Activity{
		ID:        id,
		Type:      ActivityMessage,
		Timestamp: ts,
		From:      Identity{ID: "u1", Type: IdentityUser},
		Data:      MessageData{Text: text},
	}
}

func TestConversationStoreAdd(t *testing.T) {
	s := NewConversationStore("agent-1")

	t.Run("rejects empty id", func(t *testing.T) {
		_, _, err := s.Add(&Conversation{})
		require.Error(t, err)
	})

	t.Run("insert derives fields", func(t *testing.T) {
		c, inserted, err := s.Add(&Conversation{
			ID:         "c1",
			State:      StateOpen,
			Members:    []Identity{{ID: "agent-1", Type: IdentityAgent}},
			Activities: []Activity{message("m2", at(2), "later"), message("m1", at(1), "first")},
		})
		require.NoError(t, err)
		assert.True(t, inserted)
		assert.True(t, c.Assumed)
		require.NotNil(t, c.LastActivity)
		assert.Equal(t, "m2", c.LastActivity.ID)
		assert.Equal(t, "m1", c.Activities[0].ID)
	})

	t.Run("second add merges", func(t *testing.T) {
		c, inserted, err := s.Add(&Conversation{ID: "c1", Tags: []Tag{{Name: "vip"}}})
		require.NoError(t, err)
		assert.False(t, inserted)
		assert.Equal(t, StateOpen, c.State)
		assert.Len(t, c.Activities, 2)
		assert.Equal(t, []Tag{{Name: "vip"}}, c.Tags)
		assert.Equal(t, 1, s.Len())
	})

	t.Run("reads are copies", func(t *testing.T) {
		c, ok := s.Get("c1")
		require.True(t, ok)
		c.State = StateClosed
		again, _ := s.Get("c1")
		assert.Equal(t, StateOpen, again.State)
	})
}

func TestConversationStoreMerge(t *testing.T) {
	s := NewConversationStore("agent-1")
	_, _, err := s.Add(&Conversation{
		ID:              "c1",
		State:           StateOpen,
		Tags:            []Tag{{Name: "a"}, {Name: "b"}},
		Attributes:      map[string]any{"plan": "pro", "seats": 3.0},
		Activities:      []Activity{message("m1", at(5), "hello")},
		FileAttachments: []FileAttachment{{ID: "f1", Name: "one.pdf"}},
	})
	require.NoError(t, err)

	t.Run("unknown id", func(t *testing.T) {
		_, err := s.Merge("nope", Patch{"state": "closed"})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("id is immutable", func(t *testing.T) {
		c, err := s.Merge("c1", Patch{"id": "other"})
		require.NoError(t, err)
		assert.Equal(t, "c1", c.ID)
		assert.False(t, s.Has("other"))
	})

	t.Run("objects merge by key", func(t *testing.T) {
		c, err := s.Merge("c1", Patch{"attributes": map[string]any{"seats": 5}})
		require.NoError(t, err)
		assert.Equal(t, "pro", c.Attributes["plan"])
		assert.EqualValues(t, 5, c.Attributes["seats"])
	})

	t.Run("plain arrays replace", func(t *testing.T) {
		c, err := s.Merge("c1", Patch{"tags": []map[string]any{{"name": "c"}}})
		require.NoError(t, err)
		assert.Equal(t, []Tag{{Name: "c"}}, c.Tags)
	})

	t.Run("activities union by id", func(t *testing.T) {
		c, err := s.Merge("c1", Patch{"activities": []any{
			map[string]any{"id": "m1", "type": "message", "timestamp": at(5), "data": map[string]any{"text": "edited"}},
			map[string]any{"id": "m0", "type": "message", "timestamp": at(1), "data": map[string]any{"text": "older"}},
		}})
		require.NoError(t, err)
		require.Len(t, c.Activities, 2)
		assert.Equal(t, "m0", c.Activities[0].ID)
		assert.Equal(t, MessageData{Text: "edited"}, c.Activities[1].Data)
	})

	t.Run("attachments union by id", func(t *testing.T) {
		c, err := s.Merge("c1", Patch{"fileAttachments": []any{
			map[string]any{"id": "f2", "name": "two.pdf"},
			map[string]any{"id": "f1", "name": "one-renamed.pdf"},
		}})
		require.NoError(t, err)
		require.Len(t, c.FileAttachments, 2)
		assert.Equal(t, "one-renamed.pdf", c.FileAttachments[0].Name)
		assert.Equal(t, "f2", c.FileAttachments[1].ID)
	})

	t.Run("lastActivity never moves backwards", func(t *testing.T) {
		older := message("m-old", at(-10), "stale")
		c, err := s.Merge("c1", Patch{"lastActivity": older})
		require.NoError(t, err)
		require.NotNil(t, c.LastActivity)
		assert.Equal(t, "m1", c.LastActivity.ID)
	})

	t.Run("members recompute assumed", func(t *testing.T) {
		c, err := s.Merge("c1", Patch{"members": []Identity{{ID: "agent-1", Type: IdentityAgent}}})
		require.NoError(t, err)
		assert.True(t, c.Assumed)

		c, err = s.Merge("c1", Patch{"members": []Identity{{ID: "agent-1", Type: IdentityAgent, Disabled: true}}})
		require.NoError(t, err)
		assert.False(t, c.Assumed)
	})
}

func TestConversationStoreKeepsUnmodeledFields(t *testing.T) {
	var c Conversation
	require.NoError(t, json.Unmarshal([]byte(`{"id":"c1","createdByChannel":"whatsapp","meta":{"a":1}}`), &c))

	s := NewConversationStore("")
	_, _, err := s.Add(&c)
	require.NoError(t, err)

	next, err := s.Merge("c1", Patch{"state": "closed", "meta": map[string]any{"b": 2}})
	require.NoError(t, err)
	assert.Equal(t, StateClosed, next.State)
	assert.JSONEq(t, `"whatsapp"`, string(next.Extra["createdByChannel"]))
	assert.JSONEq(t, `{"a":1,"b":2}`, string(next.Extra["meta"]))

	next, err = s.Merge("c1", Patch{"createdByChannel": "email"})
	require.NoError(t, err)
	assert.JSONEq(t, `"email"`, string(next.Extra["createdByChannel"]))

	got, ok := s.Get("c1")
	require.True(t, ok)
	assert.True(t, Matches(MustParseQuery(`{"createdByChannel":"email","meta.b":2}`), got))
}

func TestConversationStoreApplyActivity(t *testing.T) {
	newStore := func(t *testing.T) *ConversationStore {
		s := NewConversationStore("agent-1")
		_, _, err := s.Add(&Conversation{
			ID:         "c1",
			State:      StateOpen,
			Members:    []Identity{{ID: "u1", Type: IdentityUser}},
			Activities: []Activity{message("m1", at(0), "hi")},
		})
		require.NoError(t, err)
		return s
	}

	t.Run("unknown conversation", func(t *testing.T) {
		_, err := newStore(t).ApplyActivity("nope", message("m2", at(1), "x"))
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("message becomes lastActivity", func(t *testing.T) {
		c, err := newStore(t).ApplyActivity("c1", message("m2", at(1), "again"))
		require.NoError(t, err)
		assert.Len(t, c.Activities, 2)
		assert.Equal(t, "m2", c.LastActivity.ID)
		assert.Equal(t, "c1", c.Activities[1].ConversationID)
	})

	t.Run("applying twice does not duplicate", func(t *testing.T) {
		s := newStore(t)
		act := message("m2", at(1), "again")
		_, err := s.ApplyActivity("c1", act)
		require.NoError(t, err)
		c, err := s.ApplyActivity("c1", act)
		require.NoError(t, err)
		assert.Len(t, c.Activities, 2)
	})

	t.Run("hash identifies activities without id", func(t *testing.T) {
		s := newStore(t)
		act := Activity{Hash: "h1", Type: ActivityMessage, Timestamp: at(2), Data: MessageData{Text: "pending"}}
		_, err := s.ApplyActivity("c1", act)
		require.NoError(t, err)
		c, err := s.ApplyActivity("c1", act)
		require.NoError(t, err)
		assert.Len(t, c.Activities, 2)
	})

	t.Run("non preview activity keeps lastActivity", func(t *testing.T) {
		c, err := newStore(t).ApplyActivity("c1", Activity{
			ID: "s1", Type: ActivitySuspendConversation, Timestamp: at(3),
			Data: SuspendData{SuspendedUntil: at(60)},
		})
		require.NoError(t, err)
		assert.Equal(t, "m1", c.LastActivity.ID)
		require.NotNil(t, c.SuspendedUntil)
		assert.True(t, c.SuspendedUntil.Equal(at(60)))
	})

	t.Run("out of order activity is placed by timestamp", func(t *testing.T) {
		s := newStore(t)
		_, err := s.ApplyActivity("c1", message("m3", at(3), "third"))
		require.NoError(t, err)
		c, err := s.ApplyActivity("c1", message("m2", at(2), "second"))
		require.NoError(t, err)
		ids := []string{c.Activities[0].ID, c.Activities[1].ID, c.Activities[2].ID}
		assert.Equal(t, []string{"m1", "m2", "m3"}, ids)
		assert.Equal(t, "m3", c.LastActivity.ID)
	})

	t.Run("member added by current agent assumes", func(t *testing.T) {
		c, err := newStore(t).ApplyActivity("c1", Activity{
			ID: "j1", Type: ActivityMemberAdded, Timestamp: at(1),
			From: Identity{ID: "agent-1", Type: IdentityAgent},
		})
		require.NoError(t, err)
		assert.True(t, c.Assumed)
		assert.Len(t, c.Members, 2)
	})

	t.Run("member exit disables member", func(t *testing.T) {
		s := newStore(t)
		_, err := s.ApplyActivity("c1", Activity{
			ID: "j1", Type: ActivityMemberAdded, Timestamp: at(1),
			From: Identity{ID: "agent-1", Type: IdentityAgent},
		})
		require.NoError(t, err)
		c, err := s.ApplyActivity("c1", Activity{
			ID: "j2", Type: ActivityMemberExit, Timestamp: at(2),
			From: Identity{ID: "agent-1", Type: IdentityAgent},
		})
		require.NoError(t, err)
		assert.False(t, c.Assumed)
		assert.True(t, c.Members[1].Disabled)
	})

	t.Run("upload adds attachment", func(t *testing.T) {
		c, err := newStore(t).ApplyActivity("c1", Activity{
			ID: "up1", Type: ActivityMemberUploadAttachment, Timestamp: at(1),
			Data: AttachmentData{FileAttachment: FileAttachment{ID: "f1", Name: "photo.png"}},
		})
		require.NoError(t, err)
		require.Len(t, c.FileAttachments, 1)
		assert.Equal(t, "photo.png", c.FileAttachments[0].Name)
		assert.Equal(t, "up1", c.LastActivity.ID)
	})

	t.Run("team assignment", func(t *testing.T) {
		c, err := newStore(t).ApplyActivity("c1", Activity{
			ID: "t1", Type: ActivityAssignedToTeam, Timestamp: at(1),
			Data: AssignedToTeamData{TeamID: "team-9"},
		})
		require.NoError(t, err)
		assert.Equal(t, "team-9", c.AssignedToTeamID)
	})

	t.Run("automatic distribution replaces members", func(t *testing.T) {
		c, err := newStore(t).ApplyActivity("c1", Activity{
			ID: "d1", Type: ActivityAutomaticDistribution, Timestamp: at(1),
			Data: AutomaticDistributionData{
				Members:          []Identity{{ID: "u1", Type: IdentityUser}, {ID: "agent-1", Type: IdentityAgent}},
				AssignedToTeamID: "team-2",
			},
		})
		require.NoError(t, err)
		assert.Equal(t, "team-2", c.AssignedToTeamID)
		assert.True(t, c.Assumed)
	})

	t.Run("removed by admin replaces members", func(t *testing.T) {
		c, err := newStore(t).ApplyActivity("c1", Activity{
			ID: "r1", Type: ActivityMemberRemovedByAdmin, Timestamp: at(1),
			Data: MemberRemovedByAdminData{Members: []Identity{{ID: "u1", Type: IdentityUser}}},
		})
		require.NoError(t, err)
		assert.Len(t, c.Members, 1)
	})

	t.Run("end conversation closes and merges payload", func(t *testing.T) {
		c, err := newStore(t).ApplyActivity("c1", Activity{
			ID: "e1", Type: ActivityEndConversation, Timestamp: at(1),
			Data: EndConversationData{Conversation: map[string]any{"metrics": map[string]any{"duration": 42}}},
		})
		require.NoError(t, err)
		assert.Equal(t, StateClosed, c.State)
		assert.EqualValues(t, 42, c.Metrics["duration"])
		assert.Len(t, c.Activities, 2)
	})
}

func TestConversationStoreList(t *testing.T) {
	s := NewConversationStore("")
	for i, id := range []string{"a", "b", "c"} {
		_, _, err := s.Add(&Conversation{
			ID:         id,
			Priority:   3 - i,
			Activities: []Activity{message(id+"-m", at(i), id)},
		})
		require.NoError(t, err)
	}

	ids := func(list []*Conversation) []string {
		out := make([]string, 0, len(list))
		for _, c := range list {
			out = append(out, c.ID)
		}
		return out
	}

	assert.Equal(t, []string{"c", "b", "a"}, ids(s.List(Sort{})))
	assert.Equal(t, []string{"c", "b", "a"}, ids(s.List(Sort{Field: []string{"priority"}, Direction: []string{"asc"}})))
	assert.Equal(t, []string{"a", "b", "c"}, ids(s.List(Sort{Field: []string{"priority"}, Direction: []string{"-1"}})))

	t.Run("orders timestamps by instant", func(t *testing.T) {
		est := time.FixedZone("EST", -5*60*60)
		tests := []struct {
			name         string
			older, newer time.Time
		}{
			{"sub-second", time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), time.Date(2024, 5, 1, 10, 0, 0, 5e8, time.UTC)},
			{"offset", time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), time.Date(2024, 5, 1, 9, 30, 0, 0, est)},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				s := NewConversationStore("")
				_, _, err := s.Add(&Conversation{ID: "older", Activities: []Activity{message("o", tt.older, "o")}})
				require.NoError(t, err)
				_, _, err = s.Add(&Conversation{ID: "newer", Activities: []Activity{message("n", tt.newer, "n")}})
				require.NoError(t, err)

				assert.Equal(t, []string{"newer", "older"}, ids(s.List(Sort{})))
				assert.Equal(t, []string{"older", "newer"}, ids(s.List(Sort{Field: []string{"lastActivity.timestamp"}, Direction: []string{"asc"}})))
			})
		}
	})

	removed, ok := s.Remove("b")
	require.True(t, ok)
	assert.Equal(t, "b", removed.ID)
	assert.Equal(t, []string{"c", "a"}, ids(s.List(Sort{})))

	s.Reset()
	assert.Zero(t, s.Len())
}

func TestActivityDecode(t *testing.T) {
	raw := `{"id":"x","type":"suspend_conversation","timestamp":"2024-05-01T09:00:00Z",
		"from":{"id":"a1","type":"agent"},"data":{"suspendedUntil":"2024-05-02T09:00:00Z"}}`
	var act Activity
	require.NoError(t, json.Unmarshal([]byte(raw), &act))
	d, ok := act.Data.(SuspendData)
	require.True(t, ok)
	assert.Equal(t, 2, d.SuspendedUntil.Day())

	var unknown Activity
	require.NoError(t, json.Unmarshal([]byte(`{"type":"typing","data":{"x":1}}`), &unknown))
	assert.IsType(t, RawData{}, unknown.Data)
}

func TestTransform(t *testing.T) {
	raw := []*Conversation{
		nil,
		{ID: ""},
		{
			ID: "c1",
			Members: []Identity{
				{ID: "agent-1", Type: IdentityAgent},
				{ID: "u1", Type: IdentityUser, Name: "Ana"},
			},
			Activities: []Activity{
				message("m1", at(0), "hi"),
				{ID: "up", Type: ActivityMemberUploadAttachment, Timestamp: at(1),
					Data: AttachmentData{FileAttachment: FileAttachment{ID: "f1"}}},
			},
		},
	}

	out := Transform(raw, User{ID: "agent-1"})
	require.Len(t, out, 1)
	c := out["c1"]
	require.NotNil(t, c.User)
	assert.Equal(t, "Ana", c.User.Name)
	assert.True(t, c.Assumed)
	assert.Equal(t, "up", c.LastActivity.ID)
	require.Len(t, c.FileAttachments, 1)
	assert.Nil(t, raw[2].User)
}
