package agentdesk

// TransformFunc normalizes raw server conversations into snapshots keyed by id.
type TransformFunc func(raw []*Conversation, loggedUser User) map[string]*Conversation

// Transform derives the fields the server leaves to the client: assumed,
// user, lastActivity and fileAttachments. Inputs are not modified.
func Transform(raw []*Conversation, loggedUser User) map[string]*Conversation {
	out := make(map[string]*Conversation, len(raw))
	for _, r := range raw {
		if r == nil || r.ID == "" {
			continue
		}
		c := r.Clone()
		if c.User == nil {
			for _, m := range c.Members {
				if m.Type == IdentityUser {
					u := m
					c.User = &u
					break
				}
			}
		}
		for _, a := range c.Activities {
			if a.Type != ActivityMemberUploadAttachment {
				continue
			}
			if d, ok := a.Data.(AttachmentData); ok && d.ID != "" {
				addAttachment(c, d.FileAttachment)
			}
		}
		finalize(c, loggedUser.ID)
		out[c.ID] = c
	}
	return out
}
