package agentdesk

// CanView reports whether user may see the content of c. The first matching
// rule wins:
//
//  1. system admins and workspace admins see everything
//  2. conversations without a team, or not open, are visible
//  3. members of the conversation see it
//  4. otherwise the user needs a qualifying permission on the assigned team
//
// The result is advisory; the server performs the authoritative check.
func CanView(c *Conversation, user User, teams []Team, workspaceID string) bool {
	if c == nil {
		return false
	}
	if isAdmin(user, workspaceID) {
		return true
	}
	if c.AssignedToTeamID == "" || c.State != StateOpen {
		return true
	}
	if c.hasMember(user.ID) {
		return true
	}

	member, ok := teamMember(teams, c.AssignedToTeamID, user.ID)
	if !ok {
		return false
	}
	if member.can(PermViewConversationContent) {
		return true
	}
	if c.activeAgents() && member.can(PermViewOpenTeamConversations) {
		return true
	}
	return c.State == StateClosed && member.can(PermViewHistoricConversation)
}

func isAdmin(user User, workspaceID string) bool {
	for _, r := range user.SystemRoles {
		if r == SystemRoleAdmin || r == SystemRoleSuperAdmin {
			return true
		}
	}
	return workspaceID != "" && user.WorkspaceRoles[workspaceID] == WorkspaceRoleAdmin
}

func teamMember(teams []Team, teamID, userID string) (TeamMember, bool) {
	for _, t := range teams {
		if t.ID != teamID {
			continue
		}
		for _, m := range t.Members {
			if m.UserID == userID {
				return m, true
			}
		}
	}
	return TeamMember{}, false
}

// can is true for supervisors regardless of the explicit list.
func (m TeamMember) can(p Permission) bool {
	if m.Role == TeamRoleSupervisor {
		return true
	}
	for _, have := range m.Permissions {
		if have == p {
			return true
		}
	}
	return false
}
