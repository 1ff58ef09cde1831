package agent

import (
	"testing"

	"github.com/nl2sql/backend/internal/knowledge"
)

func TestPermissionManagerAdminHasWildcardAccess(t *testing.T) {
	pm := NewPermissionManager()

	if !pm.CheckToolAccess("u1", knowledge.GroupAdmin, ToolRunSQL) {
		t.Fatalf("admin should be able to call %s", ToolRunSQL)
	}
	if !pm.CheckToolAccess("u1", knowledge.GroupAdmin, "some_future_tool") {
		t.Fatalf("admin's wildcard should cover any tool name")
	}
}

func TestPermissionManagerDefaultGroupsAllowKnownTools(t *testing.T) {
	for _, group := range []knowledge.UserGroup{knowledge.GroupExpert, knowledge.GroupUser, knowledge.GroupGuest} {
		if !pmFixture().CheckToolAccess("u1", group, ToolRunSQL) {
			t.Fatalf("group=%s should be able to call %s", group, ToolRunSQL)
		}
		if !pmFixture().CheckToolAccess("u1", group, ToolVisualizeData) {
			t.Fatalf("group=%s should be able to call %s", group, ToolVisualizeData)
		}
	}
}

func TestPermissionManagerUnknownGroupFallsBackToUserDefaults(t *testing.T) {
	pm := NewPermissionManager()
	if !pm.CheckToolAccess("u1", knowledge.UserGroup("unknown"), ToolRunSQL) {
		t.Fatalf("an unrecognized group should fall back to the default user permission set")
	}
}

func TestPermissionManagerRestrictedToolOverridesAllowed(t *testing.T) {
	pm := NewPermissionManager()
	pm.SetGroupPermissions(knowledge.GroupUser, []string{ToolRunSQL, ToolVisualizeData}, []string{ToolVisualizeData})

	if pm.CheckToolAccess("u1", knowledge.GroupUser, ToolVisualizeData) {
		t.Fatalf("a tool on the restricted list must be denied even if also present in allowed")
	}
	if !pm.CheckToolAccess("u1", knowledge.GroupUser, ToolRunSQL) {
		t.Fatalf("other allowed tools should still be permitted")
	}
}

func TestPermissionManagerAllowedToolsExpandsWildcard(t *testing.T) {
	pm := NewPermissionManager()
	tools := pm.AllowedTools(knowledge.GroupAdmin)
	if len(tools) != 2 {
		t.Fatalf("got=%d tools want=2 concrete tools when expanding admin's wildcard: %v", len(tools), tools)
	}
}

func pmFixture() *PermissionManager {
	return NewPermissionManager()
}
