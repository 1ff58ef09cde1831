// Package agent implements C6: tool permissions, SQL safeguarding, tool
// declarations/dispatch, and the main iterate-call-tools-until-done loop.
package agent

import (
	"go.uber.org/zap"

	"github.com/nl2sql/backend/internal/knowledge"
	"github.com/nl2sql/backend/pkg/logger"
)

type groupPermissions struct {
	allowedTools    []string
	restrictedTools []string
}

// PermissionManager answers "can this user group call this tool", built
// once at startup from a fixed default table and injected into the agent
// loop; it is never a package-level mutable global.
type PermissionManager struct {
	permissions map[knowledge.UserGroup]groupPermissions
}

func NewPermissionManager() *PermissionManager {
	return &PermissionManager{
		permissions: map[knowledge.UserGroup]groupPermissions{
			knowledge.GroupAdmin:  {allowedTools: []string{"*"}},
			knowledge.GroupExpert: {allowedTools: []string{ToolRunSQL, ToolVisualizeData}},
			knowledge.GroupUser:   {allowedTools: []string{ToolRunSQL, ToolVisualizeData}},
			knowledge.GroupGuest:  {allowedTools: []string{ToolRunSQL, ToolVisualizeData}},
		},
	}
}

// CheckToolAccess reports whether group may invoke toolName, checking
// restricted tools first, then the allowed list, with "*" granting
// everything.
func (m *PermissionManager) CheckToolAccess(userID string, group knowledge.UserGroup, toolName string) bool {
	perms, ok := m.permissions[group]
	if !ok {
		perms = m.permissions[knowledge.GroupUser]
	}
	for _, t := range perms.restrictedTools {
		if t == toolName {
			logger.Warn("user attempted restricted tool", zap.String("user", userID), zap.String("tool", toolName))
			return false
		}
	}
	for _, t := range perms.allowedTools {
		if t == "*" || t == toolName {
			return true
		}
	}
	logger.Warn("user attempted unauthorized tool", zap.String("user", userID), zap.String("tool", toolName))
	return false
}

// AllowedTools returns the concrete tool names group may call, expanding
// the "*" wildcard to every known tool.
func (m *PermissionManager) AllowedTools(group knowledge.UserGroup) []string {
	perms, ok := m.permissions[group]
	if !ok {
		perms = m.permissions[knowledge.GroupUser]
	}
	for _, t := range perms.allowedTools {
		if t == "*" {
			return []string{ToolRunSQL, ToolVisualizeData}
		}
	}
	return perms.allowedTools
}

// SetGroupPermissions overrides the permission set for group, used by the
// knowledge-admin surface if operators need a custom group beyond the
// four defaults.
func (m *PermissionManager) SetGroupPermissions(group knowledge.UserGroup, allowed, restricted []string) {
	m.permissions[group] = groupPermissions{allowedTools: allowed, restrictedTools: restricted}
}
