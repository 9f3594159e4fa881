package model

// FailureReason explains why a grant or revoke was refused. Callers turn it
// into a user-facing message.
type FailureReason string

const (
	ReasonInvalidInput       FailureReason = "invalid_input"
	ReasonInvalidDuration    FailureReason = "invalid_duration"
	ReasonMemberNotFound     FailureReason = "member_not_found"
	ReasonRoleNotFound       FailureReason = "role_not_found"
	ReasonBotMemberNotFound  FailureReason = "bot_member_not_found"
	ReasonMissingManageRoles FailureReason = "missing_manage_roles"
	ReasonRoleAboveBot       FailureReason = "role_above_bot"
	ReasonAddFailed          FailureReason = "add_failed"
)
