package messagequeue

// DCGBlockPayload is the schema for dcg.block and dcg.false_positive messages.
type DCGBlockPayload struct {
	ID       string `json:"id"`
	AgentID  string `json:"agentId"`
	Pack     string `json:"pack"`
	RuleID   string `json:"ruleId"`
	Severity string `json:"severity"`
}

// DCGConfigUpdatedPayload is the schema for dcg.config_updated messages.
type DCGConfigUpdatedPayload struct {
	UpdatedBy string `json:"updatedBy"`
	UpdatedAt string `json:"updatedAt"`
}

// GitSyncLifecyclePayload is the schema for git_sync.lifecycle messages.
type GitSyncLifecyclePayload struct {
	ID           string `json:"id"`
	RepositoryID string `json:"repositoryId"`
	Branch       string `json:"branch"`
	Status       string `json:"status"`
}

// CAAMRotatedPayload is the schema for caam.rotated messages.
type CAAMRotatedPayload struct {
	WorkspaceID string `json:"workspaceId"`
	Provider    string `json:"provider"`
	ProfileID   string `json:"profileId"`
	Reason      string `json:"reason"`
}
