package models

// Agent is the identity of a durable, named entity: its own workspace,
// docs directory, model, permission profile, and bound chat channel.
type Agent struct {
	Name              string `json:"name"`
	ChannelID         string `json:"channel_id"`
	Model             string `json:"model"`
	SystemPrompt      string `json:"system_prompt"`
	PermissionsProfile string `json:"permissions_profile"`
	WebSearchEnabled  bool   `json:"web_search_enabled"`
	DocsDir           string `json:"docs_dir"`
}

// Workspace returns the jailed workspace directory for this agent relative
// to a chorus home directory.
func (a *Agent) Workspace(chorusHome string) string {
	return chorusHome + "/agents/" + a.Name + "/workspace"
}
