package chatapi

import "parley/cmd/internal/chat"

type registerRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Name     string `json:"name,omitempty"`
	ImageURL string `json:"imageUrl,omitempty"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type authResponse struct {
	Token   string       `json:"token"`
	Profile chat.Profile `json:"profile"`
}

type messageRequest struct {
	Content  string `json:"content"`
	FileURL  string `json:"fileUrl,omitempty"`
	FileType string `json:"fileType,omitempty"`
}

type editMessageRequest struct {
	Content string `json:"content"`
}

type createServerRequest struct {
	Name     string `json:"name"`
	ImageURL string `json:"imageUrl,omitempty"`
}

type updateServerRequest struct {
	Name     string `json:"name"`
	ImageURL string `json:"imageUrl,omitempty"`
}

type updateMemberRoleRequest struct {
	Role string `json:"role"`
}

type joinServerRequest struct {
	InviteCode string `json:"inviteCode"`
}

type createChannelRequest struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

type renameChannelRequest struct {
	Name string `json:"name"`
}

type openConversationRequest struct {
	ServerID       string `json:"serverId"`
	TargetMemberID string `json:"targetMemberId"`
}
