// Package chatapi exposes parley's HTTP surface: auth, paginated message
// history, and the message write path mirrored by the websocket push channel.
package chatapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"parley/cmd/identity"
	"parley/cmd/internal/chat"
)

const maxBodyBytes = 1 << 20 // 1 MiB

type ctxKey int

const profileIDKey ctxKey = iota

// Handler wires the HTTP endpoints to the chat and identity services.
type Handler struct {
	log   *slog.Logger
	svc   *chat.Service
	pager *chat.Pager
	dir   chat.Directory
	auth  *identity.Service
}

// NewHandler constructs the API handler.
func NewHandler(log *slog.Logger, svc *chat.Service, pager *chat.Pager, dir chat.Directory, auth *identity.Service) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{log: log, svc: svc, pager: pager, dir: dir, auth: auth}
}

// Register wires all routes onto the provided router.
func (h *Handler) Register(r *mux.Router) {
	if h == nil || r == nil {
		return
	}

	r.HandleFunc("/auth/register", h.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/auth/login", h.handleLogin).Methods(http.MethodPost)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(h.requireAuth)

	api.HandleFunc("/messages", h.handleListChannelMessages).Methods(http.MethodGet)
	api.HandleFunc("/directMessages", h.handleListDirectMessages).Methods(http.MethodGet)

	api.HandleFunc("/socket/messages", h.handleCreateChannelMessage).Methods(http.MethodPost)
	api.HandleFunc("/socket/messages/{messageID}", h.handleEditChannelMessage).Methods(http.MethodPatch)
	api.HandleFunc("/socket/messages/{messageID}", h.handleDeleteChannelMessage).Methods(http.MethodDelete)

	api.HandleFunc("/socket/directMessages", h.handleCreateDirectMessage).Methods(http.MethodPost)
	api.HandleFunc("/socket/directMessages/{messageID}", h.handleEditDirectMessage).Methods(http.MethodPatch)
	api.HandleFunc("/socket/directMessages/{messageID}", h.handleDeleteDirectMessage).Methods(http.MethodDelete)

	api.HandleFunc("/servers", h.handleCreateServer).Methods(http.MethodPost)
	api.HandleFunc("/servers/join", h.handleJoinServer).Methods(http.MethodPost)
	api.HandleFunc("/servers/{serverID}", h.handleUpdateServer).Methods(http.MethodPatch)
	api.HandleFunc("/servers/{serverID}", h.handleDeleteServer).Methods(http.MethodDelete)
	api.HandleFunc("/servers/{serverID}/invite", h.handleRotateInvite).Methods(http.MethodPatch)
	api.HandleFunc("/servers/{serverID}/leave", h.handleLeaveServer).Methods(http.MethodPatch)

	api.HandleFunc("/members/{memberID}", h.handleUpdateMemberRole).Methods(http.MethodPatch)
	api.HandleFunc("/members/{memberID}", h.handleKickMember).Methods(http.MethodDelete)

	api.HandleFunc("/channels", h.handleCreateChannel).Methods(http.MethodPost)
	api.HandleFunc("/channels/{channelID}", h.handleRenameChannel).Methods(http.MethodPatch)
	api.HandleFunc("/channels/{channelID}", h.handleDeleteChannel).Methods(http.MethodDelete)

	api.HandleFunc("/conversations", h.handleOpenConversation).Methods(http.MethodPost)

	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "no such route")
	})
}

// ---- auth ----

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = strings.TrimSpace(req.Username)
	}

	profile, err := h.dir.CreateProfile(r.Context(), name, req.ImageURL)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	_, token, err := h.auth.Register(r.Context(), req.Username, req.Password, profile.ID)
	if err != nil {
		// The profile was created first; do not leave it orphaned when the
		// account is rejected (taken username, weak password).
		if derr := h.dir.DeleteProfile(r.Context(), profile.ID); derr != nil {
			h.log.Error("http.register.cleanup", "profile_id", profile.ID, "err", derr)
		}
		h.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, authResponse{Token: token, Profile: profile})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	acc, token, err := h.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	profile, err := h.dir.ProfileByID(r.Context(), acc.ProfileID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, authResponse{Token: token, Profile: profile})
}

// requireAuth resolves the bearer token and stashes the profile id in the
// request context.
func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}

		profileID, err := h.auth.Authenticate(r.Context(), token)
		if err != nil {
			if identity.IsUnauthenticated(err) {
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
				return
			}
			h.writeDomainError(w, r, err)
			return
		}

		ctx := context.WithValue(r.Context(), profileIDKey, profileID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if t, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(t)
	}
	return ""
}

func profileID(r *http.Request) string {
	id, _ := r.Context().Value(profileIDKey).(string)
	return id
}

// ---- history ----

func (h *Handler) handleListChannelMessages(w http.ResponseWriter, r *http.Request) {
	channelID := strings.TrimSpace(r.URL.Query().Get("channelID"))
	if channelID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing channelID")
		return
	}
	h.listMessages(w, r, chat.ChannelScope(channelID))
}

func (h *Handler) handleListDirectMessages(w http.ResponseWriter, r *http.Request) {
	conversationID := strings.TrimSpace(r.URL.Query().Get("conversationID"))
	if conversationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing conversationID")
		return
	}
	h.listMessages(w, r, chat.ConversationScope(conversationID))
}

// listMessages authorizes the read the same way a push subscription is
// authorized, then pages.
func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request, scope chat.Scope) {
	ok, err := h.svc.CanSubscribe(r.Context(), profileID(r), scope)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusForbidden, "forbidden", "not a member")
		return
	}

	page, err := h.pager.Page(r.Context(), scope, r.URL.Query().Get("cursor"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// ---- channel message writes ----

func (h *Handler) handleCreateChannelMessage(w http.ResponseWriter, r *http.Request) {
	serverID, channelID, ok := channelScopeParams(w, r)
	if !ok {
		return
	}

	var req messageRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	msg, err := h.svc.CreateChannelMessage(r.Context(), profileID(r), serverID, channelID, chat.MessageBody{
		Content:  req.Content,
		FileURL:  req.FileURL,
		FileType: req.FileType,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *Handler) handleEditChannelMessage(w http.ResponseWriter, r *http.Request) {
	serverID, channelID, ok := channelScopeParams(w, r)
	if !ok {
		return
	}

	var req editMessageRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	msg, err := h.svc.EditChannelMessage(r.Context(), profileID(r), serverID, channelID, mux.Vars(r)["messageID"], req.Content)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (h *Handler) handleDeleteChannelMessage(w http.ResponseWriter, r *http.Request) {
	serverID, channelID, ok := channelScopeParams(w, r)
	if !ok {
		return
	}

	msg, err := h.svc.DeleteChannelMessage(r.Context(), profileID(r), serverID, channelID, mux.Vars(r)["messageID"])
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func channelScopeParams(w http.ResponseWriter, r *http.Request) (serverID, channelID string, ok bool) {
	q := r.URL.Query()
	serverID = strings.TrimSpace(q.Get("serverID"))
	channelID = strings.TrimSpace(q.Get("channelID"))
	if serverID == "" || channelID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing serverID or channelID")
		return "", "", false
	}
	return serverID, channelID, true
}

// ---- direct message writes ----

func (h *Handler) handleCreateDirectMessage(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := conversationParam(w, r)
	if !ok {
		return
	}

	var req messageRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	msg, err := h.svc.CreateDirectMessage(r.Context(), profileID(r), conversationID, chat.MessageBody{
		Content:  req.Content,
		FileURL:  req.FileURL,
		FileType: req.FileType,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *Handler) handleEditDirectMessage(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := conversationParam(w, r)
	if !ok {
		return
	}

	var req editMessageRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	msg, err := h.svc.EditDirectMessage(r.Context(), profileID(r), conversationID, mux.Vars(r)["messageID"], req.Content)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (h *Handler) handleDeleteDirectMessage(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := conversationParam(w, r)
	if !ok {
		return
	}

	msg, err := h.svc.DeleteDirectMessage(r.Context(), profileID(r), conversationID, mux.Vars(r)["messageID"])
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func conversationParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	conversationID := strings.TrimSpace(r.URL.Query().Get("conversationID"))
	if conversationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing conversationID")
		return "", false
	}
	return conversationID, true
}

// ---- servers / channels / conversations ----

func (h *Handler) handleCreateServer(w http.ResponseWriter, r *http.Request) {
	var req createServerRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	srv, err := h.svc.CreateServer(r.Context(), profileID(r), req.Name, req.ImageURL)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, srv)
}

func (h *Handler) handleJoinServer(w http.ResponseWriter, r *http.Request) {
	var req joinServerRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	srv, err := h.svc.JoinByInvite(r.Context(), profileID(r), req.InviteCode)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, srv)
}

func (h *Handler) handleRotateInvite(w http.ResponseWriter, r *http.Request) {
	srv, err := h.svc.RotateInviteCode(r.Context(), profileID(r), mux.Vars(r)["serverID"])
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, srv)
}

func (h *Handler) handleUpdateServer(w http.ResponseWriter, r *http.Request) {
	var req updateServerRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	srv, err := h.svc.UpdateServer(r.Context(), profileID(r), mux.Vars(r)["serverID"], req.Name, req.ImageURL)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, srv)
}

func (h *Handler) handleDeleteServer(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteServer(r.Context(), profileID(r), mux.Vars(r)["serverID"]); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleLeaveServer(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.LeaveServer(r.Context(), profileID(r), mux.Vars(r)["serverID"]); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleUpdateMemberRole(w http.ResponseWriter, r *http.Request) {
	serverID := strings.TrimSpace(r.URL.Query().Get("serverID"))
	if serverID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing serverID")
		return
	}

	var req updateMemberRoleRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	member, err := h.svc.UpdateMemberRole(r.Context(), profileID(r), serverID, mux.Vars(r)["memberID"], chat.Role(req.Role))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, member)
}

func (h *Handler) handleKickMember(w http.ResponseWriter, r *http.Request) {
	serverID := strings.TrimSpace(r.URL.Query().Get("serverID"))
	if serverID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing serverID")
		return
	}

	if err := h.svc.KickMember(r.Context(), profileID(r), serverID, mux.Vars(r)["memberID"]); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	serverID := strings.TrimSpace(r.URL.Query().Get("serverID"))
	if serverID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing serverID")
		return
	}

	var req createChannelRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	ch, err := h.svc.CreateChannel(r.Context(), profileID(r), serverID, req.Name, chat.ChannelType(req.Type))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ch)
}

func (h *Handler) handleRenameChannel(w http.ResponseWriter, r *http.Request) {
	serverID := strings.TrimSpace(r.URL.Query().Get("serverID"))
	if serverID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing serverID")
		return
	}

	var req renameChannelRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	ch, err := h.svc.RenameChannel(r.Context(), profileID(r), serverID, mux.Vars(r)["channelID"], req.Name)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

func (h *Handler) handleDeleteChannel(w http.ResponseWriter, r *http.Request) {
	serverID := strings.TrimSpace(r.URL.Query().Get("serverID"))
	if serverID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing serverID")
		return
	}

	if err := h.svc.DeleteChannel(r.Context(), profileID(r), serverID, mux.Vars(r)["channelID"]); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleOpenConversation(w http.ResponseWriter, r *http.Request) {
	var req openConversationRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	conv, err := h.svc.OpenConversation(r.Context(), profileID(r), req.ServerID, req.TargetMemberID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// ---- error mapping ----

// writeDomainError maps service errors onto the uniform JSON error body.
// Soft-deleted targets intentionally surface as 404: deletion is terminal
// and the row is gone as far as writers are concerned.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case chat.IsInvalidInput(err) || identity.IsInvalidInput(err):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, chat.ErrUnauthenticated) || identity.IsUnauthenticated(err):
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
	case chat.IsForbidden(err):
		writeError(w, http.StatusForbidden, "forbidden", "not allowed")
	case chat.IsDeleted(err):
		writeError(w, http.StatusNotFound, "not_found", "message deleted")
	case chat.IsNotFound(err) || identity.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not_found", "resource not found")
	case identity.IsConflict(err):
		writeError(w, http.StatusConflict, "conflict", "already exists")
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to write.
	default:
		h.log.Error("http.handler.fail", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
