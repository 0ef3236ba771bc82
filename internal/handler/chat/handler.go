package chat

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/portfolio-chat/relay/internal/model/chat"
	"github.com/zhouzirui/portfolio-chat/relay/pkg/utils"
)

// SessionLister is the read side of the relay engine.
type SessionLister interface {
	Sessions() ([]chat.SessionSummary, uint64)
}

// Handler 会话列表的只读HTTP处理器
type Handler struct {
	sessions SessionLister
}

// New 创建聊天处理器
func New(sessions SessionLister) *Handler {
	return &Handler{sessions: sessions}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/chat/sessions", h.handleListSessions)
}

type sessionsResponse struct {
	Revision uint64                `json:"revision"`
	Sessions []chat.SessionSummary `json:"sessions"`
}

// handleListSessions 返回当前未关闭的会话
func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if h.sessions == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "relay unavailable")
		return
	}

	list, revision := h.sessions.Sessions()
	if list == nil {
		list = []chat.SessionSummary{}
	}
	utils.RespondJSON(w, http.StatusOK, sessionsResponse{Revision: revision, Sessions: list})
}
