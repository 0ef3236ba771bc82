package relay

import (
	"sync/atomic"

	"github.com/zhouzirui/portfolio-chat/relay/internal/model/chat"
	chatsvc "github.com/zhouzirui/portfolio-chat/relay/internal/service/chat"
)

// notifier keeps every admin's session list current.
type notifier struct {
	store    *chatsvc.Store
	emit     func(room, event string, data any)
	metrics  *Metrics
	revision atomic.Uint64
}

// refreshAdmins pushes the open-session list to the admin room.
func (n *notifier) refreshAdmins() {
	list := n.snapshot()
	n.revision.Add(1)
	n.emit(AdminRoom, OutSessionsUpdated, list)
}

func (n *notifier) snapshot() []chat.SessionSummary {
	list := n.store.ListOpen()
	n.metrics.openSessions.Set(float64(len(list)))
	return list
}
