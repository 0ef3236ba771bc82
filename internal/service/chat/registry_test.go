package chat

import (
	"testing"

	"github.com/zhouzirui/portfolio-chat/relay/internal/model/chat"
)

func TestRegistryLastWriteWins(t *testing.T) {
	reg := NewRegistry()
	reg.Register(chat.Connection{ID: "c1", Role: chat.RoleVisitor, DisplayName: "first", VisitorID: "v"})
	reg.Register(chat.Connection{ID: "c1", Role: chat.RoleAdmin, DisplayName: "second"})

	conn, ok := reg.Lookup("c1")
	if !ok {
		t.Fatal("expected connection")
	}
	if conn.Role != chat.RoleAdmin || conn.DisplayName != "second" {
		t.Fatalf("expected last registration to win, got %+v", conn)
	}
}

func TestRegistryAdminConnections(t *testing.T) {
	reg := NewRegistry()
	reg.Register(chat.Connection{ID: "b", Role: chat.RoleAdmin})
	reg.Register(chat.Connection{ID: "v", Role: chat.RoleVisitor})
	reg.Register(chat.Connection{ID: "a", Role: chat.RoleAdmin})

	admins := reg.AdminConnections()
	if len(admins) != 2 || admins[0] != "a" || admins[1] != "b" {
		t.Fatalf("unexpected admins %v", admins)
	}
	if reg.Count(chat.RoleVisitor) != 1 {
		t.Fatalf("expected 1 visitor, got %d", reg.Count(chat.RoleVisitor))
	}

	reg.Remove("a")
	if admins := reg.AdminConnections(); len(admins) != 1 || admins[0] != "b" {
		t.Fatalf("unexpected admins after remove %v", admins)
	}
	if _, ok := reg.Lookup("a"); ok {
		t.Fatal("removed connection still registered")
	}
}

func TestRegistrySetSession(t *testing.T) {
	reg := NewRegistry()
	if reg.SetSession("missing", "s1") {
		t.Fatal("expected false for unknown connection")
	}
	reg.Register(chat.Connection{ID: "c", Role: chat.RoleVisitor})
	if !reg.SetSession("c", "s1") {
		t.Fatal("expected SetSession to succeed")
	}
	if conn, _ := reg.Lookup("c"); conn.SessionID != "s1" {
		t.Fatalf("expected session s1, got %q", conn.SessionID)
	}
}
