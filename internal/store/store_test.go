package store

import (
	"reflect"
	"testing"
	"time"

	"rentchat/internal/models"
)

func msg(conv, id string) models.Message {
	return models.Message{ID: id, ConversationID: conv, SenderID: "u1", Text: "text " + id, CreatedAt: time.Unix(0, 0)}
}

func ids(list []models.Message) []string {
	out := make([]string, 0, len(list))
	for _, m := range list {
		out = append(out, m.ID)
	}
	return out
}

func TestAddMessage_Idempotent(t *testing.T) {
	var s State
	s = Reduce(s, AddMessage{ConversationID: "c1", Message: msg("c1", "m1")})
	once := s.Messages["c1"]
	s = Reduce(s, AddMessage{ConversationID: "c1", Message: msg("c1", "m1")})

	if !reflect.DeepEqual(s.Messages["c1"], once) {
		t.Errorf("second AddMessage changed list: got %v want %v", ids(s.Messages["c1"]), ids(once))
	}
}

func TestAddMessage_PreservesDispatchOrder(t *testing.T) {
	var s State
	order := []string{"m3", "m1", "m2"}
	for _, id := range order {
		s = Reduce(s, AddMessage{ConversationID: "c1", Message: msg("c1", id)})
	}
	if got := ids(s.Messages["c1"]); !reflect.DeepEqual(got, order) {
		t.Errorf("order = %v, want %v", got, order)
	}
}

func TestSetMessages_Isolated(t *testing.T) {
	var s State
	s = Reduce(s, SetMessages{ConversationID: "b", Messages: []models.Message{msg("b", "x")}})
	before := s.Messages["b"]

	s = Reduce(s, SetMessages{ConversationID: "a", Messages: []models.Message{msg("a", "1"), msg("a", "2")}})

	if !reflect.DeepEqual(s.Messages["b"], before) {
		t.Errorf("SetMessages(a) altered b: got %v want %v", ids(s.Messages["b"]), ids(before))
	}
	if got := ids(s.Messages["a"]); !reflect.DeepEqual(got, []string{"1", "2"}) {
		t.Errorf("a = %v", got)
	}
}

func TestReduce_DoesNotMutateInput(t *testing.T) {
	var s State
	s = Reduce(s, AddMessage{ConversationID: "c1", Message: msg("c1", "m1")})
	snapshot := s

	_ = Reduce(s, AddMessage{ConversationID: "c1", Message: msg("c1", "m2")})
	_ = Reduce(s, SetMessages{ConversationID: "c2", Messages: nil})

	if len(snapshot.Messages["c1"]) != 1 {
		t.Errorf("input state changed: c1 has %d messages", len(snapshot.Messages["c1"]))
	}
	if _, ok := snapshot.Messages["c2"]; ok {
		t.Errorf("input state gained c2")
	}
}

func TestSetConversations_Replaces(t *testing.T) {
	var s State
	s = Reduce(s, SetConversations{Conversations: []models.Conversation{{ID: "c1"}, {ID: "c2"}}})
	s = Reduce(s, SetConversations{Conversations: []models.Conversation{{ID: "c3"}}})

	if len(s.Conversations) != 1 || s.Conversations[0].ID != "c3" {
		t.Errorf("Conversations = %+v, want only c3", s.Conversations)
	}
}

func TestSetActiveConversation(t *testing.T) {
	var s State
	c := &models.Conversation{ID: "c1", Title: "Lease"}
	s = Reduce(s, SetActiveConversation{Conversation: c})
	c.Title = "changed"

	if s.ActiveConversation == nil || s.ActiveConversation.Title != "Lease" {
		t.Fatalf("ActiveConversation = %+v, want copy titled Lease", s.ActiveConversation)
	}

	s = Reduce(s, SetActiveConversation{})
	if s.ActiveConversation != nil {
		t.Errorf("ActiveConversation = %+v, want nil", s.ActiveConversation)
	}
}

func TestStore_DispatchNotifies(t *testing.T) {
	st := New()
	var got []bool
	unsubscribe := st.Subscribe(func(s State) { got = append(got, s.SocketConnected) })

	st.Dispatch(SetSocketConnected{Connected: true})
	st.Dispatch(SetSocketConnected{Connected: false})
	unsubscribe()
	st.Dispatch(SetSocketConnected{Connected: true})

	if !reflect.DeepEqual(got, []bool{true, false}) {
		t.Errorf("notifications = %v, want [true false]", got)
	}
	if !st.State().SocketConnected {
		t.Errorf("SocketConnected = false, want true")
	}
}

func TestStore_MessagesLoaded(t *testing.T) {
	st := New()
	if _, ok := st.Messages("c1"); ok {
		t.Fatalf("c1 reported loaded before any dispatch")
	}
	st.Dispatch(SetMessages{ConversationID: "c1"})
	if _, ok := st.Messages("c1"); !ok {
		t.Fatalf("c1 not loaded after SetMessages")
	}
}

func TestStore_StateIsSnapshot(t *testing.T) {
	st := New()
	st.Dispatch(SetMessages{ConversationID: "c1", Messages: []models.Message{{ID: "m1"}}})

	unsubscribe := st.Subscribe(func(s State) { s.Messages["c9"] = []models.Message{{ID: "x"}} })
	st.Dispatch(SetSocketConnected{Connected: true})
	unsubscribe()

	snap := st.State()
	snap.Messages["c2"] = []models.Message{{ID: "m2"}}
	delete(snap.Messages, "c1")

	got := st.State()
	if _, ok := got.Messages["c9"]; ok {
		t.Errorf("listener write reached the store")
	}
	if _, ok := got.Messages["c2"]; ok {
		t.Errorf("snapshot write reached the store")
	}
	if list, ok := st.Messages("c1"); !ok || len(list) != 1 {
		t.Errorf("c1 = %v, %v after deleting from a snapshot", list, ok)
	}
}

func TestName(t *testing.T) {
	if got := Name(AddMessage{}); got != "ADD_MESSAGE" {
		t.Errorf("Name(AddMessage) = %q", got)
	}
}
