package chatsync

import "rentchat/internal/socket"

// Realtime is the push channel the controller listens to. *socket.Manager
// implements it; NopRealtime stands in when real-time updates are not wired.
type Realtime interface {
	On(name string, l socket.Listener) func()
	Connect(token string) error
	Disconnect()
	Connected() bool
}

// NopRealtime never connects and never emits.
type NopRealtime struct{}

func (NopRealtime) On(string, socket.Listener) func() { return func() {} }
func (NopRealtime) Connect(string) error              { return nil }
func (NopRealtime) Disconnect()                       {}
func (NopRealtime) Connected() bool                   { return false }

var _ Realtime = (*socket.Manager)(nil)
