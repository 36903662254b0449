// Package view holds what the owning view renders: the open conversation and
// its messages, the conversation list of the watched connection, stats, the
// displayed typing users and the loading flags. Refetch results land here.
//
// State must only be touched from the session's event loop.
package view

import (
	"time"

	"github.com/megan/livesync/internal/api"
)

// Change names the part of the state that was replaced.
type Change string

const (
	ChangeConversation Change = "conversation"
	ChangeMessages     Change = "messages"
	ChangeList         Change = "list"
	ChangeStats        Change = "stats"
	ChangeTyping       Change = "typing"
	ChangeLoading      Change = "loading"
)

// Loading flags one outstanding fetch per target.
type Loading struct {
	Conversation bool `json:"conversation"`
	Messages     bool `json:"messages"`
	List         bool `json:"list"`
}

// Snapshot is a copy of the view state.
type Snapshot struct {
	ConversationID string             `json:"conversationId"`
	Conversation   *api.Conversation  `json:"conversation,omitempty"`
	Messages       []api.Message      `json:"messages"`
	ConnectionID   string             `json:"connectionId"`
	Conversations  []api.Conversation `json:"conversations"`
	Pagination     api.Pagination     `json:"pagination"`
	Stats          *api.Stats         `json:"stats,omitempty"`
	Typing         []string           `json:"typing"`
	Loading        Loading            `json:"loading"`
	RefreshedAt    time.Time          `json:"refreshedAt"`
}

type listener struct {
	fn       func(Change, Snapshot)
	released bool
}

// State is the mutable view model.
type State struct {
	now       func() time.Time
	snap      Snapshot
	listeners []*listener
}

// New creates an empty state. now stamps RefreshedAt.
func New(now func() time.Time) *State {
	if now == nil {
		now = time.Now
	}
	return &State{now: now}
}

// OnChange registers fn for every change.
func (s *State) OnChange(fn func(Change, Snapshot)) (release func()) {
	l := &listener{fn: fn}
	s.listeners = append(s.listeners, l)
	return func() { l.released = true }
}

// Snapshot returns a copy of the current state.
func (s *State) Snapshot() Snapshot {
	out := s.snap
	out.Messages = append([]api.Message(nil), s.snap.Messages...)
	out.Conversations = append([]api.Conversation(nil), s.snap.Conversations...)
	out.Typing = append([]string(nil), s.snap.Typing...)
	if s.snap.Conversation != nil {
		c := *s.snap.Conversation
		out.Conversation = &c
	}
	if s.snap.Stats != nil {
		st := *s.snap.Stats
		out.Stats = &st
	}
	return out
}

// ConversationID returns the displayed conversation.
func (s *State) ConversationID() string { return s.snap.ConversationID }

// ConnectionID returns the watched connection.
func (s *State) ConnectionID() string { return s.snap.ConnectionID }

// ShowConversation switches the displayed conversation and clears what
// belonged to the previous one.
func (s *State) ShowConversation(id string) {
	if s.snap.ConversationID == id {
		return
	}
	s.snap.ConversationID = id
	s.snap.Conversation = nil
	s.snap.Messages = nil
	s.snap.Typing = nil
	s.snap.Loading.Conversation = false
	s.snap.Loading.Messages = false
	s.emit(ChangeConversation)
}

// ShowConnection switches the watched connection and clears its list.
func (s *State) ShowConnection(id string) {
	if s.snap.ConnectionID == id {
		return
	}
	s.snap.ConnectionID = id
	s.snap.Conversations = nil
	s.snap.Pagination = api.Pagination{}
	s.snap.Stats = nil
	s.snap.Loading.List = false
	s.emit(ChangeList)
}

// SetConversation stores refetched metadata of the displayed conversation.
// A result for any other conversation is ignored.
func (s *State) SetConversation(c *api.Conversation) bool {
	if c == nil || c.ID != s.snap.ConversationID {
		return false
	}
	s.snap.Conversation = c
	s.snap.Loading.Conversation = false
	s.touch(ChangeConversation)
	return true
}

// SetMessages stores a refetched message page of conversationID.
func (s *State) SetMessages(conversationID string, messages []api.Message) bool {
	if conversationID != s.snap.ConversationID {
		return false
	}
	s.snap.Messages = messages
	s.snap.Loading.Messages = false
	s.touch(ChangeMessages)
	return true
}

// SetList stores a refetched conversation list of connectionID.
func (s *State) SetList(connectionID string, page *api.ConversationPage) bool {
	if page == nil || connectionID != s.snap.ConnectionID {
		return false
	}
	s.snap.Conversations = page.Conversations
	s.snap.Pagination = page.Pagination
	s.snap.Loading.List = false
	s.touch(ChangeList)
	return true
}

// SetStats stores refetched stats of connectionID.
func (s *State) SetStats(connectionID string, stats *api.Stats) bool {
	if stats == nil || connectionID != s.snap.ConnectionID {
		return false
	}
	s.snap.Stats = stats
	s.touch(ChangeStats)
	return true
}

// SetTyping replaces the displayed typing users.
func (s *State) SetTyping(users []string) {
	s.snap.Typing = append([]string(nil), users...)
	s.emit(ChangeTyping)
}

// SetLoading updates the loading flags.
func (s *State) SetLoading(fn func(*Loading)) {
	before := s.snap.Loading
	fn(&s.snap.Loading)
	if before != s.snap.Loading {
		s.emit(ChangeLoading)
	}
}

func (s *State) touch(c Change) {
	s.snap.RefreshedAt = s.now()
	s.emit(c)
}

func (s *State) emit(c Change) {
	if len(s.listeners) == 0 {
		return
	}
	snap := s.Snapshot()
	ls := append([]*listener(nil), s.listeners...)
	for _, l := range ls {
		if !l.released {
			l.fn(c, snap)
		}
	}
}
