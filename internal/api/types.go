package api

import "time"

// Conversation statuses.
const (
	StatusActive    = "active"
	StatusClosed    = "closed"
	StatusWaiting   = "waiting"
	StatusBotActive = "bot_active"
)

// Message directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Conversation is a WhatsApp conversation as returned by the REST service.
type Conversation struct {
	ID           string       `json:"_id"`
	UserID       string       `json:"userId"`
	ConnectionID string       `json:"whatsappConnectionId"`
	ContactPhone string       `json:"contactPhone"`
	Status       string       `json:"status"`
	AssignedTo   string       `json:"assignedTo,omitempty"`
	Tags         []string     `json:"tags"`
	Notes        string       `json:"notes,omitempty"`
	LastMessage  *LastMessage `json:"lastMessage,omitempty"`
	Contact      *Contact     `json:"contactId,omitempty"`
	Statistics   Statistics   `json:"statistics"`
	Automation   Automation   `json:"automationSettings"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// LastMessage is the conversation's preview line.
type LastMessage struct {
	Content     string    `json:"content"`
	Timestamp   time.Time `json:"timestamp"`
	FromBot     bool      `json:"fromBot"`
	MessageType string    `json:"messageType"`
}

// Contact is the populated contact of a conversation.
type Contact struct {
	ID    string   `json:"_id"`
	Name  string   `json:"name"`
	Phone string   `json:"phone"`
	Email string   `json:"email,omitempty"`
	Tags  []string `json:"tags"`
}

// Statistics are per-conversation counters.
type Statistics struct {
	MessageCount      int `json:"messageCount"`
	BotMessageCount   int `json:"botMessageCount"`
	HumanMessageCount int `json:"humanMessageCount"`
}

// Automation describes whether the bot is handling the conversation.
type Automation struct {
	Enabled   bool   `json:"enabled"`
	AIEnabled bool   `json:"aiEnabled"`
	FlowID    string `json:"flowId,omitempty"`
}

// DisplayName returns the contact name, falling back to the phone number.
func (c *Conversation) DisplayName() string {
	if c.Contact != nil && c.Contact.Name != "" {
		return c.Contact.Name
	}
	return c.ContactPhone
}

// Message is one WhatsApp message.
type Message struct {
	ID             string         `json:"_id"`
	ConversationID string         `json:"conversationId"`
	ConnectionID   string         `json:"whatsappConnectionId"`
	Direction      string         `json:"direction"`
	SenderType     string         `json:"senderType"` // contact, bot or human
	Content        MessageContent `json:"content"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// MessageContent is the message body.
type MessageContent struct {
	Text string `json:"text,omitempty"`
	Type string `json:"type"`
}

// Inbound reports whether the message was sent by the contact.
func (m Message) Inbound() bool { return m.Direction == DirectionInbound }

// Pagination is the page metadata of list responses.
type Pagination struct {
	Current int `json:"current"`
	Pages   int `json:"pages"`
	Total   int `json:"total"`
}

// MessagePage is one page of messages.
type MessagePage struct {
	Messages   []Message  `json:"messages"`
	Pagination Pagination `json:"pagination"`
}

// ConversationPage is one page of conversations.
type ConversationPage struct {
	Conversations []Conversation `json:"conversations"`
	Pagination    Pagination     `json:"pagination"`
}

// ListQuery selects conversations of a connection.
type ListQuery struct {
	ConnectionID string
	Page         int
	Limit        int
	Status       string
}

// SendResult is the acknowledgment of a sent message.
type SendResult struct {
	Message           string `json:"message"`
	MessageID         string `json:"messageId"`
	WhatsAppMessageID string `json:"whatsappMessageId,omitempty"`
}

// Stats summarises a connection's activity over a period.
type Stats struct {
	Period        string `json:"period"`
	Conversations struct {
		Total  int `json:"total"`
		Active int `json:"active"`
		New    int `json:"new"`
	} `json:"conversations"`
	Messages struct {
		Total        int    `json:"total"`
		Inbound      int    `json:"inbound"`
		Outbound     int    `json:"outbound"`
		ResponseRate string `json:"responseRate"`
	} `json:"messages"`
}
