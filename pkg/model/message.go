package model

import (
	"encoding/json"
	"time"
)

// MessageType classifies router messages.
type MessageType string

// Message types.
const (
	MessageRequest   MessageType = "request"
	MessageResponse  MessageType = "response"
	MessageEvent     MessageType = "event"
	MessageBroadcast MessageType = "broadcast"
	MessageSystem    MessageType = "system"
)

// BroadcastTarget addresses every registered endpoint.
const BroadcastTarget = "*"

// Message is the unit of inter-agent communication. To may name a single
// agent, a list of agents, or BroadcastTarget; when Channel is set, delivery
// targets the channel's participants instead.
type Message struct {
	ID            string          `json:"id"`
	Type          MessageType     `json:"type"`
	From          string          `json:"from"`
	To            []string        `json:"to,omitempty"`
	Channel       string          `json:"channel,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	TTL           time.Duration   `json:"ttl,omitempty"`
	Priority      TaskPriority    `json:"priority,omitempty"`
	RequiresAck   bool            `json:"requires_ack,omitempty"`
	RetryCount    int             `json:"retry_count,omitempty"`
	MaxRetries    int             `json:"max_retries,omitempty"`
}

// ChannelType selects channel delivery semantics.
type ChannelType string

// Channel types.
const (
	ChannelDirect    ChannelType = "direct"
	ChannelBroadcast ChannelType = "broadcast"
	ChannelTopic     ChannelType = "topic"
	ChannelQueue     ChannelType = "queue"
)

// ChannelConfig bounds channel retention.
type ChannelConfig struct {
	Persistent     bool          `json:"persistent"`
	MaxMessages    int           `json:"max_messages"`
	Retention      time.Duration `json:"retention"`
	AllowAnonymous bool          `json:"allow_anonymous"`
}

// Channel groups participant agents for topic or queue style delivery.
// Participants that are no longer registered are skipped silently.
type Channel struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Type         ChannelType   `json:"type"`
	Participants []string      `json:"participants"`
	Config       ChannelConfig `json:"config"`
	Created      time.Time     `json:"created"`
}
