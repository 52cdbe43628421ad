package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Broadcast is the recipient name that fans a message out to every
// registered handler except the sender.
const Broadcast = "broadcast"

// Recognized lifecycle subjects emitted by the core.
const (
	SubjectAgentStarted      = "agent_started"
	SubjectAgentComplete     = "agent_complete"
	SubjectIntentClassified  = "intent_classified"
	SubjectContextFabricated = "context_fabricated"
	SubjectSwarmStarted      = "swarm_started"
	SubjectRiskReviewStarted = "risk_review_started"
	SubjectReasoningStarted  = "reasoning_started"
	SubjectWhaleSignal       = "whale_signal"
	SubjectAnalysisResult    = "analysis_result"
	SubjectToolCall          = "tool_call"
	SubjectToolResult        = "tool_result"
)

// Message is the envelope exchanged between agents on the bus.
type Message struct {
	ID            uuid.UUID      `json:"id"`
	Sender        string         `json:"sender"`
	Recipient     string         `json:"recipient"` // agent name or "broadcast"
	Subject       string         `json:"subject"`
	Payload       map[string]any `json:"payload"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// NewMessage creates a message with defaults filled in.
func NewMessage(sender, recipient, subject string, payload map[string]any) *Message {
	if payload == nil {
		payload = make(map[string]any)
	}
	return &Message{
		ID:        uuid.New(),
		Sender:    sender,
		Recipient: recipient,
		Subject:   subject,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// WithCorrelationID sets the correlation ID
func (m *Message) WithCorrelationID(id string) *Message {
	m.CorrelationID = id
	return m
}

// WithPayload adds one payload entry
func (m *Message) WithPayload(key string, value any) *Message {
	m.Payload[key] = value
	return m
}

// Encode serializes the message for logging or transport.
func (m *Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return data, nil
}
