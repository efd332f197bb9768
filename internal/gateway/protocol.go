package gateway

import (
	"encoding/json"
	"time"

	"github.com/deskchat/deskchat/internal/auth"
	"github.com/deskchat/deskchat/internal/models"
)

// Inbound events.
const (
	EventAuth        = "auth"
	EventSendMessage = "sendMessage"
	EventGetHistory  = "getHistory"
	EventTyping      = "typing"
	EventStopTyping  = "stopTyping"
	EventJoinThread  = "joinThread"
	EventPing        = "ping"
)

// Outbound events.
const (
	EventAuthenticated    = "authenticated"
	EventAuthError        = "auth_error"
	EventHistory          = "history"
	EventMessage          = "message"
	EventMessageDelivered = "messageDelivered"
	EventMessageError     = "messageError"
	EventUserTyping       = "userTyping"
	EventOnlineUsers      = "onlineUsers"
	EventUserJoined       = "user_joined"
	EventUserLeft         = "user_left"
	EventHistoryPage      = "historyPage"
	EventThreadJoined     = "threadJoined"
	EventMessagesRead     = "messagesRead"
	EventError            = "error"
	EventPong             = "pong"
)

// Error codes carried in error payloads.
const (
	CodeNotAuthenticated = "not_authenticated"
	CodeValidation       = "validation"
	CodeThreadNotFound   = "thread_not_found"
	CodeThreadClosed     = "thread_closed"
	CodePersistence      = "persistence"
	CodeRateLimited      = "rate_limited"
	CodeBadRequest       = "bad_request"
	CodeAuthFailed       = "auth_failed"
)

// Envelope is the frame format in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ref   string          `json:"ref,omitempty"`
}

// AuthRequest is the payload of an auth frame.
type AuthRequest struct {
	Token string `json:"token"`
}

// SendMessageRequest is the payload of sendMessage.
type SendMessageRequest struct {
	Text          string `json:"text"`
	ThreadID      string `json:"threadId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// HistoryRequest is the payload of getHistory. Page is 0-indexed.
type HistoryRequest struct {
	ThreadID string `json:"threadId,omitempty"`
	Page     *int   `json:"page,omitempty"`
	Limit    *int   `json:"limit,omitempty"`
}

// TypingRequest is the payload of typing and stopTyping.
type TypingRequest struct {
	IsTyping bool   `json:"isTyping"`
	ThreadID string `json:"threadId,omitempty"`
}

// JoinThreadRequest is the payload of joinThread.
type JoinThreadRequest struct {
	ThreadID string `json:"threadId"`
}

// MessageDTO is a persisted message as seen by clients.
type MessageDTO struct {
	ID            uint       `json:"id"`
	Text          string     `json:"text"`
	Sender        string     `json:"sender"`
	SenderName    string     `json:"senderName,omitempty"`
	SenderID      string     `json:"senderId"`
	CorrelationID string     `json:"correlationId,omitempty"`
	ThreadID      string     `json:"threadId"`
	Status        string     `json:"status"`
	CreatedAt     time.Time  `json:"createdAt"`
	ReadAt        *time.Time `json:"readAt,omitempty"`
}

// NewMessageDTO converts a stored message. senderName may be empty.
func NewMessageDTO(m *models.Message, senderName string) MessageDTO {
	dto := MessageDTO{
		ID:         m.ID,
		Text:       m.Content,
		Sender:     m.SenderType,
		SenderName: senderName,
		ThreadID:   m.ThreadID,
		Status:     m.Status,
		CreatedAt:  m.CreatedAt,
		ReadAt:     m.ReadAt,
	}
	if m.SenderID != nil {
		dto.SenderID = *m.SenderID
	}
	if m.CorrelationID != nil {
		dto.CorrelationID = *m.CorrelationID
	}
	return dto
}

// AuthenticatedPayload confirms a successful handshake.
type AuthenticatedPayload struct {
	Identity  auth.Identity `json:"identity"`
	CompanyID string        `json:"companyId"`
	ThreadID  string        `json:"threadId"`
}

// AuthErrorPayload precedes the close of a rejected connection.
type AuthErrorPayload struct {
	Message string `json:"message"`
}

// DeliveredPayload acknowledges a sendMessage to its sender.
type DeliveredPayload struct {
	CorrelationID string     `json:"correlationId,omitempty"`
	Message       MessageDTO `json:"message"`
	ThreadID      string     `json:"threadId"`
}

// MessageErrorPayload reports a failed sendMessage to its sender only.
type MessageErrorPayload struct {
	Message       string `json:"message"`
	Code          string `json:"code"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// TypingPayload is relayed to the other members of a tenant.
type TypingPayload struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	IsTyping bool   `json:"isTyping"`
	ThreadID string `json:"threadId,omitempty"`
}

// OnlineUser is one element of an onlineUsers snapshot.
type OnlineUser struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Role        string    `json:"role"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// PresencePayload announces a user joining or leaving.
type PresencePayload struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	UserRole string `json:"userRole"`
}

// HistoryPagePayload answers getHistory. Error is set instead of failing
// the request.
type HistoryPagePayload struct {
	ThreadID string       `json:"threadId"`
	Page     int          `json:"page"`
	Limit    int          `json:"limit"`
	HasMore  bool         `json:"hasMore"`
	Messages []MessageDTO `json:"messages"`
	Error    *ErrorBody   `json:"error,omitempty"`
}

// ThreadJoinedPayload answers joinThread.
type ThreadJoinedPayload struct {
	ThreadID   string `json:"threadId"`
	MarkedRead int64  `json:"markedRead"`
}

// MessagesReadPayload is sent to a thread's members after a reader marks
// messages read.
type MessagesReadPayload struct {
	ThreadID string    `json:"threadId"`
	ReaderID string    `json:"readerId"`
	Count    int64     `json:"count"`
	ReadAt   time.Time `json:"readAt"`
}

// ErrorBody is the payload of an error frame.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Encode builds a frame. Payloads are plain structs, so marshalling cannot
// fail in practice; a failure yields an error frame instead.
func Encode(event, ref string, payload any) []byte {
	env := Envelope{Event: event, Ref: ref}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			data, _ = json.Marshal(ErrorBody{Code: CodeBadRequest, Message: "encode failed"})
			env.Event = EventError
		}
		env.Data = data
	}
	frame, _ := json.Marshal(env)
	return frame
}
