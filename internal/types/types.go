package types

import (
	"time"
)

type MessageType string

const (
	MessageTypeText   MessageType = "TEXT"
	MessageTypeSystem MessageType = "SYSTEM"
)

// Identity is the user riding on a single relay connection.
// The connection id is server-local and never serialized.
type Identity struct {
	ConnectionId string `json:"-"`
	UserId       string `json:"id"`
	DisplayName  string `json:"name"`
	AvatarUrl    string `json:"image,omitempty"`
}

type Message struct {
	Id             string       `json:"id"`
	ConversationId string       `json:"conversation_id"`
	SenderId       string       `json:"sender_id"`
	SenderName     string       `json:"sender_name,omitempty"`
	SenderImage    string       `json:"sender_image,omitempty"`
	Content        string       `json:"content"`
	MessageType    MessageType  `json:"message_type"`
	ReplyToId      string       `json:"reply_to_id,omitempty"`
	ReplyTo        *Message     `json:"reply_to,omitempty"`
	ClientMsgId    string       `json:"client_msg_id,omitempty"`
	Edited         bool         `json:"edited"`
	IsDeleted      bool         `json:"is_deleted"`
	Reactions      []Reaction   `json:"reactions"`
	Attachments    []Attachment `json:"attachments"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at,omitempty"`
}

type Reaction struct {
	Id             string    `json:"id"`
	MessageId      string    `json:"message_id"`
	ConversationId string    `json:"conversation_id,omitempty"`
	UserId         string    `json:"user_id"`
	UserName       string    `json:"user_name,omitempty"`
	Emoji          string    `json:"emoji"`
	CreatedAt      time.Time `json:"created_at,omitempty"`
}

type Attachment struct {
	Id        string    `json:"id"`
	MessageId string    `json:"message_id"`
	FileName  string    `json:"file_name"`
	FileUrl   string    `json:"file_url"`
	FileType  string    `json:"file_type"`
	FileSize  int64     `json:"file_size"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}
