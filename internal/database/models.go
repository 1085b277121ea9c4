package database

import (
	"database/sql"
	"time"
)

type User struct {
	Id        string
	Name      string
	Image     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Message struct {
	Id             string
	ConversationId string
	SenderId       string
	SenderName     string
	SenderImage    string
	Content        string
	MessageType    string
	ReplyToId      sql.NullString
	ClientMsgId    sql.NullString
	Edited         bool
	IsDeleted      bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ReplyTo        *Message
	Reactions      []Reaction
	Attachments    []Attachment
}

type Reaction struct {
	Id             string
	MessageId      string
	ConversationId string
	UserId         string
	UserName       string
	Emoji          string
	CreatedAt      time.Time
}

type Attachment struct {
	Id        string
	MessageId string
	FileName  string
	FileUrl   string
	FileType  string
	FileSize  int64
	CreatedAt time.Time
}

type UpsertUserParams struct {
	Id    string
	Name  string
	Image string
}

type CreateMessageParams struct {
	Id             string
	ConversationId string
	SenderId       string
	Content        string
	MessageType    string
	ReplyToId      string
	ClientMsgId    string
}

type ReactionParams struct {
	Id        string
	MessageId string
	UserId    string
	Emoji     string
}
