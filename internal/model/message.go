package model

import "time"

// ChannelMessage is one message posted to a team channel, persisted before
// fan-out so history survives the gateway.
type ChannelMessage struct {
	ID         int64     `json:"id" gorm:"primaryKey"`
	ChannelID  string    `json:"channelId" gorm:"size:64;index"`
	SenderID   string    `json:"senderId" gorm:"size:64;index"`
	Content    string    `json:"content" gorm:"type:text"`
	ClientTime time.Time `json:"clientTime"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// DirectMessage is one message between two users. ConversationID is the
// stable pair key the UI caches conversations under.
type DirectMessage struct {
	ID             int64     `json:"id" gorm:"primaryKey"`
	ConversationID string    `json:"conversationId" gorm:"size:128;index"`
	SenderID       string    `json:"senderId" gorm:"size:64;index"`
	RecipientID    string    `json:"recipientId" gorm:"size:64;index"`
	Content        string    `json:"content" gorm:"type:text"`
	ClientTime     time.Time `json:"clientTime"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}
