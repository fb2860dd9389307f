package models

import "time"

// ChatMessage is one entry in a round's chat stream. CreatedAt is assigned
// by the store when the message is appended, never by the sender.
type ChatMessage struct {
	ID           string    `json:"id"`
	RoundID      string    `json:"roundId"`
	SenderID     string    `json:"senderId"`
	SenderName   string    `json:"senderName"`
	SenderAvatar string    `json:"senderAvatar,omitempty"`
	Body         string    `json:"body"`
	CreatedAt    time.Time `json:"createdAt"`
}

// UserRef identifies a message sender
type UserRef struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar,omitempty"`
}
