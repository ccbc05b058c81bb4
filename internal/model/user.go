package model

import "time"

// User is the identity supplied by the auth layer, with the display data shown next to messages.
type User struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	AvatarRef   string    `json:"avatar_ref"`
	CreatedAt   time.Time `json:"created_at"`
}
