package model

import "time"

type UserPreferences struct {
	Theme         string `json:"theme"`
	Notifications bool   `json:"notifications"`
	DefaultListID string `json:"defaultListId,omitempty"`
}

type User struct {
	ID          string          `json:"id"`
	Email       string          `json:"email"`
	DisplayName string          `json:"displayName"`
	PhotoURL    string          `json:"photoURL,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	Preferences UserPreferences `json:"preferences"`
}
