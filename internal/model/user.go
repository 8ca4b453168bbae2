package model

import "time"

type Role string

const (
	RoleCustomer Role = "customer"
	RoleMechanic Role = "mechanic"
)

type User struct {
	ID         string    `json:"id"`
	Username   string    `json:"username"`
	Role       Role      `json:"role"`
	Email      string    `json:"email"`
	AvatarURL  string    `json:"avatar_url"`
	IsOnline   bool      `json:"is_online"`
	LastSeenAt time.Time `json:"last_seen_at"`
	CreatedAt  time.Time `json:"created_at"`
}

type UserPublic struct {
	ID         string    `json:"id"`
	Username   string    `json:"username"`
	Role       Role      `json:"role"`
	AvatarURL  string    `json:"avatar_url"`
	IsOnline   bool      `json:"is_online"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

func (u *User) ToPublic() UserPublic {
	return UserPublic{
		ID:         u.ID,
		Username:   u.Username,
		Role:       u.Role,
		AvatarURL:  u.AvatarURL,
		IsOnline:   u.IsOnline,
		LastSeenAt: u.LastSeenAt,
	}
}
