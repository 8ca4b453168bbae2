package model

// NotificationSettings gates the three alert channels of the notification
// bridge independently. Defaults are all-on for a new user.
type NotificationSettings struct {
	UserID        string `json:"user_id"`
	SoundEnabled  bool   `json:"sound_enabled"`
	SystemEnabled bool   `json:"system_enabled"`
	ToastEnabled  bool   `json:"toast_enabled"`
}

// DefaultNotificationSettings returns the all-on defaults for a user.
func DefaultNotificationSettings(userID string) NotificationSettings {
	return NotificationSettings{
		UserID:        userID,
		SoundEnabled:  true,
		SystemEnabled: true,
		ToastEnabled:  true,
	}
}
