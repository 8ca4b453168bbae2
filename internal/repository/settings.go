package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/viafix/internal/logger"
	"github.com/viafix/internal/model"
)

type SettingsRepository struct {
	pool *pgxpool.Pool
}

func NewSettingsRepository(pool *pgxpool.Pool) *SettingsRepository {
	return &SettingsRepository{pool: pool}
}

// Get returns the user's notification settings, falling back to the all-on
// defaults when no row exists yet.
func (r *SettingsRepository) Get(ctx context.Context, userID string) (*model.NotificationSettings, error) {
	defer logger.DeferLogDuration("settings.Get", time.Now())()
	s := &model.NotificationSettings{}
	err := r.pool.QueryRow(ctx,
		`SELECT user_id, sound_enabled, system_enabled, toast_enabled
		 FROM notification_settings WHERE user_id = $1`, userID,
	).Scan(&s.UserID, &s.SoundEnabled, &s.SystemEnabled, &s.ToastEnabled)
	if errors.Is(err, pgx.ErrNoRows) {
		def := model.DefaultNotificationSettings(userID)
		return &def, nil
	}
	if err != nil {
		return nil, fmt.Errorf("settingsRepo.Get: %w", err)
	}
	return s, nil
}

func (r *SettingsRepository) Upsert(ctx context.Context, s *model.NotificationSettings) error {
	defer logger.DeferLogDuration("settings.Upsert", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO notification_settings (user_id, sound_enabled, system_enabled, toast_enabled)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id) DO UPDATE SET
		   sound_enabled = EXCLUDED.sound_enabled,
		   system_enabled = EXCLUDED.system_enabled,
		   toast_enabled = EXCLUDED.toast_enabled`,
		s.UserID, s.SoundEnabled, s.SystemEnabled, s.ToastEnabled,
	)
	if err != nil {
		return fmt.Errorf("settingsRepo.Upsert: %w", err)
	}
	return nil
}
