package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"growmate/internal/types"
)

// PreferenceSource reads notification preferences and activity profiles from
// the user_preferences and user_activity_profiles tables. Both are owned by
// the account service; this side only reads.
type PreferenceSource struct {
	db DBTX
}

var _ types.PreferenceSource = (*PreferenceSource)(nil)

// NewPreferenceSource creates a read-only preference source backed by the
// given database connection.
func NewPreferenceSource(db DBTX) *PreferenceSource {
	return &PreferenceSource{db: db}
}

// GetPreferences returns the user's notification preferences. A user without
// a row gets defaults: batching on, no quiet hours.
func (s *PreferenceSource) GetPreferences(ctx context.Context, userID string) (*types.UserPreferences, error) {
	prefs := &types.UserPreferences{UserID: userID}

	err := s.db.QueryRow(ctx,
		`SELECT COALESCE(quiet_hours_start, ''), COALESCE(quiet_hours_end, ''),
		        batching_enabled, max_batch_size, reminder_advance_minutes
		 FROM user_preferences
		 WHERE user_id = $1`,
		userID,
	).Scan(
		&prefs.QuietHoursStart,
		&prefs.QuietHoursEnd,
		&prefs.BatchingEnabled,
		&prefs.MaxBatchSize,
		&prefs.ReminderAdvanceMinutes,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			prefs.BatchingEnabled = true
			return prefs, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get user preferences", err)
	}
	return prefs, nil
}

// GetActivityProfile returns the user's activity profile, or nil when no
// history has been aggregated yet. A nil profile means timing optimization
// is skipped, not an error.
func (s *PreferenceSource) GetActivityProfile(ctx context.Context, userID string) (*types.UserActivityProfile, error) {
	profile := &types.UserActivityProfile{UserID: userID}

	err := s.db.QueryRow(ctx,
		`SELECT most_active_hours, COALESCE(timezone, 'UTC'), weekday_preference
		 FROM user_activity_profiles
		 WHERE user_id = $1`,
		userID,
	).Scan(
		&profile.MostActiveHours,
		&profile.Timezone,
		&profile.WeekdayPreference,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get activity profile", err)
	}
	return profile, nil
}
