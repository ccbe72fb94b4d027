package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSession(t *testing.T) {
	t.Parallel()

	t.Run("generates an external ID when none is given", func(t *testing.T) {
		session, err := NewSession("", nil, nil, nil)
		require.NoError(t, err)
		assert.NotEmpty(t, session.SessionID)
		assert.Equal(t, SessionStatusActive, session.Status)
		assert.Nil(t, session.UserID)
		assert.Nil(t, session.ExpiresAt)
	})

	t.Run("keeps the caller-provided ID and metadata", func(t *testing.T) {
		userID := "user-42"
		expires := time.Now().UTC().Add(time.Hour)
		session, err := NewSession("ext-1", &userID, map[string]any{"origin": "api"}, &expires)
		require.NoError(t, err)
		assert.Equal(t, "ext-1", session.SessionID)
		assert.Equal(t, &userID, session.UserID)
		assert.Equal(t, "api", session.Metadata["origin"])
	})
}

func TestSessionIsExpired(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	tests := []struct {
		name      string
		expiresAt *time.Time
		want      bool
	}{
		{"no expiry never expires", nil, false},
		{"future expiry is not expired", &future, false},
		{"past expiry is expired", &past, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session, err := NewSession("s", nil, nil, tt.expiresAt)
			require.NoError(t, err)
			assert.Equal(t, tt.want, session.IsExpired(now))
		})
	}
}

func TestSessionIsExpiredIgnoresStoredStatus(t *testing.T) {
	t.Parallel()

	// A stale ACTIVE status must not mask a past expiry.
	past := time.Now().UTC().Add(-time.Hour)
	session, err := NewSession("s", nil, nil, &past)
	require.NoError(t, err)
	require.Equal(t, SessionStatusActive, session.Status)
	assert.True(t, session.IsExpired(time.Now().UTC()))
}

func TestSessionTouch(t *testing.T) {
	t.Parallel()

	session, err := NewSession("s", nil, nil, nil)
	require.NoError(t, err)

	before := session.LastAccessedAt
	time.Sleep(time.Millisecond)
	session.Touch()
	assert.True(t, session.LastAccessedAt.After(before))
}

func TestSessionUpdateStatus(t *testing.T) {
	t.Parallel()

	session, err := NewSession("s", nil, nil, nil)
	require.NoError(t, err)

	require.NoError(t, session.UpdateStatus(SessionStatusCompleted))
	assert.Equal(t, SessionStatusCompleted, session.Status)

	assert.ErrorIs(t, session.UpdateStatus("bogus"), ErrInvalidSessionStatus)
}

func TestDefaultSessionConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultSessionConfig("s")
	assert.False(t, cfg.BrowserEnabled)
	assert.True(t, cfg.AIEnabled)
	assert.True(t, cfg.QueueEnabled)
	assert.Equal(t, DefaultMaxConcurrentTasks, cfg.MaxConcurrentTasks)
	assert.NoError(t, cfg.Validate())
}

func TestSessionConfigValidate(t *testing.T) {
	t.Parallel()

	cfg := DefaultSessionConfig("s")
	cfg.MaxConcurrentTasks = 0
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidMaxConcurrentTasks)

	cfg = DefaultSessionConfig("")
	assert.ErrorIs(t, cfg.Validate(), ErrEmptySessionID)
}
