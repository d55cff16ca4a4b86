package license

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypeDurationDays(t *testing.T) {
	tests := []struct {
		name     string
		planType Type
		want     int
	}{
		{"trial is one week", TypeTrial, 7},
		{"weekly is one week", TypeWeekly, 7},
		{"monthly is thirty days", TypeMonthly, 30},
		{"yearly is one year", TypeYearly, 365},
		{"lifetime is thirty years", TypeLifetime, 10950},
		{"unknown falls back to a week", Type("bogus"), 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.planType.DurationDays())
		})
	}
}

func TestTypeValid(t *testing.T) {
	for _, valid := range []Type{TypeTrial, TypeWeekly, TypeMonthly, TypeYearly, TypeLifetime} {
		assert.True(t, valid.Valid(), string(valid))
	}
	assert.False(t, Type("platinum").Valid())
	assert.False(t, Type("").Valid())
}

func TestRemainingDays(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("nil expiry is unbounded", func(t *testing.T) {
		assert.Nil(t, RemainingDays(nil, now))
	})

	t.Run("exact seven days", func(t *testing.T) {
		expires := now.Add(7 * 24 * time.Hour)
		got := RemainingDays(&expires, now)
		require.NotNil(t, got)
		assert.Equal(t, 7, *got)
	})

	t.Run("partial day rounds up", func(t *testing.T) {
		expires := now.Add(6*24*time.Hour + time.Hour)
		got := RemainingDays(&expires, now)
		require.NotNil(t, got)
		assert.Equal(t, 7, *got)
	})

	t.Run("past expiry floors at zero", func(t *testing.T) {
		expires := now.Add(-48 * time.Hour)
		got := RemainingDays(&expires, now)
		require.NotNil(t, got)
		assert.Equal(t, 0, *got)
	})
}

func TestFormatExpiry(t *testing.T) {
	assert.Equal(t, "never", FormatExpiry(nil))

	expires := time.Date(2024, 6, 8, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "2024-06-08T12:00:00Z", FormatExpiry(&expires))
}

func TestRecordExpiredAt(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	assert.True(t, (&Record{ExpiresAt: &past}).ExpiredAt(now))
	assert.False(t, (&Record{ExpiresAt: &future}).ExpiredAt(now))
	assert.False(t, (&Record{}).ExpiredAt(now), "no expiry never expires")
}
