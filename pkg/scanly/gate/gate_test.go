package gate

import (
	"errors"
	"testing"
	"time"

	"github.com/scanly/scanly/pkg/scanly/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

func count(n int64) ScanCounter {
	return func() (int64, error) { return n, nil }
}

func mustNotCount(t *testing.T) ScanCounter {
	return func() (int64, error) {
		t.Fatal("scan count must not be read")
		return 0, nil
	}
}

func TestEvaluate_Table(t *testing.T) {
	tests := []struct {
		name           string
		state          State
		wantOutcome    Outcome
		wantDeactivate bool
	}{
		{
			name:        "live link proceeds",
			state:       State{IsActive: true, ScanCount: count(0)},
			wantOutcome: Proceed,
		},
		{
			name:        "inactive dominates everything",
			state:       State{IsActive: false, ExpiresAt: ptr(now.Add(-time.Hour)), MaxScans: ptr(1), IsPasswordProtected: true, HasPasswordHash: true},
			wantOutcome: DenyDeactivated,
		},
		{
			name:           "expired",
			state:          State{IsActive: true, ExpiresAt: ptr(now.Add(-time.Second))},
			wantOutcome:    DenyExpired,
			wantDeactivate: true,
		},
		{
			name:        "expiry exactly now is still live",
			state:       State{IsActive: true, ExpiresAt: ptr(now)},
			wantOutcome: Proceed,
		},
		{
			name:        "future expiry proceeds",
			state:       State{IsActive: true, ExpiresAt: ptr(now.Add(time.Hour))},
			wantOutcome: Proceed,
		},
		{
			name:           "limit reached",
			state:          State{IsActive: true, MaxScans: ptr(5), ScanCount: count(5)},
			wantOutcome:    DenyLimitReached,
			wantDeactivate: true,
		},
		{
			name:        "under limit",
			state:       State{IsActive: true, MaxScans: ptr(5), ScanCount: count(4)},
			wantOutcome: Proceed,
		},
		{
			name:           "expiry checked before limit",
			state:          State{IsActive: true, ExpiresAt: ptr(now.Add(-time.Hour)), MaxScans: ptr(1), ScanCount: count(10)},
			wantOutcome:    DenyExpired,
			wantDeactivate: true,
		},
		{
			name:        "password gated",
			state:       State{IsActive: true, IsPasswordProtected: true, HasPasswordHash: true},
			wantOutcome: RequireAuth,
		},
		{
			name:        "protection flag without hash is not enforced",
			state:       State{IsActive: true, IsPasswordProtected: true},
			wantOutcome: Proceed,
		},
		{
			name:        "hash without protection flag is not enforced",
			state:       State{IsActive: true, HasPasswordHash: true},
			wantOutcome: Proceed,
		},
		{
			name:           "limit checked before password",
			state:          State{IsActive: true, MaxScans: ptr(1), ScanCount: count(1), IsPasswordProtected: true, HasPasswordHash: true},
			wantOutcome:    DenyLimitReached,
			wantDeactivate: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := Evaluate(tt.state, now)
			require.NoError(t, err)
			assert.Equal(t, tt.wantOutcome, d.Outcome)
			assert.Equal(t, tt.wantDeactivate, d.Deactivate)
		})
	}
}

func TestEvaluate_InactiveNeverReadsCount(t *testing.T) {
	s := State{IsActive: false, MaxScans: ptr(1), ScanCount: mustNotCount(t)}
	for range 5 {
		d, err := Evaluate(s, now)
		require.NoError(t, err)
		assert.Equal(t, DenyDeactivated, d.Outcome)
		assert.False(t, d.Deactivate)
	}
}

func TestEvaluate_ExpiryThenDeactivated(t *testing.T) {
	link := &models.Link{IsActive: true, ExpiresAt: ptr(now.Add(-24 * time.Hour))}

	d, err := Evaluate(FromLink(link, mustNotCount(t)), now)
	require.NoError(t, err)
	assert.Equal(t, DenyExpired, d.Outcome)
	require.True(t, d.Deactivate)

	// Apply the mutation, then move the expiry into the future: the link stays dead.
	link.IsActive = false
	link.ExpiresAt = ptr(now.Add(24 * time.Hour))

	d, err = Evaluate(FromLink(link, mustNotCount(t)), now)
	require.NoError(t, err)
	assert.Equal(t, DenyDeactivated, d.Outcome)
	assert.False(t, d.Deactivate)
}

func TestEvaluate_CountErrorPropagates(t *testing.T) {
	boom := errors.New("db down")
	s := State{IsActive: true, MaxScans: ptr(3), ScanCount: func() (int64, error) { return 0, boom }}
	_, err := Evaluate(s, now)
	assert.ErrorIs(t, err, boom)
}

func TestEvaluate_NoCeilingSkipsCount(t *testing.T) {
	s := State{IsActive: true, ScanCount: mustNotCount(t)}
	d, err := Evaluate(s, now)
	require.NoError(t, err)
	assert.Equal(t, Proceed, d.Outcome)
}

func TestOutcomeDenied(t *testing.T) {
	assert.True(t, DenyDeactivated.Denied())
	assert.True(t, DenyExpired.Denied())
	assert.True(t, DenyLimitReached.Denied())
	assert.False(t, RequireAuth.Denied())
	assert.False(t, Proceed.Denied())
}
