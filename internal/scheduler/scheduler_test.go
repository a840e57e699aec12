package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartSchedulesDailyRun(t *testing.T) {
	s := New("06:00", time.Minute, func(context.Context) error { return nil })
	require.NoError(t, s.Start())
	defer s.Stop()

	next := s.NextRun().UTC()
	assert.Equal(t, 6, next.Hour())
	assert.Equal(t, 0, next.Minute())
	assert.True(t, next.After(time.Now()))
	assert.False(t, next.After(time.Now().Add(24*time.Hour)))
}

func TestStartRejectsBadTime(t *testing.T) {
	s := New("25:99", time.Minute, func(context.Context) error { return nil })
	assert.Error(t, s.Start())
}

func TestStartWithoutJob(t *testing.T) {
	assert.ErrorIs(t, New("06:00", 0, nil).Start(), ErrNoJob)
	assert.True(t, New("06:00", 0, nil).NextRun().IsZero())
}

func TestRunPassesDeadline(t *testing.T) {
	var deadline bool
	s := New("06:00", time.Minute, func(ctx context.Context) error {
		_, deadline = ctx.Deadline()
		return nil
	})
	s.run()
	assert.True(t, deadline)
}
