package conflict

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mistakeknot/envbook/internal/core"
	"github.com/mistakeknot/envbook/internal/storage/sqlite"
)

var base = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

func seedConflict(t *testing.T, st *sqlite.Store) core.Conflict {
	t.Helper()
	ctx := context.Background()
	env, err := st.CreateEnvironment(ctx, core.Environment{Name: "env"})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		res, err := st.CreateBooking(ctx, core.Booking{
			EnvironmentID: env.ID, UserID: int64(i + 1), ProjectName: "p",
			StartTime: base, EndTime: base.Add(time.Hour),
		})
		require.NoError(t, err)
		if i == 1 {
			require.Len(t, res.Conflicts, 1)
			return res.Conflicts[0]
		}
	}
	return core.Conflict{}
}

func TestResolveTwiceKeepsLatest(t *testing.T) {
	st := sqlite.NewSQLiteTest(t)
	c := seedConflict(t, st)
	now := base
	svc := NewService(st, nil).WithClock(func() time.Time { return now })
	ctx := context.Background()
	user := core.Actor{UserID: 5, Role: core.RoleUser}

	first, err := svc.Resolve(ctx, user, c.ID, "  swapped slots ")
	require.NoError(t, err)
	assert.Equal(t, core.Resolved, first.ResolutionStatus)
	assert.Equal(t, "swapped slots", first.ResolutionNotes)

	now = base.Add(time.Hour)
	second, err := svc.Resolve(ctx, core.Actor{UserID: 6, Role: core.RoleManager}, c.ID, "shared environment")
	require.NoError(t, err)
	assert.Equal(t, "shared environment", second.ResolutionNotes)
	require.NotNil(t, second.ResolvedAt)
	assert.True(t, second.ResolvedAt.Equal(now))
	require.NotNil(t, second.ResolvedBy)
	assert.EqualValues(t, 6, *second.ResolvedBy)

	got, err := svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, second, got)
}

func TestResolveAuthorization(t *testing.T) {
	st := sqlite.NewSQLiteTest(t)
	c := seedConflict(t, st)
	ctx := context.Background()
	var ae *core.AuthorizationError

	open := NewService(st, nil)
	_, err := open.Resolve(ctx, core.Actor{}, c.ID, "")
	assert.True(t, errors.As(err, &ae))

	strict := NewService(st, nil).RequireManager(true)
	_, err = strict.Resolve(ctx, core.Actor{UserID: 3, Role: core.RoleUser}, c.ID, "")
	assert.True(t, errors.As(err, &ae))
	_, err = strict.Resolve(ctx, core.Actor{UserID: 4, Role: core.RoleAdmin}, c.ID, "ok")
	assert.NoError(t, err)

	_, err = open.Resolve(ctx, core.Actor{UserID: 3}, 999, "")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestListFilters(t *testing.T) {
	st := sqlite.NewSQLiteTest(t)
	c := seedConflict(t, st)
	svc := NewService(st, nil)
	ctx := context.Background()

	open, err := svc.List(ctx, core.ConflictFilter{ResolutionStatus: core.Unresolved})
	require.NoError(t, err)
	assert.Len(t, open, 1)

	byBooking, err := svc.List(ctx, core.ConflictFilter{BookingID: c.BookingID2})
	require.NoError(t, err)
	assert.Len(t, byBooking, 1)

	_, err = svc.List(ctx, core.ConflictFilter{ResolutionStatus: "ignored"})
	var ve *core.ValidationError
	assert.True(t, errors.As(err, &ve))
}
