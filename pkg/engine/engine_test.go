package engine

import (
	"context"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/grovekit/grove/pkg/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusHelpers(t *testing.T) {
	status := &Status{Members: []Member{
		{ID: "node-0", State: StateOnline, Primary: true},
		{ID: "node-1", State: StateOnline},
	}}

	assert.Equal(t, "node-0", status.PrimaryID())

	m, ok := status.Member("node-1")
	require.True(t, ok)
	assert.Equal(t, StateOnline, m.State)

	_, ok = status.Member("node-9")
	assert.False(t, ok)

	empty := &Status{}
	assert.Equal(t, "", empty.PrimaryID())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{name: "nil", err: nil},
		{
			name:      "deadlock is transient",
			err:       &mysql.MySQLError{Number: 1213, Message: "deadlock"},
			transient: true,
		},
		{
			name: "lock wait is transient",
			err:  &mysql.MySQLError{Number: 1205, Message: "lock wait timeout"},

			transient: true,
		},
		{
			name: "access denied is a precondition",
			err:  &mysql.MySQLError{Number: 1045, Message: "access denied"},
		},
		{
			name: "other engine errors pass through",
			err:  &mysql.MySQLError{Number: 1064, Message: "syntax"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.err)
			if tt.err == nil {
				assert.NoError(t, got)
				return
			}
			assert.Equal(t, tt.transient, errdefs.IsTransient(got))
		})
	}

	denied := classify(&mysql.MySQLError{Number: 1045})
	assert.True(t, errdefs.IsPrecondition(denied))
}

func TestFakeAdminIdempotentMembership(t *testing.T) {
	ctx := context.Background()
	fake := NewFakeAdmin()

	require.NoError(t, fake.AddInstance(ctx, "node-0", "10.0.0.1:3306"))
	// Retry after an unacknowledged success: must not duplicate.
	require.NoError(t, fake.AddInstance(ctx, "node-0", "10.0.0.1:3306"))
	assert.Equal(t, []string{"node-0"}, fake.MemberIDs())

	// Removing an absent member is a no-op, not an error.
	require.NoError(t, fake.RemoveInstance(ctx, "node-9"))
}

func TestFakeAdminFailureInjection(t *testing.T) {
	ctx := context.Background()
	fake := NewFakeAdmin()
	fake.FailNext("ClusterStatus", 2)

	_, err := fake.ClusterStatus(ctx)
	assert.True(t, errdefs.IsTransient(err))
	_, err = fake.ClusterStatus(ctx)
	assert.True(t, errdefs.IsTransient(err))
	_, err = fake.ClusterStatus(ctx)
	assert.NoError(t, err)
}

func TestValidSysVar(t *testing.T) {
	assert.True(t, validSysVar("innodb_buffer_pool_size"))
	assert.False(t, validSysVar(""))
	assert.False(t, validSysVar("x; DROP TABLE"))
}

func TestQuoteIdentRejectsQuotedNames(t *testing.T) {
	got, err := quoteIdent("clusteradmin")
	require.NoError(t, err)
	assert.Equal(t, "'clusteradmin'", got)

	for _, name := range []string{"", "bad'name", "bad`name", `bad"name`, `bad\name`} {
		_, err := quoteIdent(name)
		require.Error(t, err, "name %q must be rejected", name)
		assert.True(t, errdefs.IsInvalidArgument(err))
	}
}
