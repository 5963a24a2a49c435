package queue_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/genqueue/internal/queue"
)

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := queue.NewRegistry()
	assert.False(t, r.Has(queue.TypeWelcome))

	queue.Register(r, func(ctx context.Context, p queue.Welcome) (any, error) { return nil, nil })
	queue.Register(r, func(ctx context.Context, p queue.PasswordReset) (any, error) { return nil, nil })

	assert.True(t, r.Has(queue.TypeWelcome))
	assert.Equal(t, []queue.JobType{queue.TypePasswordReset, queue.TypeWelcome}, r.Types())

	require.NoError(t, r.Require(queue.TypeWelcome, queue.TypePasswordReset))

	err := r.Require(queue.TypeWelcome, queue.TypeTaskCompleted, queue.TypeTaskFailed)
	require.Error(t, err)
	assert.ErrorIs(t, err, queue.ErrUnknownJobType)
	assert.Contains(t, err.Error(), string(queue.TypeTaskCompleted))
	assert.Contains(t, err.Error(), string(queue.TypeTaskFailed))
}
