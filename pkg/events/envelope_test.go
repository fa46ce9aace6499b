package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	env, err := New("modelRun:progress", "execute", "it-1", map[string]int{"done": 1})
	require.NoError(t, err)
	assert.NotEmpty(t, env.ID)
	assert.Equal(t, "it-1", env.IterationID)
	assert.JSONEq(t, `{"done":1}`, string(env.Payload))

	_, err = New("bad", "x", "it", make(chan int))
	assert.Error(t, err)
}

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	for _, typ := range []string{"status", "iteration:done"} {
		env, err := New(typ, "test", "it-1", nil)
		require.NoError(t, err)
		require.NoError(t, r.Append(context.Background(), env))
	}
	assert.Equal(t, []string{"status", "iteration:done"}, r.Types())
	assert.Len(t, r.Events(), 2)
	assert.NoError(t, NoOpEventSink{}.Append(context.Background(), Envelope{}))
}
