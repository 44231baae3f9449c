package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "imports", map[string]string{"run_id": "r1"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "audit", "payload")
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "imports", msgs[0].Topic)
	require.JSONEq(t, `{"run_id":"r1"}`, string(msgs[0].Data))
	require.Equal(t, `"payload"`, string(msgs[1].Data))

	msgs[0].Topic = "modified"
	require.Equal(t, "imports", pub.Messages()[0].Topic, "Messages must return a copy")
}

func TestPublisherFailures(t *testing.T) {
	t.Parallel()

	pub := New()
	boom := errors.New("broker down")
	pub.FailWith(boom)
	_, err := pub.Publish(context.Background(), "imports", "x")
	require.ErrorIs(t, err, boom)
	require.Empty(t, pub.Messages())

	_, err = pub.Publish(context.Background(), "imports", func() {})
	require.ErrorContains(t, err, "marshal payload")

	pub.FailWith(nil)
	_, err = pub.Publish(context.Background(), "imports", "x")
	require.NoError(t, err)
}
