package pubsub

import (
	"context"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func newTestClient(t *testing.T) (*pubsub.Client, *pstest.Server) {
	t.Helper()
	ctx := context.Background()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)
	return client, srv
}

func TestPublisherPublishesJSON(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	client, srv := newTestClient(t)
	_, err := client.CreateTopic(ctx, "item-events")
	require.NoError(t, err)

	pub := New(client, nil)
	id, err := pub.Publish(ctx, "item-events", map[string]string{"item_id": "abc"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.JSONEq(t, `{"item_id":"abc"}`, string(msgs[0].Data))
	require.Equal(t, id, msgs[0].ID)

	require.NoError(t, pub.Close())
}

func TestPublisherMissingTopic(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	client, _ := newTestClient(t)
	pub := New(client, nil)
	t.Cleanup(func() { _ = pub.Close() })

	_, err := pub.Publish(ctx, "missing", "payload")
	require.Error(t, err)
}

func TestPublisherRejectsUnencodable(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t)
	pub := New(client, nil)
	t.Cleanup(func() { _ = pub.Close() })

	_, err := pub.Publish(context.Background(), "item-events", make(chan int))
	require.Error(t, err)
}

func TestPublisherNotConfigured(t *testing.T) {
	t.Parallel()

	var pub *Publisher
	_, err := pub.Publish(context.Background(), "t", "x")
	require.Error(t, err)
	require.NoError(t, pub.Close())
}

func TestCarrier(t *testing.T) {
	t.Parallel()

	c := &pubsubCarrier{attrs: map[string]string{}}
	c.Set("traceparent", "00-abc")
	require.Equal(t, "00-abc", c.Get("traceparent"))
	require.Equal(t, []string{"traceparent"}, c.Keys())
}
