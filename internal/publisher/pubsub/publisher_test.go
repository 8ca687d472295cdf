// Package pubsub_test exercises the publisher against a fake Pub/Sub
// server.
package pubsub_test

import (
	"context"
	"encoding/json"
	"testing"

	gpubsub "cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/sentipol/harvester/internal/publisher/pubsub"
)

func TestPublisherPublishAndStop(t *testing.T) {
	ctx := context.Background()

	srv := pstest.NewServer()
	defer srv.Close()

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	client, err := gpubsub.NewClient(ctx, "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)
	defer client.Close()

	topic, err := client.CreateTopic(ctx, "batches")
	require.NoError(t, err)
	sub, err := client.CreateSubscription(ctx, "batches-sub", gpubsub.SubscriptionConfig{Topic: topic})
	require.NoError(t, err)

	pub := pubsub.NewWithTopic(topic)

	id, err := pub.Publish(ctx, "ignored", map[string]any{"run_id": "run-1", "inserted": 3})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	recvCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	msgs := make(chan *gpubsub.Message, 1)
	go func() {
		_ = sub.Receive(recvCtx, func(_ context.Context, msg *gpubsub.Message) {
			msgs <- msg
			msg.Ack()
			cancel()
		})
	}()
	msg := <-msgs

	var payload map[string]any
	require.NoError(t, json.Unmarshal(msg.Data, &payload))
	assert.Equal(t, "run-1", payload["run_id"])
	assert.Equal(t, float64(3), payload["inserted"])

	// Stop flushes and releases the topic; publishing afterwards fails.
	pub.Stop()
}

func TestNewRequiresProjectAndTopic(t *testing.T) {
	t.Parallel()

	_, err := pubsub.New(context.Background(), "", "batches")
	require.Error(t, err)
	_, err = pubsub.New(context.Background(), "project-id", "")
	require.Error(t, err)
}
