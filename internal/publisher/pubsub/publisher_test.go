package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func newTestClient(t *testing.T) (*pubsub.Client, *pstest.Server) {
	t.Helper()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(context.Background(), "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, srv
}

func TestPublishSendsJSONWithAttributes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client, srv := newTestClient(t)
	_, err := client.CreateTopic(ctx, "pages")
	require.NoError(t, err)

	pub := New(client, map[string]string{"source": "sitecrawler"})
	defer func() { _ = pub.Close() }()

	id, err := pub.Publish(ctx, "pages", map[string]string{"url": "https://example.com/"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	var body map[string]string
	require.NoError(t, json.Unmarshal(msgs[0].Data, &body))
	assert.Equal(t, "https://example.com/", body["url"])
	assert.Equal(t, "sitecrawler", msgs[0].Attributes["source"])
}

func TestPublishPropagatesTraceContext(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	provider := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	ctx, span := provider.Tracer("test").Start(context.Background(), "crawl")
	defer span.End()

	client, srv := newTestClient(t)
	_, err := client.CreateTopic(ctx, "pages")
	require.NoError(t, err)

	pub := New(client, nil)
	defer func() { _ = pub.Close() }()
	_, err = pub.Publish(ctx, "pages", "payload")
	require.NoError(t, err)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Attributes["traceparent"], span.SpanContext().TraceID().String())
}

func TestPublishReusesTopicHandles(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client, srv := newTestClient(t)
	_, err := client.CreateTopic(ctx, "pages")
	require.NoError(t, err)

	pub := New(client, nil)
	for range 3 {
		_, err := pub.Publish(ctx, "pages", "payload")
		require.NoError(t, err)
	}
	assert.Len(t, pub.topics, 1)
	assert.Len(t, srv.Messages(), 3)

	require.NoError(t, pub.Close())
	assert.Empty(t, pub.topics)
}

func TestPublishErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	var nilPub *Publisher
	_, err := nilPub.Publish(ctx, "pages", "x")
	require.Error(t, err)
	require.NoError(t, nilPub.Close())

	client, _ := newTestClient(t)
	pub := New(client, nil)
	defer func() { _ = pub.Close() }()

	_, err = pub.Publish(ctx, "", "x")
	require.Error(t, err)

	_, err = pub.Publish(ctx, "pages", func() {})
	require.ErrorContains(t, err, "marshal payload")

	_, err = pub.Publish(ctx, "missing-topic", "x")
	require.Error(t, err)
}
