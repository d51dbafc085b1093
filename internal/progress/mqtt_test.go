package progress

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildpulse/crmsync/internal/conf"
	"github.com/buildpulse/crmsync/internal/logger"
)

type doneToken struct {
	err error
}

func (t *doneToken) Wait() bool                     { return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Error() error                   { return t.err }
func (t *doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic   string
	qos     byte
	retain  bool
	payload []byte
}

// fakeClient implements the subset of mqtt.Client the publisher uses
type fakeClient struct {
	mqtt.Client

	mu        sync.Mutex
	connected bool
	messages  []published
}

func (c *fakeClient) Connect() mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	return &doneToken{}
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload any) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, _ := payload.([]byte)
	c.messages = append(c.messages, published{topic, qos, retained, b})
	return &doneToken{}
}

func (c *fakeClient) sent() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.messages...)
}

func newTestPublisher(client *fakeClient) *MQTTPublisher {
	settings := &conf.MQTTSettings{Topic: "crmsync/progress", QoS: 1, Retain: true}
	return newMQTTPublisher(client, settings, logger.NewSlogLogger(io.Discard, logger.LogLevelError, time.UTC))
}

func TestPublishRequiresConnection(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	pub := newTestPublisher(client)

	err := pub.Publish(&Snapshot{ObjectType: "deal"})
	require.Error(t, err)
	assert.Empty(t, client.sent())
}

func TestPublishWritesSnapshotPerObjectType(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	pub := newTestPublisher(client)
	require.NoError(t, pub.Connect(context.Background()))

	require.NoError(t, pub.Publish(&Snapshot{ObjectType: "deal", TotalBatches: 5, CompletedBatches: 2}))

	msgs := client.sent()
	require.Len(t, msgs, 1)
	assert.Equal(t, "crmsync/progress/deal", msgs[0].topic)
	assert.Equal(t, byte(1), msgs[0].qos)
	assert.True(t, msgs[0].retain)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].payload, &decoded))
	assert.Equal(t, "deal", decoded["objectType"])
	assert.EqualValues(t, 2, decoded["completedBatches"])

	pub.Close()
	assert.False(t, client.IsConnected())
}

func TestRunForwardsTrackerUpdates(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	pub := newTestPublisher(client)
	require.NoError(t, pub.Connect(context.Background()))

	tr, _ := newTestTracker(t)
	updates, unsubscribe := tr.Subscribe("", 8)

	done := make(chan struct{})
	go func() {
		defer close(done)
		pub.Run(context.Background(), updates)
	}()

	tr.Initialize("site", 100, 50)
	tr.UpdateBatch("site", batch(0, 50, 0, time.Second))
	unsubscribe()
	<-done

	msgs := client.sent()
	require.Len(t, msgs, 2)
	for _, m := range msgs {
		assert.Equal(t, "crmsync/progress/site", m.topic)
	}
}
