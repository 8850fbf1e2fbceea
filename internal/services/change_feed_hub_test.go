package services

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receiveMessage(t *testing.T, client *FeedClient) FeedMessage {
	t.Helper()
	select {
	case data := <-client.Send:
		var msg FeedMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
		return FeedMessage{}
	}
}

func assertNoMessage(t *testing.T, client *FeedClient) {
	t.Helper()
	select {
	case data := <-client.Send:
		t.Fatalf("unexpected message: %s", data)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestChangeFeedHub(t *testing.T) {
	hub := NewChangeFeedHub()
	go hub.Run()

	t.Run("notifies subscribers of their own topic", func(t *testing.T) {
		client := hub.NewClient("c1", "alice", nil)
		hub.Register(client)
		hub.Subscribe(client, ChangeTopic("alice", "items"))

		hub.NotifyCollectionChanged("alice", "items", 3)

		msg := receiveMessage(t, client)
		assert.Equal(t, FeedTypeCollectionChanged, msg.Type)

		payload, ok := msg.Payload.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "items", payload["collection"])
		assert.Equal(t, float64(3), payload["written"])
	})

	t.Run("scopes topics to one user and collection", func(t *testing.T) {
		alice := hub.NewClient("c2", "alice", nil)
		bob := hub.NewClient("c3", "bob", nil)
		hub.Register(alice)
		hub.Register(bob)
		hub.Subscribe(alice, ChangeTopic("alice", "events"))
		hub.Subscribe(bob, ChangeTopic("bob", "events"))

		hub.NotifyCollectionChanged("alice", "events", 1)

		msg := receiveMessage(t, alice)
		assert.Equal(t, FeedTypeCollectionChanged, msg.Type)
		assertNoMessage(t, bob)
	})

	t.Run("all-conflict pushes are not announced", func(t *testing.T) {
		client := hub.NewClient("c4", "alice", nil)
		hub.Register(client)
		hub.Subscribe(client, ChangeTopic("alice", "folders"))

		hub.NotifyCollectionChanged("alice", "folders", 0)
		assertNoMessage(t, client)
	})

	t.Run("unsubscribed clients stop receiving", func(t *testing.T) {
		client := hub.NewClient("c5", "alice", nil)
		hub.Register(client)
		topic := ChangeTopic("alice", "semesters")
		hub.Subscribe(client, topic)
		hub.Unsubscribe(client, topic)

		hub.NotifyCollectionChanged("alice", "semesters", 2)
		assertNoMessage(t, client)
	})
}
