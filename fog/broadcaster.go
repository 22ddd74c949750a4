package fog

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Client is one live fog subscriber, typically a websocket connection.
type Client struct {
	ExplorerID string
	Send       chan []byte
}

// Broadcaster fans encoded fog messages out to live clients per explorer.
// The latest message is kept and handed to every new client, so a
// rendering surface can create its source once and update it in place.
//
// With a Redis client, messages travel through Redis pub/sub so every
// instance behind a load balancer reaches its own clients.
type Broadcaster struct {
	redis  *redis.Client
	prefix string
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
	last    map[string][]byte
}

// NewBroadcaster creates a broadcaster. redisClient may be nil.
func NewBroadcaster(redisClient *redis.Client, prefix string, logger *slog.Logger) *Broadcaster {
	if prefix == "" {
		prefix = "fogmesh"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		redis:   redisClient,
		prefix:  prefix,
		logger:  logger.With("component", "broadcaster"),
		clients: make(map[string]map[*Client]struct{}),
		last:    make(map[string][]byte),
	}
}

// Run relays Redis messages to local clients until ctx is done. It returns
// immediately without Redis.
func (b *Broadcaster) Run(ctx context.Context) error {
	if b.redis == nil {
		return nil
	}
	pubsub := b.redis.PSubscribe(ctx, b.channel("*"))
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if id := b.explorerFromChannel(msg.Channel); id != "" {
				b.deliver(id, []byte(msg.Payload))
			}
		}
	}
}

// Register adds a client for explorerID. The latest message, if any, is
// queued immediately.
func (b *Broadcaster) Register(explorerID string) *Client {
	client := &Client{ExplorerID: explorerID, Send: make(chan []byte, 16)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.clients[explorerID] == nil {
		b.clients[explorerID] = make(map[*Client]struct{})
	}
	b.clients[explorerID][client] = struct{}{}
	if last, ok := b.last[explorerID]; ok {
		client.Send <- last
	}
	ActiveStreams.Inc()
	return client
}

// Unregister removes the client and closes its channel.
func (b *Broadcaster) Unregister(client *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.clients[client.ExplorerID]
	if !ok {
		return
	}
	if _, ok := set[client]; !ok {
		return
	}
	delete(set, client)
	if len(set) == 0 {
		delete(b.clients, client.ExplorerID)
	}
	close(client.Send)
	ActiveStreams.Dec()
}

// ClientCount returns the number of clients registered for explorerID.
func (b *Broadcaster) ClientCount(explorerID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients[explorerID])
}

// PublishFog implements FogSink.
func (b *Broadcaster) PublishFog(ctx context.Context, u *FogUpdate) error {
	payload, err := EncodeFogMessage(u)
	if err != nil {
		return err
	}
	b.Broadcast(ctx, u.ExplorerID, payload)
	return nil
}

// Broadcast sends payload to every client of explorerID. Clients whose
// queue is full miss the message; the next one supersedes it anyway.
func (b *Broadcaster) Broadcast(ctx context.Context, explorerID string, payload []byte) {
	if b.redis != nil {
		err := b.redis.Publish(ctx, b.channel(explorerID), payload).Err()
		if err == nil {
			return
		}
		b.logger.Warn("redis publish failed, delivering locally", "explorer", explorerID, "error", err)
	}
	b.deliver(explorerID, payload)
}

func (b *Broadcaster) deliver(explorerID string, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.last[explorerID] = payload
	for client := range b.clients[explorerID] {
		select {
		case client.Send <- payload:
		default:
			b.logger.Debug("dropping fog message for slow client", "explorer", explorerID)
		}
	}
}

func (b *Broadcaster) channel(explorerID string) string {
	return b.prefix + ":" + explorerID + ":fog"
}

// explorerFromChannel parses <prefix>:<explorer>:fog.
func (b *Broadcaster) explorerFromChannel(ch string) string {
	rest, ok := strings.CutPrefix(ch, b.prefix+":")
	if !ok {
		return ""
	}
	id, ok := strings.CutSuffix(rest, ":fog")
	if !ok {
		return ""
	}
	return id
}
