// Package valkey publishes tag values to Valkey/Redis servers.
package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"pcclink/config"
	"pcclink/logging"
)

// opTimeout bounds each server round trip.
const opTimeout = 5 * time.Second

// TagMessage is the JSON structure stored per tag.
type TagMessage struct {
	Namespace string      `json:"namespace"`
	PLC       string      `json:"plc"`
	Tag       string      `json:"tag"`
	Value     interface{} `json:"value"`
	Type      string      `json:"type,omitempty"`
	Writable  bool        `json:"writable"`
	Timestamp time.Time   `json:"timestamp"`
}

// joinKey joins key segments with colons, trimming stray colons from each
// segment so keys never carry empty parts.
func joinKey(segments ...string) string {
	var parts []string
	for _, s := range segments {
		s = strings.Trim(s, ":")
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ":")
}

// Publisher handles one Valkey/Redis server.
type Publisher struct {
	cfg       *config.ValkeyConfig
	namespace string

	mu      sync.RWMutex
	client  *redis.Client
	running bool

	lastMu     sync.Mutex
	lastValues map[string]string
}

// NewPublisher creates a publisher for one server config.
func NewPublisher(cfg *config.ValkeyConfig, namespace string) *Publisher {
	return &Publisher{
		cfg:        cfg,
		namespace:  namespace,
		lastValues: make(map[string]string),
	}
}

// keyPrefix returns the configured key prefix or the namespace.
func (p *Publisher) keyPrefix() string {
	if p.cfg.KeyPrefix != "" {
		return p.cfg.KeyPrefix
	}
	return p.namespace
}

// Start connects and pings the server.
func (p *Publisher) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     p.cfg.Address,
		Username: p.cfg.Username,
		Password: p.cfg.Password,
		DB:       p.cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("Start: ping %s: %w", p.cfg.Address, err)
	}

	logging.DebugLog("valkey", "%s: connected to %s", p.cfg.Name, p.cfg.Address)
	p.client = client
	p.running = true
	return nil
}

// IsConnected reports server connectivity.
func (p *Publisher) IsConnected() bool {
	p.mu.RLock()
	client := p.client
	running := p.running
	p.mu.RUnlock()

	if !running || client == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	return client.Ping(ctx).Err() == nil
}

// PublishTag stores the value under <prefix>:<plc>:<tag> and publishes the
// same JSON on the matching channel.  Unchanged values are suppressed.
func (p *Publisher) PublishTag(plc, tagName string, value interface{}, typeName string, writable bool) error {
	p.mu.RLock()
	client := p.client
	running := p.running
	p.mu.RUnlock()

	if !running || client == nil {
		return fmt.Errorf("PublishTag: publisher %s not started", p.cfg.Name)
	}

	key := joinKey(p.keyPrefix(), plc, tagName)
	rendered := fmt.Sprintf("%v", value)

	p.lastMu.Lock()
	if last, exists := p.lastValues[key]; exists && last == rendered {
		p.lastMu.Unlock()
		return nil
	}
	p.lastValues[key] = rendered
	p.lastMu.Unlock()

	msg := TagMessage{
		Namespace: p.namespace,
		PLC:       plc,
		Tag:       tagName,
		Value:     value,
		Type:      typeName,
		Writable:  writable,
		Timestamp: time.Now().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("PublishTag: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	ttl := time.Duration(p.cfg.TTL) * time.Second
	if err := client.Set(ctx, key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("PublishTag: set %s: %w", key, err)
	}
	if err := client.Publish(ctx, key, payload).Err(); err != nil {
		return fmt.Errorf("PublishTag: publish %s: %w", key, err)
	}
	return nil
}

// PublishHealth stores PLC health under <prefix>:health:<plc>.
func (p *Publisher) PublishHealth(plc string, health interface{}) error {
	p.mu.RLock()
	client := p.client
	running := p.running
	p.mu.RUnlock()

	if !running || client == nil {
		return fmt.Errorf("PublishHealth: publisher %s not started", p.cfg.Name)
	}

	payload, err := json.Marshal(health)
	if err != nil {
		return fmt.Errorf("PublishHealth: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	key := joinKey(p.keyPrefix(), "health", plc)
	if err := client.Set(ctx, key, payload, 0).Err(); err != nil {
		return fmt.Errorf("PublishHealth: %w", err)
	}
	return nil
}

// Stop closes the server connection.
func (p *Publisher) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return
	}
	p.running = false
	if p.client != nil {
		_ = p.client.Close()
		p.client = nil
	}
}
