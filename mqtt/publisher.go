// Package mqtt publishes tag values to MQTT brokers and accepts write-back
// requests from them.
package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"pcclink/config"
	"pcclink/logging"
)

// WriteHandler applies a write request arriving from the broker.
type WriteHandler func(plc, tag string, value interface{}) error

// TagMessage is the JSON structure published for each tag value.
type TagMessage struct {
	Namespace string      `json:"namespace"`
	PLC       string      `json:"plc"`
	Tag       string      `json:"tag"`
	Value     interface{} `json:"value"`
	Type      string      `json:"type,omitempty"`
	Writable  bool        `json:"writable"`
	Timestamp string      `json:"timestamp"`
}

// WriteRequest is the JSON structure accepted on the write topic.
type WriteRequest struct {
	PLC   string      `json:"plc"`
	Tag   string      `json:"tag"`
	Value interface{} `json:"value"`
}

// HealthMessage is the JSON structure published for PLC health.
type HealthMessage struct {
	Namespace string      `json:"namespace"`
	PLC       string      `json:"plc"`
	Health    interface{} `json:"health"`
	Timestamp string      `json:"timestamp"`
}

// connectTimeout bounds the initial broker connection.
const connectTimeout = 10 * time.Second

// Publisher handles one MQTT broker connection.
type Publisher struct {
	cfg       *config.MQTTConfig
	namespace string

	mu      sync.RWMutex
	client  pahomqtt.Client
	running bool

	// Last published values for change suppression.
	lastMu     sync.Mutex
	lastValues map[string]string

	writeHandler WriteHandler
}

// NewPublisher creates a publisher for one broker config.
func NewPublisher(cfg *config.MQTTConfig, namespace string) *Publisher {
	return &Publisher{
		cfg:        cfg,
		namespace:  namespace,
		lastValues: make(map[string]string),
	}
}

// SetWriteHandler installs the callback for write-back requests.  Must be
// called before Start.
func (p *Publisher) SetWriteHandler(fn WriteHandler) {
	p.writeHandler = fn
}

// rootTopic returns the configured root topic or the namespace.
func (p *Publisher) rootTopic() string {
	if p.cfg.RootTopic != "" {
		return strings.Trim(p.cfg.RootTopic, "/")
	}
	return p.namespace
}

// Start connects to the broker and subscribes the write topic.
func (p *Publisher) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}

	clientID := p.cfg.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("pcclink-%s-%d", p.cfg.Name, time.Now().Unix())
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(p.cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(connectTimeout).
		SetOrderMatters(false)

	if p.cfg.Username != "" {
		opts.SetUsername(p.cfg.Username)
		opts.SetPassword(p.cfg.Password)
	}

	opts.SetOnConnectHandler(func(client pahomqtt.Client) {
		logging.DebugLog("mqtt", "%s: connected to %s", p.cfg.Name, p.cfg.Broker)
		p.subscribeWrites(client)
	})
	opts.SetConnectionLostHandler(func(client pahomqtt.Client, err error) {
		logging.DebugError("mqtt", p.cfg.Name+" connection lost", err)
	})

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		client.Disconnect(0)
		return fmt.Errorf("Start: connect to %s timed out", p.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		client.Disconnect(0)
		return fmt.Errorf("Start: connect to %s: %w", p.cfg.Broker, err)
	}

	p.client = client
	p.running = true
	return nil
}

// subscribeWrites listens on <root>/write/<plc>/<tag> for write-back
// requests.
func (p *Publisher) subscribeWrites(client pahomqtt.Client) {
	if p.writeHandler == nil {
		return
	}

	topic := p.rootTopic() + "/write/#"
	token := client.Subscribe(topic, p.cfg.QOS, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		p.handleWrite(msg.Topic(), msg.Payload())
	})
	if token.WaitTimeout(connectTimeout) && token.Error() != nil {
		logging.DebugError("mqtt", p.cfg.Name+" subscribe", token.Error())
	}
}

// handleWrite decodes one write-back request.  The PLC and tag come from
// the topic when present, else from the JSON body.
func (p *Publisher) handleWrite(topic string, payload []byte) {
	var req WriteRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		logging.DebugError("mqtt", "write payload", err)
		return
	}

	// The topic names the target when it sits under the write prefix;
	// otherwise the body must.
	prefix := p.rootTopic() + "/write/"
	if rest := strings.TrimPrefix(topic, prefix); rest != topic {
		if parts := strings.SplitN(rest, "/", 2); len(parts) == 2 {
			req.PLC = parts[0]
			req.Tag = parts[1]
		}
	}

	if req.PLC == "" || req.Tag == "" {
		logging.DebugLog("mqtt", "write request missing plc/tag: %s", topic)
		return
	}

	if err := p.writeHandler(req.PLC, req.Tag, req.Value); err != nil {
		logging.DebugError("mqtt", fmt.Sprintf("write %s/%s", req.PLC, req.Tag), err)
	}
}

// IsConnected reports broker connectivity.
func (p *Publisher) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running && p.client != nil && p.client.IsConnected()
}

// PublishTag publishes one tag value to <root>/<plc>/<tag>.  Unchanged
// values are suppressed unless force is set.
func (p *Publisher) PublishTag(plc, tagName string, value interface{}, typeName string, writable, force bool) error {
	p.mu.RLock()
	client := p.client
	running := p.running
	p.mu.RUnlock()

	if !running || client == nil {
		return fmt.Errorf("PublishTag: publisher %s not started", p.cfg.Name)
	}

	cacheKey := plc + "/" + tagName
	rendered := fmt.Sprintf("%v", value)

	p.lastMu.Lock()
	last, exists := p.lastValues[cacheKey]
	if exists && !force && last == rendered {
		p.lastMu.Unlock()
		return nil
	}
	p.lastValues[cacheKey] = rendered
	p.lastMu.Unlock()

	msg := TagMessage{
		Namespace: p.namespace,
		PLC:       plc,
		Tag:       tagName,
		Value:     value,
		Type:      typeName,
		Writable:  writable,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("PublishTag: %w", err)
	}

	topic := fmt.Sprintf("%s/%s/%s", p.rootTopic(), plc, tagName)
	client.Publish(topic, p.cfg.QOS, true, payload)
	return nil
}

// PublishHealth publishes PLC health to <root>/health/<plc>.
func (p *Publisher) PublishHealth(plc string, health interface{}) error {
	p.mu.RLock()
	client := p.client
	running := p.running
	p.mu.RUnlock()

	if !running || client == nil {
		return fmt.Errorf("PublishHealth: publisher %s not started", p.cfg.Name)
	}

	msg := HealthMessage{
		Namespace: p.namespace,
		PLC:       plc,
		Health:    health,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("PublishHealth: %w", err)
	}

	client.Publish(fmt.Sprintf("%s/health/%s", p.rootTopic(), plc), p.cfg.QOS, true, payload)
	return nil
}

// Stop disconnects from the broker.
func (p *Publisher) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return
	}
	p.running = false
	if p.client != nil {
		p.client.Disconnect(250)
		p.client = nil
	}
}
