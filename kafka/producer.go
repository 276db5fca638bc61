// Package kafka publishes tag values to Kafka clusters.
package kafka

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"pcclink/config"
	"pcclink/logging"
)

// writeTimeout bounds each produce call.
const writeTimeout = 10 * time.Second

// TagMessage is the JSON structure produced per tag value.
type TagMessage struct {
	Namespace string      `json:"namespace"`
	PLC       string      `json:"plc"`
	Tag       string      `json:"tag"`
	Value     interface{} `json:"value"`
	Type      string      `json:"type,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Producer handles message production to one Kafka cluster.
type Producer struct {
	cfg       *config.KafkaConfig
	namespace string

	mu      sync.RWMutex
	writer  *kafkago.Writer
	running bool
	lastErr error

	lastMu     sync.Mutex
	lastValues map[string]string
}

// NewProducer creates a producer for one cluster config.
func NewProducer(cfg *config.KafkaConfig, namespace string) *Producer {
	return &Producer{
		cfg:        cfg,
		namespace:  namespace,
		lastValues: make(map[string]string),
	}
}

// saslMechanism builds the configured SASL mechanism, or nil for none.
func (p *Producer) saslMechanism() (sasl.Mechanism, error) {
	switch strings.ToLower(p.cfg.SASLMechanism) {
	case "":
		return nil, nil
	case "plain":
		return plain.Mechanism{Username: p.cfg.Username, Password: p.cfg.Password}, nil
	case "scram-sha-256":
		return scram.Mechanism(scram.SHA256, p.cfg.Username, p.cfg.Password)
	case "scram-sha-512":
		return scram.Mechanism(scram.SHA512, p.cfg.Username, p.cfg.Password)
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism %q", p.cfg.SASLMechanism)
	}
}

// Start builds the writer.  Kafka connections are made lazily on first
// produce.
func (p *Producer) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	if len(p.cfg.Brokers) == 0 {
		return fmt.Errorf("Start: producer %s has no brokers", p.cfg.Name)
	}
	if p.cfg.Topic == "" {
		return fmt.Errorf("Start: producer %s has no topic", p.cfg.Name)
	}

	mechanism, err := p.saslMechanism()
	if err != nil {
		return fmt.Errorf("Start: %w", err)
	}

	transport := &kafkago.Transport{SASL: mechanism}
	if mechanism != nil {
		transport.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	p.writer = &kafkago.Writer{
		Addr:         kafkago.TCP(p.cfg.Brokers...),
		Topic:        p.cfg.Topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireOne,
		Async:        false,
		Transport:    transport,
	}
	p.running = true

	logging.DebugLog("kafka", "%s: writer ready for %s topic %s", p.cfg.Name, strings.Join(p.cfg.Brokers, ","), p.cfg.Topic)
	return nil
}

// LastError returns the most recent produce error.
func (p *Producer) LastError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastErr
}

// PublishTag produces one tag value keyed by plc/tag.  Unchanged values
// are suppressed.
func (p *Producer) PublishTag(plc, tagName string, value interface{}, typeName string) error {
	p.mu.RLock()
	writer := p.writer
	running := p.running
	p.mu.RUnlock()

	if !running || writer == nil {
		return fmt.Errorf("PublishTag: producer %s not started", p.cfg.Name)
	}

	key := plc + "/" + tagName
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
		Timestamp: time.Now().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("PublishTag: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	err = writer.WriteMessages(ctx, kafkago.Message{
		Key:   []byte(key),
		Value: payload,
	})

	p.mu.Lock()
	p.lastErr = err
	p.mu.Unlock()

	if err != nil {
		return fmt.Errorf("PublishTag: %w", err)
	}
	return nil
}

// Stop closes the writer.
func (p *Producer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return
	}
	p.running = false
	if p.writer != nil {
		_ = p.writer.Close()
		p.writer = nil
	}
}
