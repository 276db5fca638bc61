package mqtt

import (
	"fmt"
	"testing"

	"pcclink/config"
)

func TestChangeDetectionSuppressesDuplicates(t *testing.T) {
	cache := make(map[string]string)
	cache["plc1/tag1"] = fmt.Sprintf("%v", int16(100))

	last, exists := cache["plc1/tag1"]
	if !exists || last != fmt.Sprintf("%v", int16(100)) {
		t.Error("identical value should be suppressed")
	}
	if last == fmt.Sprintf("%v", int16(200)) {
		t.Error("different value should republish")
	}
}

func TestRootTopicFallsBackToNamespace(t *testing.T) {
	p := NewPublisher(&config.MQTTConfig{Name: "a"}, "plant1")
	if got := p.rootTopic(); got != "plant1" {
		t.Errorf("rootTopic = %q, want plant1", got)
	}

	p = NewPublisher(&config.MQTTConfig{Name: "a", RootTopic: "/factory/line2/"}, "plant1")
	if got := p.rootTopic(); got != "factory/line2" {
		t.Errorf("rootTopic = %q, want trimmed factory/line2", got)
	}
}

func TestHandleWriteTopicOverridesBody(t *testing.T) {
	var gotPLC, gotTag string
	var gotValue interface{}

	p := NewPublisher(&config.MQTTConfig{Name: "a"}, "ns")
	p.SetWriteHandler(func(plc, tag string, value interface{}) error {
		gotPLC, gotTag, gotValue = plc, tag, value
		return nil
	})

	p.handleWrite("ns/write/press/N7:0", []byte(`{"plc":"other","tag":"other","value":42}`))

	if gotPLC != "press" || gotTag != "N7:0" {
		t.Errorf("handler got %s/%s, want press/N7:0", gotPLC, gotTag)
	}
	if v, ok := gotValue.(float64); !ok || v != 42 {
		t.Errorf("handler got value %v (%T), want 42", gotValue, gotValue)
	}
}

func TestHandleWriteRejectsMalformed(t *testing.T) {
	called := false
	p := NewPublisher(&config.MQTTConfig{Name: "a"}, "ns")
	p.SetWriteHandler(func(plc, tag string, value interface{}) error {
		called = true
		return nil
	})

	p.handleWrite("ns/write/press/N7:0", []byte("not json"))
	p.handleWrite("ns/write", []byte(`{"value":1}`))

	if called {
		t.Error("handler should not run for malformed requests")
	}
}

func TestPublishTagRequiresStart(t *testing.T) {
	p := NewPublisher(&config.MQTTConfig{Name: "a"}, "ns")
	if err := p.PublishTag("plc", "tag", 1, "Integer", false, false); err == nil {
		t.Error("expected error before Start")
	}
}
