package kafka

import (
	"testing"

	"pcclink/config"
)

func TestSASLMechanisms(t *testing.T) {
	cases := []struct {
		mechanism string
		ok        bool
		nilMech   bool
	}{
		{"", true, true},
		{"plain", true, false},
		{"PLAIN", true, false},
		{"scram-sha-256", true, false},
		{"scram-sha-512", true, false},
		{"gssapi", false, false},
	}

	for _, tc := range cases {
		p := NewProducer(&config.KafkaConfig{
			Name:          "a",
			SASLMechanism: tc.mechanism,
			Username:      "u",
			Password:      "p",
		}, "ns")
		mech, err := p.saslMechanism()
		if tc.ok && err != nil {
			t.Errorf("saslMechanism(%q) failed: %v", tc.mechanism, err)
			continue
		}
		if !tc.ok && err == nil {
			t.Errorf("saslMechanism(%q) should fail", tc.mechanism)
			continue
		}
		if tc.ok && tc.nilMech != (mech == nil) {
			t.Errorf("saslMechanism(%q) nil = %v, want %v", tc.mechanism, mech == nil, tc.nilMech)
		}
	}
}

func TestStartRejectsIncompleteConfig(t *testing.T) {
	p := NewProducer(&config.KafkaConfig{Name: "a", Topic: "t"}, "ns")
	if err := p.Start(); err == nil {
		t.Error("Start without brokers should fail")
	}

	p = NewProducer(&config.KafkaConfig{Name: "a", Brokers: []string{"b:9092"}}, "ns")
	if err := p.Start(); err == nil {
		t.Error("Start without topic should fail")
	}
}

func TestPublishRequiresStart(t *testing.T) {
	p := NewProducer(&config.KafkaConfig{Name: "a", Brokers: []string{"b:9092"}, Topic: "t"}, "ns")
	if err := p.PublishTag("plc", "tag", 1, "Integer"); err == nil {
		t.Error("expected error before Start")
	}
}
