package config

import "testing"

func TestDefaultsFillsSubscriptionEventsTopic(t *testing.T) {
	var c Config
	c.Defaults()
	if c.MQTT.SubscriptionEventsTopic != "system/subscription-events" {
		t.Fatalf("unexpected default topic: %q", c.MQTT.SubscriptionEventsTopic)
	}
}

func TestDefaultsDoesNotOverrideConfiguredTopic(t *testing.T) {
	c := Config{MQTT: MQTT{SubscriptionEventsTopic: "custom/topic"}}
	c.Defaults()
	if c.MQTT.SubscriptionEventsTopic != "custom/topic" {
		t.Fatalf("expected configured topic to survive Defaults, got %q", c.MQTT.SubscriptionEventsTopic)
	}
}
