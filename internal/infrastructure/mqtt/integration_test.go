//go:build integration

package mqtt

import (
	"sync"
	"testing"
	"time"

	"github.com/stagehand-av/stagehand/internal/infrastructure/config"
)

// Integration tests for MQTT connectivity and reconnection behaviour.
// These tests require a running MQTT broker at 127.0.0.1:1883.
//
// Run with:
//   go test -tags=integration -v ./internal/infrastructure/mqtt/...
//
// Note: Some tests may be flaky in CI due to timing dependencies.
// Consider running with: go test -tags=integration -count=1 -v ...

func integrationConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "stagehand-integration-test",
			TLS:      false,
		},
		Auth: config.MQTTAuthConfig{
			Username: "",
			Password: "",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

func TestIntegration_ConnectAndClose(t *testing.T) {
	cfg := integrationConfig()
	cfg.Broker.ClientID = "stagehand-int-connect"

	client, err := Connect(cfg, nil)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if !client.IsConnected() {
		t.Error("IsConnected() = false, want true")
	}

	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}

	if client.IsConnected() {
		t.Error("IsConnected() = true after Close(), want false")
	}
}

func TestIntegration_ConnectWithWill(t *testing.T) {
	cfg := integrationConfig()
	cfg.Broker.ClientID = "stagehand-int-will"

	will := &Will{
		Topic:   Topics{}.DeviceStatus("int-test-device"),
		Payload: []byte(`{"online":false}`),
	}

	client, err := Connect(cfg, will)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	if !client.IsConnected() {
		t.Error("IsConnected() = false, want true")
	}
}

func TestIntegration_SubscriptionTracking(t *testing.T) {
	cfg := integrationConfig()
	cfg.Broker.ClientID = "stagehand-int-sub-track"

	client, err := Connect(cfg, nil)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	topics := []string{
		"/lab/int/test/topic1",
		"/lab/int/test/topic2",
		"/lab/int/test/topic3",
	}

	handler := func(topic string, payload []byte) error {
		return nil
	}

	for _, topic := range topics {
		if err := client.Subscribe(topic, 1, handler); err != nil {
			t.Fatalf("Subscribe(%s) error = %v", topic, err)
		}
	}

	if client.SubscriptionCount() != len(topics) {
		t.Errorf("SubscriptionCount() = %d, want %d", client.SubscriptionCount(), len(topics))
	}

	for _, topic := range topics {
		if !client.HasSubscription(topic) {
			t.Errorf("HasSubscription(%s) = false, want true", topic)
		}
	}

	if err := client.Unsubscribe(topics[0]); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}

	if client.SubscriptionCount() != len(topics)-1 {
		t.Errorf("SubscriptionCount() after unsubscribe = %d, want %d", client.SubscriptionCount(), len(topics)-1)
	}

	if client.HasSubscription(topics[0]) {
		t.Errorf("HasSubscription(%s) = true after unsubscribe", topics[0])
	}
}

func TestIntegration_MessageRoundtrip(t *testing.T) {
	cfg := integrationConfig()

	cfg.Broker.ClientID = "stagehand-int-pub"
	pubClient, err := Connect(cfg, nil)
	if err != nil {
		t.Fatalf("Connect() publisher error = %v", err)
	}
	defer pubClient.Close()

	cfg.Broker.ClientID = "stagehand-int-sub"
	subClient, err := Connect(cfg, nil)
	if err != nil {
		t.Fatalf("Connect() subscriber error = %v", err)
	}
	defer subClient.Close()

	topic := "/lab/int/roundtrip"
	expected := "test-message-12345"

	received := make(chan string, 1)
	var once sync.Once

	err = subClient.Subscribe(topic, 1, func(t string, p []byte) error {
		once.Do(func() {
			received <- string(p)
		})
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	err = pubClient.PublishString(topic, expected, 1, false)
	if err != nil {
		t.Fatalf("PublishString() error = %v", err)
	}

	select {
	case msg := <-received:
		if msg != expected {
			t.Errorf("Received = %q, want %q", msg, expected)
		}
	case <-time.After(5 * time.Second):
		t.Error("Timeout waiting for message")
	}
}

func TestIntegration_WildcardSubscription(t *testing.T) {
	cfg := integrationConfig()

	cfg.Broker.ClientID = "stagehand-int-wild-pub"
	pubClient, err := Connect(cfg, nil)
	if err != nil {
		t.Fatalf("Connect() publisher error = %v", err)
	}
	defer pubClient.Close()

	cfg.Broker.ClientID = "stagehand-int-wild-sub"
	subClient, err := Connect(cfg, nil)
	if err != nil {
		t.Fatalf("Connect() subscriber error = %v", err)
	}
	defer subClient.Close()

	received := make(chan string, 2)

	err = subClient.Subscribe(Topics{}.AllDeviceStatuses(), 1, func(topic string, p []byte) error {
		received <- topic
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	for _, device := range []string{"int-cam-01", "int-cam-02"} {
		topic := Topics{}.DeviceStatus(device)
		if err := pubClient.Publish(topic, []byte(`{"online":true}`), 1, false); err != nil {
			t.Fatalf("Publish(%s) error = %v", topic, err)
		}
	}

	seen := make(map[string]bool)
	for i := 0; i < 2; i++ {
		select {
		case topic := <-received:
			seen[topic] = true
		case <-time.After(5 * time.Second):
			t.Fatal("Timeout waiting for wildcard messages")
		}
	}

	if !seen["/lab/device/int-cam-01/status"] || !seen["/lab/device/int-cam-02/status"] {
		t.Errorf("wildcard subscription missed topics, saw %v", seen)
	}
}

func TestIntegration_OnConnectCallback(t *testing.T) {
	cfg := integrationConfig()
	cfg.Broker.ClientID = "stagehand-int-onconnect"

	connected := make(chan struct{}, 1)

	client, err := Connect(cfg, nil)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	client.SetOnConnect(func() {
		select {
		case connected <- struct{}{}:
		default:
		}
	})

	// The initial connect may have fired before the callback was set;
	// force a reconnect cycle is out of scope here, so just verify the
	// callback registration does not interfere with the live connection.
	if !client.IsConnected() {
		t.Error("IsConnected() = false after SetOnConnect")
	}
}
