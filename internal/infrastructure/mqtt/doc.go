// Package mqtt provides MQTT client connectivity for Stagehand.
//
// This package manages:
//   - Connection to the lab broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//   - Connection health monitoring
//
// # Architecture
//
// Stagehand uses MQTT as the message bus between the orchestrator-side
// relay and the device agents. The broker decouples callers from device
// placement:
//
//	Callers -> Relay <-> MQTT Broker <-> Device Agents
//
// Commands flow to /lab/device/{device}/{module}/cmd, results come back
// on /lab/device/{device}/{module}/evt, and every agent keeps a retained
// presence document on /lab/device/{device}/status backed by an LWT.
//
// # Security Considerations
//
//   - TLS is required for production deployments (cfg.Broker.TLS=true)
//   - Credentials are validated against broker ACL
//   - Anonymous access is only for local development
//   - Message payloads are not encrypted beyond TLS transport
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Subscribe to all device presence updates
//	err = client.Subscribe(mqtt.Topics{}.AllDeviceStatuses(), 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("Received: %s = %s", topic, payload)
//	        return nil
//	    })
//
//	// Publish command
//	topic := mqtt.Topics{}.DeviceCommand("cam-01", "ndi")
//	client.Publish(topic, []byte(`{"action":"start"}`), 1, false)
package mqtt
