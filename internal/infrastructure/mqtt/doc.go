// Package mqtt provides the MQTT client the Aroma-Link bridge publishes
// through.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Publishing with QoS and retained flags
//   - Topic subscriptions, restored after a reconnect
//   - Last Will and Testament on the bridge status topic
//
// # Topics
//
// All topics live under one configurable prefix (default "aromalink"):
//
//	aromalink/state/{device}         retained device state (JSON)
//	aromalink/availability/{device}  retained "online" / "offline"
//	aromalink/command/{device}       inbound commands
//	aromalink/ack/{device}           command results
//	aromalink/connection             retained push connection state
//	aromalink/bridge/status          retained bridge status, also the LWT
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	topics := mqtt.Topics{Prefix: cfg.MQTT.TopicPrefix}
//	err = client.PublishJSON(topics.DeviceState("1001"), state, true)
package mqtt
