// Package mqtt provides MQTT client connectivity for the device server.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Retained presence on the status topic, with a Last Will for
//     offline detection
//
// # Architecture
//
// MQTT is one of the request/reply backends of the transport layer. Each
// server listens on its own request topic; each client receives replies on
// a topic derived from its client id. Poll samples may also be published so
// that dashboards can follow device history without calling the server.
//
//	client ↔ MQTT Broker ↔ device server
//
// Every client keeps a retained JSON presence on status/<client id>:
// online with server name, host, pid and version after each connect, and
// offline when it closes or the broker fires its will.
//
// # Security Considerations
//
//   - TLS is required for production deployments (cfg.Broker.TLS=true)
//   - Credentials are validated against broker ACL
//   - Anonymous access is only for local development
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT, mqtt.Presence{
//	    ClientID: "devserver-test",
//	    Server:   cfg.ServerName(),
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	topics := mqtt.NewTopics(cfg.MQTT.TopicPrefix)
//	err = client.Subscribe(topics.Request("devserver/test"), 1,
//	    func(topic string, payload []byte) error {
//	        return handle(payload)
//	    })
package mqtt
