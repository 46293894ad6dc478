package sink

import mqtt "github.com/eclipse/paho.mqtt.golang"

// SetMQTTClientForTest injects a test double in place of the real MQTT
// client, bypassing Connect's network dial. Exported only to _test.go files
// via the export_test.go convention.
func SetMQTTClientForTest(s *BusSink, client mqtt.Client) {
	s.client = client
}
