package mqtt

import (
	"fmt"
	"strings"
)

// DefaultTopicPrefix is used when the configuration leaves topic_prefix empty.
const DefaultTopicPrefix = "blulok"

// Topics builds the service's MQTT topics under a prefix.
//
//	topics := mqtt.Topics{Prefix: "blulok"}
//	topics.Event("device.added", "gw-1")
//	// Returns: "blulok/events/gw-1/device.added"
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	p := strings.Trim(t.Prefix, "/")
	if p == "" {
		return DefaultTopicPrefix
	}
	return p
}

// Event returns the topic for one event type raised by a gateway.
//
// Example: blulok/events/gw-1/device.removed
func (t Topics) Event(eventType, gatewayID string) string {
	return fmt.Sprintf("%s/events/%s/%s", t.prefix(), segment(gatewayID), eventType)
}

// GatewayStatus returns the retained status topic for a gateway.
//
// Example: blulok/gateways/gw-1/status
func (t Topics) GatewayStatus(gatewayID string) string {
	return fmt.Sprintf("%s/gateways/%s/status", t.prefix(), segment(gatewayID))
}

// SystemStatus returns the topic carrying this service's online/offline state.
// It is also the Last Will topic.
func (t Topics) SystemStatus() string {
	return t.prefix() + "/system/status"
}

// AllEvents returns a wildcard matching every event topic.
func (t Topics) AllEvents() string {
	return t.prefix() + "/events/#"
}

// segment makes an identifier safe as a single topic level.
func segment(id string) string {
	if id == "" {
		return "_"
	}
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(id)
}
