//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"

	"xteink-flasher/internal/flasher"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/button/xteink_flasher/swap_boot/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name                string   `json:"name"`
	UniqueID            string   `json:"unique_id"`
	StateTopic          string   `json:"state_topic,omitempty"`
	CommandTopic        string   `json:"command_topic,omitempty"`
	AvailabilityTopic   string   `json:"availability_topic"`
	ValueTemplate       string   `json:"value_template,omitempty"`
	JSONAttributesTopic string   `json:"json_attributes_topic,omitempty"`
	DeviceClass         string   `json:"device_class,omitempty"`
	PayloadOn           string   `json:"payload_on,omitempty"`
	PayloadOff          string   `json:"payload_off,omitempty"`
	PayloadPress        string   `json:"payload_press,omitempty"`
	Icon                string   `json:"icon,omitempty"`
	Device              haDevice `json:"device"`
}

// nodeID derives the HA object id from the topic prefix.
func nodeID(prefix string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			return r
		}
		if r >= 'A' && r <= 'Z' {
			return r + ('a' - 'A')
		}
		return '_'
	}, prefix)
}

// discoveryButtons are the workflows exposed as HA buttons. Flashing needs a
// region or name and stays on the command topic.
var discoveryButtons = []struct {
	workflow flasher.Workflow
	objectID string
	name     string
	icon     string
}{
	{flasher.WorkflowIdentify, "identify", "Identify firmware", "mdi:magnify"},
	{flasher.WorkflowReadOtadata, "read_otadata", "Read boot selection", "mdi:file-search"},
	{flasher.WorkflowSwapBoot, "swap_boot", "Swap boot partition", "mdi:swap-horizontal"},
	{flasher.WorkflowSaveFullFlash, "save_flash", "Back up full flash", "mdi:content-save"},
}

// buildDiscovery generates HA discovery messages for the flasher: workflow
// state sensors plus one button per parameterless workflow.
func buildDiscovery(prefix, discoveryPrefix string) []discoveryMsg {
	node := nodeID(prefix)
	avail := prefix + "/bridge/state"
	haDev := haDevice{
		Identifiers:  []string{node},
		Manufacturer: "Xteink",
		Model:        "X4 flasher",
		Name:         "Xteink Flasher",
	}

	msgs := []discoveryMsg{
		build(discoveryPrefix, "binary_sensor", node, "running", haDiscovery{
			Name:                "Workflow running",
			StateTopic:          prefix + "/state",
			ValueTemplate:       "{{ 'ON' if value_json.running else 'OFF' }}",
			JSONAttributesTopic: prefix + "/state",
			DeviceClass:         "running",
			PayloadOn:           "ON",
			PayloadOff:          "OFF",
		}, avail, haDev),
		build(discoveryPrefix, "sensor", node, "workflow", haDiscovery{
			Name:          "Current workflow",
			StateTopic:    prefix + "/state",
			ValueTemplate: "{{ value_json.workflow | default('idle') }}",
			Icon:          "mdi:progress-wrench",
		}, avail, haDev),
		build(discoveryPrefix, "sensor", node, "last_run", haDiscovery{
			Name:                "Last workflow",
			StateTopic:          prefix + "/last_run",
			ValueTemplate:       "{{ 'success' if value_json.success else 'failed' }}",
			JSONAttributesTopic: prefix + "/last_run",
			Icon:                "mdi:history",
		}, avail, haDev),
	}

	for _, btn := range discoveryButtons {
		msgs = append(msgs, build(discoveryPrefix, "button", node, btn.objectID, haDiscovery{
			Name:         btn.name,
			CommandTopic: prefix + "/command",
			PayloadPress: string(mustJSON(command{Workflow: btn.workflow})),
			Icon:         btn.icon,
		}, avail, haDev))
	}
	return msgs
}

func build(discoveryPrefix, component, node, objectID string, payload haDiscovery, avail string, haDev haDevice) discoveryMsg {
	payload.UniqueID = node + "_" + objectID
	payload.AvailabilityTopic = avail
	payload.Device = haDev
	return discoveryMsg{
		Topic:   fmt.Sprintf("%s/%s/%s/%s/config", discoveryPrefix, component, node, objectID),
		Payload: mustJSON(payload),
	}
}

// buildRemoveDiscovery generates empty retained messages that remove every
// entity buildDiscovery creates.
func buildRemoveDiscovery(prefix, discoveryPrefix string) []discoveryMsg {
	msgs := buildDiscovery(prefix, discoveryPrefix)
	for i := range msgs {
		msgs[i].Payload = nil
	}
	return msgs
}
