//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strconv"
	"strings"

	"swapdmt/internal/controller"
	"swapdmt/internal/swap"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/swap_0A/rssi/config"
	Payload []byte
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
	ViaDevice    string   `json:"via_device,omitempty"`
}

// haDiscovery is a sensor discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	EntityCategory    string   `json:"entity_category,omitempty"`
	Device            haDevice `json:"device"`
}

// moteState is the retained JSON published on a mote's state topic.
type moteState struct {
	swap.MoteInfo
	Manufacturer string            `json:"manufacturer,omitempty"`
	Product      string            `json:"product,omitempty"`
	Registers    map[string]string `json:"registers,omitempty"`
}

func newMoteState(info swap.MoteInfo, db *controller.DeviceDB) moteState {
	st := moteState{MoteInfo: info}
	if db != nil {
		st.Manufacturer = db.ManufacturerName(info.ManufacturerID)
		if def := db.Lookup(info.ManufacturerID, info.ProductID); def != nil {
			st.Product = def.Name
		}
	}
	if len(info.Endpoints) > 0 {
		st.Registers = make(map[string]string, len(info.Endpoints))
		for _, ep := range info.Endpoints {
			st.Registers[strconv.Itoa(int(ep.Index))] = ep.Value
		}
	}
	return st
}

// moteIdentifier returns the unique identifier for the HA device registry.
func moteIdentifier(addr uint8) string {
	return fmt.Sprintf("swap_%02X", addr)
}

func moteDisplayName(st moteState) string {
	if st.Product != "" {
		return fmt.Sprintf("%s 0x%02X", st.Product, st.Address)
	}
	return fmt.Sprintf("SWAP mote 0x%02X", st.Address)
}

func moteTopic(prefix string, addr uint8) string {
	return fmt.Sprintf("%s/motes/%02X", prefix, addr)
}

// parseMoteCommandTopic extracts the address from "<prefix>/motes/<XX>/set".
func parseMoteCommandTopic(prefix, topic string) (uint8, bool) {
	rest, ok := strings.CutPrefix(topic, prefix+"/motes/")
	if !ok {
		return 0, false
	}
	hex, ok := strings.CutSuffix(rest, "/set")
	if !ok || hex == "" || strings.Contains(hex, "/") {
		return 0, false
	}
	addr, err := strconv.ParseUint(hex, 16, 8)
	if err != nil {
		return 0, false
	}
	return uint8(addr), true
}

// buildDiscovery creates HA discovery messages for a mote: its SWAP state,
// link quality, and one sensor per named endpoint of its product.
func buildDiscovery(st moteState, def *controller.ProductDefinition, prefix string) []discoveryMsg {
	id := moteIdentifier(st.Address)
	name := moteDisplayName(st)
	dev := haDevice{
		Identifiers:  []string{id},
		Manufacturer: st.Manufacturer,
		Model:        st.Product,
		Name:         name,
		ViaDevice:    prefix + "_gateway",
	}
	stateTopic := moteTopic(prefix, st.Address)
	availTopic := prefix + "/bridge/state"

	entities := []struct {
		object string
		cfg    haDiscovery
	}{
		{"state", haDiscovery{
			Name:          name + " State",
			ValueTemplate: "{{ value_json.state }}",
		}},
		{"rssi", haDiscovery{
			Name:              name + " RSSI",
			ValueTemplate:     "{{ value_json.rssi }}",
			UnitOfMeasurement: "dBm",
			DeviceClass:       "signal_strength",
			StateClass:        "measurement",
			EntityCategory:    "diagnostic",
		}},
		{"lqi", haDiscovery{
			Name:           name + " LQI",
			ValueTemplate:  "{{ value_json.lqi }}",
			StateClass:     "measurement",
			EntityCategory: "diagnostic",
		}},
	}

	if def != nil {
		for _, ep := range def.Endpoints {
			cfg := haDiscovery{
				Name:              name + " " + ep.Name,
				ValueTemplate:     fmt.Sprintf("{{ value_json.registers['%d'] | int(0, 16) }}", ep.Register),
				UnitOfMeasurement: ep.Unit,
			}
			if ep.Unit != "" {
				cfg.StateClass = "measurement"
			}
			entities = append(entities, struct {
				object string
				cfg    haDiscovery
			}{fmt.Sprintf("reg%d", ep.Register), cfg})
		}
	}

	msgs := make([]discoveryMsg, 0, len(entities))
	for _, e := range entities {
		cfg := e.cfg
		cfg.UniqueID = id + "_" + e.object
		cfg.StateTopic = stateTopic
		cfg.AvailabilityTopic = availTopic
		cfg.Device = dev
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/sensor/%s/%s/config", id, e.object),
			Payload: mustJSON(cfg),
		})
	}
	return msgs
}
