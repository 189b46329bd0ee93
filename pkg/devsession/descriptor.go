package devsession

import (
	"encoding/json"
	"fmt"
	"sort"
	"unicode/utf8"

	"golang.org/x/mod/semver"

	"github.com/qretprop/teststand/pkg/protocol"
)

// SensorDescriptor is one entry of a device's sensor table, built from the
// CONFIG JSON's sensorInfo section. Index in the owning Session's Sensors
// slice is the sensor_id used on the wire.
type SensorDescriptor struct {
	Name     string
	Category string // "thermocouple", "pressureTransducer", or "loadCell"
	Units    string
	Extra    json.RawMessage // the descriptor verbatim, unknown fields included
}

// ControlDescriptor is one entry of a device's control table, built from the
// CONFIG JSON's controls section. Index in the owning Session's Controls
// slice is the cmd_id used on the wire.
type ControlDescriptor struct {
	Name         string
	Pin          int
	Kind         string
	DefaultState ControlState
	Extra        json.RawMessage
}

// ControlState mirrors protocol.ControlState but is decoded from the JSON
// strings "OPEN"/"CLOSED" rather than the wire byte encoding.
type ControlState uint8

const (
	ControlClosed ControlState = 0
	ControlOpen   ControlState = 1
)

// toProtocol converts to the wire-level protocol.ControlState.
func (c ControlState) toProtocol() protocol.ControlState {
	if c == ControlOpen {
		return protocol.ControlOpen
	}
	return protocol.ControlClosed
}

type configDoc struct {
	DeviceName      string `json:"deviceName"`
	DeviceType      string `json:"deviceType"`
	FirmwareVersion string `json:"firmwareVersion"`
	SensorInfo      struct {
		Thermocouples       map[string]json.RawMessage `json:"thermocouples"`
		PressureTransducers map[string]json.RawMessage `json:"pressureTransducers"`
		LoadCells           map[string]json.RawMessage `json:"loadCells"`
	} `json:"sensorInfo"`
	Controls map[string]json.RawMessage `json:"controls"`
}

type sensorFields struct {
	Units string `json:"units"`
}

type controlFields struct {
	Pin          int    `json:"pin"`
	Type         string `json:"type"`
	DefaultState string `json:"defaultState"`
}

// parsedConfig is everything AWAITING_CONFIG needs out of a device's CONFIG
// packet, in the order sensor_id/cmd_id assignment requires.
type parsedConfig struct {
	Name            string
	Kind            string
	FirmwareVersion string
	Sensors         []SensorDescriptor
	Controls        []ControlDescriptor
}

// parseConfigJSON validates and decodes a device's CONFIG payload. Per the
// handshake contract, any failure here is fatal to the connection with no
// ACK sent and no registry entry created.
func parseConfigJSON(raw []byte) (parsedConfig, error) {
	if !utf8.Valid(raw) {
		return parsedConfig{}, fmt.Errorf("devsession: CONFIG payload is not valid UTF-8")
	}

	var doc configDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return parsedConfig{}, fmt.Errorf("devsession: CONFIG payload is not a JSON object: %w", err)
	}
	if doc.DeviceName == "" {
		return parsedConfig{}, fmt.Errorf("devsession: CONFIG missing required deviceName")
	}

	pc := parsedConfig{
		Name:            doc.DeviceName,
		Kind:            doc.DeviceType,
		FirmwareVersion: doc.FirmwareVersion,
	}
	if pc.FirmwareVersion != "" {
		v := pc.FirmwareVersion
		if v[0] != 'v' {
			v = "v" + v
		}
		if !semver.IsValid(v) {
			// Informational field only; tolerate and keep the raw string.
			pc.FirmwareVersion = doc.FirmwareVersion
		}
	}

	var err error
	pc.Sensors, err = buildSensors("thermocouple", doc.SensorInfo.Thermocouples, pc.Sensors)
	if err != nil {
		return parsedConfig{}, err
	}
	pc.Sensors, err = buildSensors("pressureTransducer", doc.SensorInfo.PressureTransducers, pc.Sensors)
	if err != nil {
		return parsedConfig{}, err
	}
	pc.Sensors, err = buildSensors("loadCell", doc.SensorInfo.LoadCells, pc.Sensors)
	if err != nil {
		return parsedConfig{}, err
	}

	pc.Controls, err = buildControls(doc.Controls)
	if err != nil {
		return parsedConfig{}, err
	}

	return pc, nil
}

func buildSensors(category string, m map[string]json.RawMessage, out []SensorDescriptor) ([]SensorDescriptor, error) {
	for _, name := range sortedKeys(m) {
		raw := m[name]
		var f sensorFields
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("devsession: sensor %q: %w", name, err)
		}
		if f.Units == "" {
			return nil, fmt.Errorf("devsession: sensor %q missing parseable units", name)
		}
		out = append(out, SensorDescriptor{
			Name:     name,
			Category: category,
			Units:    f.Units,
			Extra:    raw,
		})
	}
	return out, nil
}

func buildControls(m map[string]json.RawMessage) ([]ControlDescriptor, error) {
	var out []ControlDescriptor
	for _, name := range sortedKeys(m) {
		raw := m[name]
		var f controlFields
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("devsession: control %q: %w", name, err)
		}
		var state ControlState
		switch f.DefaultState {
		case "OPEN":
			state = ControlOpen
		case "CLOSED":
			state = ControlClosed
		default:
			return nil, fmt.Errorf("devsession: control %q has invalid defaultState %q", name, f.DefaultState)
		}
		out = append(out, ControlDescriptor{
			Name:         name,
			Pin:          f.Pin,
			Kind:         f.Type,
			DefaultState: state,
			Extra:        raw,
		})
	}
	return out, nil
}

// sortedKeys gives deterministic sensor_id/cmd_id assignment within a
// category: the wire spec fixes inter-category order but the source JSON's
// map has no order of its own, so keys are sorted lexically.
func sortedKeys(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
