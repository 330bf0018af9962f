package server

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/MixyLabs/mixgraph/pkg/mixgraph/graph"
)

const (
	typeNode     = "PipeWire:Interface:Node"
	typePort     = "PipeWire:Interface:Port"
	typeLink     = "PipeWire:Interface:Link"
	typeMetadata = "PipeWire:Interface:Metadata"

	defaultMetadataName = "default"
	keyDefaultSink      = "default.audio.sink"
	keyDefaultSource    = "default.audio.source"
)

// dumpObject is one element of the arrays pw-dump prints. Objects that went
// away are reported with a null info.
type dumpObject struct {
	ID       uint32            `json:"id"`
	Type     string            `json:"type"`
	Info     json.RawMessage   `json:"info"`
	Props    map[string]any    `json:"props"`
	Metadata []json.RawMessage `json:"metadata"`
}

type dumpInfo struct {
	Direction string         `json:"direction"`
	Props     map[string]any `json:"props"`

	OutputNode uint32 `json:"output-node-id"`
	OutputPort uint32 `json:"output-port-id"`
	InputNode  uint32 `json:"input-node-id"`
	InputPort  uint32 `json:"input-port-id"`
}

type metadataEntry struct {
	Subject uint32          `json:"subject"`
	Key     string          `json:"key"`
	Value   json.RawMessage `json:"value"`
}

// dumpDecoder turns pw-dump batches into mirror updates. It remembers the
// default metadata so only real changes of the defaults are reported.
type dumpDecoder struct {
	defaults   graph.Defaults
	metadataID uint32
	types      map[uint32]string
}

func newDumpDecoder() *dumpDecoder {
	return &dumpDecoder{types: make(map[uint32]string)}
}

func (d *dumpDecoder) decode(batch []dumpObject) []graph.Update {
	var updates []graph.Update

	for _, obj := range batch {
		if obj.Type == "" && isNull(obj.Info) {
			if d.metadataID != 0 && obj.ID == d.metadataID {
				d.metadataID = 0
				if d.defaults != (graph.Defaults{}) {
					d.defaults = graph.Defaults{}
					updates = append(updates, graph.Update{Kind: graph.UpdateDefaults})
				}
				continue
			}
			if _, known := d.types[obj.ID]; known {
				delete(d.types, obj.ID)
				updates = append(updates, graph.Update{Kind: graph.UpdateRemoved, ID: obj.ID})
			}
			continue
		}

		switch obj.Type {
		case typeNode, typePort, typeLink:
			if isNull(obj.Info) {
				delete(d.types, obj.ID)
				updates = append(updates, graph.Update{Kind: graph.UpdateRemoved, ID: obj.ID})
				continue
			}
			var info dumpInfo
			if err := json.Unmarshal(obj.Info, &info); err != nil {
				continue
			}
			d.types[obj.ID] = obj.Type
			updates = append(updates, objectUpdate(obj, info))
		case typeMetadata:
			if u, ok := d.metadata(obj); ok {
				updates = append(updates, u)
			}
		}
	}

	return updates
}

func objectUpdate(obj dumpObject, info dumpInfo) graph.Update {
	switch obj.Type {
	case typeNode:
		props := stringProps(info.Props)
		pid, _ := strconv.Atoi(props["application.process.id"])
		return graph.Update{Kind: graph.UpdateNode, Node: &graph.Node{
			ID:          obj.ID,
			Name:        props["node.name"],
			Description: firstNonEmpty(props["node.description"], props["node.nick"], props["node.name"]),
			MediaClass:  props["media.class"],
			AppName:     props["application.name"],
			Binary:      props["application.process.binary"],
			Pid:         pid,
			Category:    graph.Classify(props["media.class"], props),
			ChannelID:   props[graph.PropChannel],
			Role:        props[graph.PropRole],
		}}

	case typePort:
		props := stringProps(info.Props)
		nodeID, _ := strconv.ParseUint(props["node.id"], 10, 32)
		dir := graph.DirectionIn
		if info.Direction == "output" {
			dir = graph.DirectionOut
		}
		return graph.Update{Kind: graph.UpdatePort, Port: &graph.Port{
			ID:        obj.ID,
			NodeID:    uint32(nodeID),
			Name:      props["port.name"],
			Direction: dir,
			Position:  graph.ParsePosition(props["audio.channel"], props["port.name"]),
			Monitor:   props["port.monitor"] == "true",
		}}

	default:
		return graph.Update{Kind: graph.UpdateLink, Link: &graph.Link{
			ID:         obj.ID,
			OutputNode: info.OutputNode,
			OutputPort: info.OutputPort,
			InputNode:  info.InputNode,
			InputPort:  info.InputPort,
		}}
	}
}

func (d *dumpDecoder) metadata(obj dumpObject) (graph.Update, bool) {
	if name, _ := obj.Props["metadata.name"].(string); name != defaultMetadataName && obj.ID != d.metadataID {
		return graph.Update{}, false
	}
	d.metadataID = obj.ID

	defaults := d.defaults

	for _, raw := range obj.Metadata {
		var entry metadataEntry
		if err := json.Unmarshal(raw, &entry); err != nil || entry.Subject != 0 {
			continue
		}
		switch entry.Key {
		case keyDefaultSink:
			defaults.Sink = metadataName(entry.Value)
		case keyDefaultSource:
			defaults.Source = metadataName(entry.Value)
		}
	}

	if defaults == d.defaults {
		return graph.Update{}, false
	}
	d.defaults = defaults
	return graph.Update{Kind: graph.UpdateDefaults, Defaults: defaults}, true
}

// metadataName reads values like {"name": "alsa_output.pci"} or a bare string
func metadataName(raw json.RawMessage) string {
	var named struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &named); err == nil && named.Name != "" {
		return named.Name
	}

	var plain string
	if err := json.Unmarshal(raw, &plain); err == nil {
		return plain
	}
	return ""
}

func stringProps(props map[string]any) map[string]string {
	out := make(map[string]string, len(props))
	for k, v := range props {
		switch v := v.(type) {
		case string:
			out[k] = v
		case float64:
			out[k] = strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(v)
		}
	}
	return out
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
