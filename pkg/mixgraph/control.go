package mixgraph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"go.uber.org/zap"

	"github.com/MixyLabs/mixgraph/pkg/mixgraph/errkind"
	"github.com/MixyLabs/mixgraph/pkg/mixgraph/plugins"
)

const (
	busName       = "com.mixylabs.Mixgraph"
	objectPath    = dbus.ObjectPath("/com/mixylabs/Mixgraph")
	interfaceName = "com.mixylabs.Mixgraph1"

	errorPrefix = interfaceName + ".Error."

	// bounds every method call made over the bus
	controlTimeout = 10 * time.Second

	controlEventBuffer = 512
)

// controlService exposes the daemon on the session bus. Method calls arrive
// on godbus goroutines and go through the Daemon API like any other caller.
type controlService struct {
	logger *zap.SugaredLogger
	d      *Daemon
	dial   func() (*dbus.Conn, error)

	// notifier hears about the first failure of each outage
	notifier Notifier

	backoffMin time.Duration
	backoffMax time.Duration
}

var errBusClosed = errors.New("session bus connection closed")

func newControlService(d *Daemon, logger *zap.SugaredLogger) *controlService {
	logger = logger.Named("dbus")

	cs := &controlService{
		logger:     logger,
		d:          d,
		dial:       func() (*dbus.Conn, error) { return dbus.ConnectSessionBus() },
		backoffMin: defaultBackoffMin,
		backoffMax: defaultBackoffMax,
	}

	logger.Debug("Created control service instance")

	return cs
}

type dbusChannel struct {
	ID            string
	Name          string
	Kind          string
	VolumeDB      float64
	Muted         bool
	Device        string
	EndpointState string
	NodeID        uint32
	Rules         []dbusRule
	Plugins       []dbusSlot
}

type dbusRule struct {
	Pattern string
	Kind    string
	Target  string
}

type dbusSlot struct {
	Handle   uint64
	PluginID string
	State    string
	Latency  int32
}

type dbusPlugin struct {
	ID      string
	Name    string
	Vendor  string
	Version string
	Kind    string
	Inputs  int32
	Outputs int32
	State   string
	Reason  string
}

type dbusStream struct {
	NodeID    uint32
	Name      string
	AppName   string
	Binary    string
	Kind      string
	ChannelID string
}

type dbusDevice struct {
	NodeID      uint32
	Name        string
	Description string
	Kind        string
	Default     bool
}

type dbusParameter struct {
	Index   int32
	ID      string
	Name    string
	Unit    string
	Min     float64
	Max     float64
	Default float64
	Value   float64
}

func toDBusChannel(info *ChannelInfo) dbusChannel {
	c := dbusChannel{
		ID:            info.ID,
		Name:          info.Name,
		Kind:          info.Kind.String(),
		VolumeDB:      float64(info.VolumeDB),
		Muted:         info.Muted,
		Device:        info.Device,
		EndpointState: info.Endpoint.State.String(),
		NodeID:        info.Endpoint.NodeID,
		Rules:         []dbusRule{},
		Plugins:       []dbusSlot{},
	}
	for _, r := range info.Rules {
		c.Rules = append(c.Rules, dbusRule{Pattern: r.Pattern, Kind: r.Kind.String(), Target: r.Target.String()})
	}
	for _, s := range info.Plugins {
		c.Plugins = append(c.Plugins, dbusSlot{Handle: uint64(s.Handle), PluginID: s.PluginID, State: s.State.String(), Latency: int32(s.Latency)})
	}
	return c
}

func toDBusStream(s StreamInfo) dbusStream {
	return dbusStream{
		NodeID:    s.NodeID,
		Name:      s.Name,
		AppName:   s.AppName,
		Binary:    s.Binary,
		Kind:      s.Kind.String(),
		ChannelID: s.ChannelID,
	}
}

func toDBusPlugins(descs []plugins.Descriptor) []dbusPlugin {
	out := make([]dbusPlugin, 0, len(descs))
	for _, desc := range descs {
		out = append(out, dbusPlugin{
			ID:      desc.ID,
			Name:    desc.Name,
			Vendor:  desc.Vendor,
			Version: desc.Version,
			Kind:    desc.Kind.String(),
			Inputs:  int32(desc.Inputs),
			Outputs: int32(desc.Outputs),
			State:   desc.State.String(),
			Reason:  desc.RejectReason,
		})
	}
	return out
}

// dbusError maps an error kind onto a D-Bus error name
func dbusError(err error) *dbus.Error {
	if err == nil {
		return nil
	}

	name := errorPrefix + errkind.KindOf(err).String()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		name = errorPrefix + "Timeout"
	case errors.Is(err, ErrLoopStopped):
		name = errorPrefix + "Stopped"
	}

	return dbus.NewError(name, []interface{}{err.Error()})
}

func (cs *controlService) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), controlTimeout)
}

func (cs *controlService) CreateChannel(id, name, kind string) (dbusChannel, *dbus.Error) {
	ctx, cancel := cs.ctx()
	defer cancel()

	info, err := cs.d.CreateChannel(ctx, ChannelConfig{ID: id, Name: name, Kind: kind})
	if err != nil {
		return dbusChannel{}, dbusError(err)
	}
	return toDBusChannel(info), nil
}

func (cs *controlService) DeleteChannel(id string) *dbus.Error {
	ctx, cancel := cs.ctx()
	defer cancel()

	return dbusError(cs.d.DeleteChannel(ctx, id))
}

func (cs *controlService) RenameChannel(id, name string) *dbus.Error {
	ctx, cancel := cs.ctx()
	defer cancel()

	return dbusError(cs.d.RenameChannel(ctx, id, name))
}

func (cs *controlService) SetDevice(id, device string) *dbus.Error {
	ctx, cancel := cs.ctx()
	defer cancel()

	return dbusError(cs.d.SetDevice(ctx, id, device))
}

func (cs *controlService) SetVolume(id string, db float64) (float64, *dbus.Error) {
	ctx, cancel := cs.ctx()
	defer cancel()

	applied, err := cs.d.SetVolume(ctx, id, db)
	return float64(applied), dbusError(err)
}

func (cs *controlService) SetMute(id string, muted bool) *dbus.Error {
	ctx, cancel := cs.ctx()
	defer cancel()

	return dbusError(cs.d.SetMute(ctx, id, muted))
}

func (cs *controlService) AddRule(id, pattern, kind, target string) *dbus.Error {
	ctx, cancel := cs.ctx()
	defer cancel()

	return dbusError(cs.d.AddRule(ctx, id, RuleConfig{Pattern: pattern, Kind: kind, Target: target}))
}

func (cs *controlService) RemoveRule(id, pattern string) *dbus.Error {
	ctx, cancel := cs.ctx()
	defer cancel()

	return dbusError(cs.d.RemoveRule(ctx, id, pattern))
}

func (cs *controlService) RecreateEndpoint(id string) *dbus.Error {
	ctx, cancel := cs.ctx()
	defer cancel()

	return dbusError(cs.d.RecreateEndpoint(ctx, id))
}

func (cs *controlService) ListChannels() ([]dbusChannel, *dbus.Error) {
	ctx, cancel := cs.ctx()
	defer cancel()

	infos, err := cs.d.ListChannels(ctx)
	if err != nil {
		return nil, dbusError(err)
	}

	out := make([]dbusChannel, 0, len(infos))
	for i := range infos {
		out = append(out, toDBusChannel(&infos[i]))
	}
	return out, nil
}

func (cs *controlService) ListStreams() ([]dbusStream, *dbus.Error) {
	ctx, cancel := cs.ctx()
	defer cancel()

	streams, err := cs.d.ListStreams(ctx)
	if err != nil {
		return nil, dbusError(err)
	}

	out := make([]dbusStream, 0, len(streams))
	for _, s := range streams {
		out = append(out, toDBusStream(s))
	}
	return out, nil
}

func (cs *controlService) ListDevices() ([]dbusDevice, *dbus.Error) {
	ctx, cancel := cs.ctx()
	defer cancel()

	devices, err := cs.d.ListDevices(ctx)
	if err != nil {
		return nil, dbusError(err)
	}

	out := make([]dbusDevice, 0, len(devices))
	for _, dev := range devices {
		out = append(out, dbusDevice{
			NodeID:      dev.NodeID,
			Name:        dev.Name,
			Description: dev.Description,
			Kind:        dev.Kind.String(),
			Default:     dev.Default,
		})
	}
	return out, nil
}

func (cs *controlService) ListPlugins() ([]dbusPlugin, *dbus.Error) {
	return toDBusPlugins(cs.d.ListPlugins()), nil
}

func (cs *controlService) RescanPlugins() ([]dbusPlugin, *dbus.Error) {
	return toDBusPlugins(cs.d.RescanPlugins()), nil
}

func (cs *controlService) LoadPlugin(id, pluginID string) (uint64, *dbus.Error) {
	ctx, cancel := cs.ctx()
	defer cancel()

	handle, err := cs.d.LoadPlugin(ctx, id, pluginID)
	return uint64(handle), dbusError(err)
}

func (cs *controlService) UnloadPlugin(id string, handle uint64) *dbus.Error {
	ctx, cancel := cs.ctx()
	defer cancel()

	return dbusError(cs.d.UnloadPlugin(ctx, id, plugins.Handle(handle)))
}

func (cs *controlService) PluginParameters(id string, handle uint64) ([]dbusParameter, *dbus.Error) {
	ctx, cancel := cs.ctx()
	defer cancel()

	values, err := cs.d.PluginParameters(ctx, id, plugins.Handle(handle))
	if err != nil {
		return nil, dbusError(err)
	}

	out := make([]dbusParameter, 0, len(values))
	for _, v := range values {
		out = append(out, dbusParameter{
			Index:   int32(v.Index),
			ID:      v.ID,
			Name:    v.Name,
			Unit:    v.Unit,
			Min:     float64(v.Min),
			Max:     float64(v.Max),
			Default: float64(v.Default),
			Value:   float64(v.Value),
		})
	}
	return out, nil
}

func (cs *controlService) SetPluginParameter(id string, handle uint64, index int32, value float64) *dbus.Error {
	ctx, cancel := cs.ctx()
	defer cancel()

	return dbusError(cs.d.SetPluginParameter(ctx, id, plugins.Handle(handle), int(index), float32(value)))
}

func (cs *controlService) SavePluginState(id string, handle uint64) ([]byte, *dbus.Error) {
	ctx, cancel := cs.ctx()
	defer cancel()

	blob, err := cs.d.SavePluginState(ctx, id, plugins.Handle(handle))
	return blob, dbusError(err)
}

func (cs *controlService) LoadPluginState(id string, handle uint64, blob []byte) *dbus.Error {
	ctx, cancel := cs.ctx()
	defer cancel()

	return dbusError(cs.d.LoadPluginState(ctx, id, plugins.Handle(handle), blob))
}

func (cs *controlService) GetConnectionState() (string, *dbus.Error) {
	ctx, cancel := cs.ctx()
	defer cancel()

	return cs.d.ConnectionState(ctx).String(), nil
}

func (cs *controlService) GetVersion() (string, *dbus.Error) {
	return cs.d.version, nil
}

func signalArg(name, typ string) introspect.Arg {
	return introspect.Arg{Name: name, Type: typ}
}

func (cs *controlService) introspection() *introspect.Node {
	channel := dbus.SignatureOf(dbusChannel{}).String()
	stream := dbus.SignatureOf(dbusStream{}).String()

	return &introspect.Node{
		Name: string(objectPath),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{
				Name:    interfaceName,
				Methods: introspect.Methods(cs),
				Signals: []introspect.Signal{
					{Name: EventChannelAdded.String(), Args: []introspect.Arg{signalArg("channel", channel)}},
					{Name: EventChannelRemoved.String(), Args: []introspect.Arg{signalArg("id", "s")}},
					{Name: EventChannelUpdated.String(), Args: []introspect.Arg{signalArg("channel", channel)}},
					{Name: EventEndpointChanged.String(), Args: []introspect.Arg{
						signalArg("id", "s"), signalArg("state", "s"), signalArg("node", "u"), signalArg("lost", "b"), signalArg("error", "s"),
					}},
					{Name: EventNodeAdded.String(), Args: []introspect.Arg{signalArg("node", "u"), signalArg("name", "s"), signalArg("channel", "s")}},
					{Name: EventNodeRemoved.String(), Args: []introspect.Arg{signalArg("node", "u")}},
					{Name: EventLinkAdded.String(), Args: []introspect.Arg{signalArg("link", "u"), signalArg("output", "u"), signalArg("input", "u")}},
					{Name: EventLinkRemoved.String(), Args: []introspect.Arg{signalArg("link", "u"), signalArg("output", "u"), signalArg("input", "u")}},
					{Name: EventMeter.String(), Args: []introspect.Arg{signalArg("id", "s"), signalArg("peak", "d"), signalArg("rms", "d")}},
					{Name: EventConnectionChanged.String(), Args: []introspect.Arg{signalArg("state", "s")}},
					{Name: EventError.String(), Args: []introspect.Arg{signalArg("channel", "s"), signalArg("kind", "s"), signalArg("message", "s")}},
					{Name: EventStreamRouted.String(), Args: []introspect.Arg{signalArg("stream", stream), signalArg("channel", "s")}},
					{Name: EventStreamUnrouted.String(), Args: []introspect.Arg{signalArg("stream", stream), signalArg("channel", "s")}},
				},
			},
		},
	}
}

// signalBody turns an event into the arguments of its signal
func signalBody(e Event) ([]interface{}, bool) {
	switch e.Kind {
	case EventChannelAdded, EventChannelUpdated:
		if e.Channel == nil {
			return nil, false
		}
		return []interface{}{toDBusChannel(e.Channel)}, true
	case EventChannelRemoved:
		return []interface{}{e.ChannelID}, true
	case EventEndpointChanged:
		if e.Endpoint == nil {
			return nil, false
		}
		return []interface{}{e.ChannelID, e.Endpoint.State.String(), e.Endpoint.NodeID, e.Endpoint.Lost, e.Endpoint.Error}, true
	case EventNodeAdded:
		if e.Node == nil {
			return nil, false
		}
		return []interface{}{e.Node.ID, e.Node.Name, e.Node.ChannelID}, true
	case EventNodeRemoved:
		if e.Node == nil {
			return nil, false
		}
		return []interface{}{e.Node.ID}, true
	case EventLinkAdded, EventLinkRemoved:
		if e.Link == nil {
			return nil, false
		}
		return []interface{}{e.Link.ID, e.Link.OutputPort, e.Link.InputPort}, true
	case EventMeter:
		return []interface{}{e.ChannelID, float64(e.Meter.Peak), float64(e.Meter.RMS)}, true
	case EventConnectionChanged:
		return []interface{}{e.State.String()}, true
	case EventError:
		message := ""
		if e.Err != nil {
			message = e.Err.Error()
		}
		return []interface{}{e.ChannelID, errkind.KindOf(e.Err).String(), message}, true
	case EventStreamRouted, EventStreamUnrouted:
		if e.Stream == nil {
			return nil, false
		}
		return []interface{}{toDBusStream(*e.Stream), e.ChannelID}, true
	default:
		return nil, false
	}
}

// run keeps the service on the session bus until ctx is done, connecting
// again with backoff whenever the bus goes away
func (cs *controlService) run(ctx context.Context) {
	if cs.backoffMin <= 0 {
		cs.backoffMin = defaultBackoffMin
	}
	if cs.backoffMax < cs.backoffMin {
		cs.backoffMax = cs.backoffMin
	}

	backoff := cs.backoffMin
	failing := false

	for {
		served, err := cs.serve(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}

		if served {
			backoff = cs.backoffMin
			failing = false
		}
		cs.logger.Warnw("D-Bus control surface unavailable", "error", err, "retryIn", backoff)
		if !failing {
			failing = true
			if cs.notifier != nil {
				cs.notifier.Notify("D-Bus service unavailable", err.Error())
			}
		}

		retry := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			retry.Stop()
			return
		case <-retry.C:
		}

		backoff *= 2
		if backoff > cs.backoffMax {
			backoff = cs.backoffMax
		}
	}
}

// serve owns one bus connection, forwarding events as signals. It returns
// nil once the daemon stops and reports whether the connection got as far
// as serving.
func (cs *controlService) serve(ctx context.Context) (bool, error) {
	conn, err := cs.dial()
	if err != nil {
		return false, fmt.Errorf("connect session bus: %w", err)
	}
	defer conn.Close()

	if err := conn.Export(cs, objectPath, interfaceName); err != nil {
		return false, fmt.Errorf("export control object: %w", err)
	}
	if err := conn.Export(introspect.NewIntrospectable(cs.introspection()), objectPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		return false, fmt.Errorf("export introspection: %w", err)
	}

	reply, err := conn.RequestName(busName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return false, fmt.Errorf("request bus name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return false, fmt.Errorf("bus name %s is already taken", busName)
	}

	cs.logger.Infow("Serving on the session bus", "name", busName, "path", objectPath)

	events, unsubscribe := cs.d.Subscribe(controlEventBuffer)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			cs.logger.Debug("Control service stopping")
			if _, err := conn.ReleaseName(busName); err != nil {
				cs.logger.Debugw("Failed to release bus name", "error", err)
			}
			return true, nil

		case <-conn.Context().Done():
			return true, errBusClosed

		case e, ok := <-events:
			if !ok {
				return true, nil
			}
			body, ok := signalBody(e)
			if !ok {
				continue
			}
			if err := conn.Emit(objectPath, interfaceName+"."+e.Kind.String(), body...); err != nil {
				cs.logger.Debugw("Failed to emit signal", "signal", e.Kind, "error", err)
			}
		}
	}
}
