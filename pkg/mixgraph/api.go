package mixgraph

import (
	"context"
	"sort"

	"go.uber.org/multierr"

	"github.com/MixyLabs/mixgraph/pkg/mixgraph/endpoint"
	"github.com/MixyLabs/mixgraph/pkg/mixgraph/errkind"
	"github.com/MixyLabs/mixgraph/pkg/mixgraph/plugins"
	"github.com/MixyLabs/mixgraph/pkg/mixgraph/routing"
)

func (l *GraphLoop) channel(id string) (*MixerChannel, error) {
	ch, ok := l.channels[id]
	if !ok {
		return nil, errkind.Newf(errkind.NotFound, "find channel", "no channel %q", id)
	}
	return ch, nil
}

func (l *GraphLoop) createChannel(ctx context.Context, cc ChannelConfig, declared bool) (*ChannelInfo, error) {
	if err := cc.validate(); err != nil {
		return nil, err
	}
	if _, ok := l.channels[cc.ID]; ok {
		return nil, errkind.Newf(errkind.InvalidArgument, "create channel", "channel %q already exists", cc.ID)
	}

	kind, _ := routing.ParseChannelKind(cc.Kind)
	rules, err := rulesFromConfig(cc.Rules)
	if err != nil {
		return nil, err
	}
	if err := l.routes.SetRules(cc.ID, rules); err != nil {
		return nil, errkind.New(errkind.InvalidArgument, "create channel", err)
	}

	ch := newMixerChannel(cc.ID, cc.Name, kind, cc.VolumeDB, cc.Muted, l.config.MeterCapacity)
	ch.Device = cc.Device
	if declared {
		ch.declared = &cc
	}

	l.channels[ch.ID] = ch
	l.order = append(l.order, ch.ID)
	l.params.put(ch.ID, ch.Params)
	l.meters.attach(ch.ID, ch.Meter)

	l.restoreChain(ch, cc.Plugins)

	if l.state == StateConnected {
		l.ensureEndpoint(ctx, ch)
	}
	l.dirty = true

	l.logger.Infow("Created channel", "channel", ch.ID, "name", ch.Name, "kind", ch.Kind, "declared", declared)

	info := l.info(ch)
	l.bus.Publish(Event{Kind: EventChannelAdded, ChannelID: ch.ID, Channel: info})

	return info, nil
}

// updateChannel brings an existing channel in line with its config entry.
// Volume and mute only follow the file when the file changed them.
func (l *GraphLoop) updateChannel(ch *MixerChannel, cc ChannelConfig) error {
	if err := cc.validate(); err != nil {
		return err
	}

	kind, _ := routing.ParseChannelKind(cc.Kind)
	if kind != ch.Kind {
		return errkind.Newf(errkind.InvalidArgument, "update channel", "channel %s cannot change from %s to %s", ch.ID, ch.Kind, kind)
	}

	rules, err := rulesFromConfig(cc.Rules)
	if err != nil {
		return err
	}
	if err := l.routes.SetRules(ch.ID, rules); err != nil {
		return errkind.New(errkind.InvalidArgument, "update channel", err)
	}

	if cc.Name != "" {
		ch.Name = cc.Name
	}
	l.setDevice(ch, cc.Device)

	prev := ch.declared
	if prev == nil || prev.VolumeDB != cc.VolumeDB {
		ch.Params.SetVolumeDB(cc.VolumeDB)
	}
	if prev == nil || prev.Muted != cc.Muted {
		ch.Params.SetMuted(cc.Muted)
	}

	if !ch.chainMatches(cc.Plugins) {
		l.saveChainState(ch)
		l.unloadChain(ch)
		l.restoreChain(ch, cc.Plugins)
	}

	ch.declared = &cc
	l.dirty = true

	l.forwardParams(ch.ID)

	return nil
}

func (l *GraphLoop) deleteChannel(id string) error {
	ch, err := l.channel(id)
	if err != nil {
		return err
	}

	l.closeTap(ch)
	l.unloadChain(ch)
	ch.resolveWaiters(errkind.Newf(errkind.NotFound, "wait endpoint", "channel %s was deleted", id))

	l.routes.RemoveChannel(id)
	delete(l.channels, id)
	for i, other := range l.order {
		if other == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	l.params.remove(id)
	l.meters.detach(id)

	l.destroyEndpoint(id)

	err = l.workers.Go(func(ctx context.Context) error {
		return l.states.forgetChannel(id)
	})
	if err != nil {
		l.logger.Warnw("Failed to queue plugin state removal", "channel", id, "error", err)
	}

	l.dirty = true

	l.logger.Infow("Deleted channel", "channel", id)
	l.bus.Publish(Event{Kind: EventChannelRemoved, ChannelID: id})

	return nil
}

// applyConfig creates and updates the declared channels and deletes the
// declared ones that are gone from the file. API channels are left alone.
func (l *GraphLoop) applyConfig(ctx context.Context, configs []ChannelConfig) error {
	var errs error

	seen := make(map[string]bool, len(configs))
	for _, cc := range configs {
		seen[cc.ID] = true

		if ch, ok := l.channels[cc.ID]; ok {
			errs = multierr.Append(errs, l.updateChannel(ch, cc))
			continue
		}
		_, err := l.createChannel(ctx, cc, true)
		errs = multierr.Append(errs, err)
	}

	for _, id := range append([]string(nil), l.order...) {
		if l.channels[id].declared != nil && !seen[id] {
			errs = multierr.Append(errs, l.deleteChannel(id))
		}
	}

	return errs
}

func (l *GraphLoop) setDevice(ch *MixerChannel, device string) {
	if ch.Device == device {
		return
	}
	ch.Device = device
	// the processing tap plays into the device directly
	if ch.tapProcessing {
		l.closeTap(ch)
	}
	l.dirty = true
}

// recreateEndpoint replaces the channel's helper, also after it was lost
func (l *GraphLoop) recreateEndpoint(ctx context.Context, id string) error {
	ch, err := l.channel(id)
	if err != nil {
		return err
	}

	l.closeTap(ch)
	l.destroyEndpoint(id)

	ch.endpointLost = false
	ch.endpointErr = nil
	ch.tapFailedNode = 0
	ch.volumeApplied = false

	if l.state == StateConnected {
		l.ensureEndpoint(ctx, ch)
	}
	l.dirty = true
	l.publishEndpoint(ch)

	return nil
}

// waitEndpoint returns nil when the endpoint is already bound, otherwise a
// channel that receives the outcome of the next bind
func (l *GraphLoop) waitEndpoint(id string) (chan error, error) {
	ch, err := l.channel(id)
	if err != nil {
		return nil, err
	}

	if ch.endpointLost {
		return nil, ch.endpointErr
	}
	if ep, ok := l.endpoints.Get(id); ok && (ep.State == endpoint.StateBound || ep.State == endpoint.StateActive) {
		return nil, nil
	}

	wait := make(chan error, 1)
	ch.waiters = append(ch.waiters, wait)
	return wait, nil
}

func (d *Daemon) CreateChannel(ctx context.Context, cc ChannelConfig) (*ChannelInfo, error) {
	var info *ChannelInfo
	err := d.loop.Do(ctx, func(l *GraphLoop) error {
		var err error
		info, err = l.createChannel(ctx, cc, false)
		return err
	})
	return info, err
}

func (d *Daemon) DeleteChannel(ctx context.Context, channelID string) error {
	return d.loop.Do(ctx, func(l *GraphLoop) error {
		return l.deleteChannel(channelID)
	})
}

// RenameChannel changes the display name. The endpoint node keeps its
// description until RecreateEndpoint.
func (d *Daemon) RenameChannel(ctx context.Context, channelID, name string) error {
	if err := validateName(name); err != nil {
		return err
	}

	return d.loop.Do(ctx, func(l *GraphLoop) error {
		ch, err := l.channel(channelID)
		if err != nil {
			return err
		}
		ch.Name = name
		l.bus.Publish(Event{Kind: EventChannelUpdated, ChannelID: ch.ID, Channel: l.info(ch)})
		return nil
	})
}

// SetDevice picks the device a channel feeds (sink) or records from
// (source). Empty means the server default.
func (d *Daemon) SetDevice(ctx context.Context, channelID, device string) error {
	return d.loop.Do(ctx, func(l *GraphLoop) error {
		ch, err := l.channel(channelID)
		if err != nil {
			return err
		}
		l.setDevice(ch, device)
		l.bus.Publish(Event{Kind: EventChannelUpdated, ChannelID: ch.ID, Channel: l.info(ch)})
		return nil
	})
}

// SetVolume stores the new volume right away and returns it clamped. The
// loop forwards it to the server afterwards.
func (d *Daemon) SetVolume(ctx context.Context, channelID string, db float64) (float32, error) {
	if err := validateVolume(db); err != nil {
		return 0, err
	}

	params, ok := d.loop.params.get(channelID)
	if !ok {
		return 0, errkind.Newf(errkind.NotFound, "set volume", "no channel %q", channelID)
	}

	applied := params.SetVolumeDB(float32(db))
	return applied, d.loop.Submit(ctx, paramsChanged{channelID: channelID})
}

func (d *Daemon) SetMute(ctx context.Context, channelID string, muted bool) error {
	params, ok := d.loop.params.get(channelID)
	if !ok {
		return errkind.Newf(errkind.NotFound, "set mute", "no channel %q", channelID)
	}

	params.SetMuted(muted)
	return d.loop.Submit(ctx, paramsChanged{channelID: channelID})
}

func (d *Daemon) AddRule(ctx context.Context, channelID string, rc RuleConfig) error {
	rule, err := rc.rule()
	if err != nil {
		return errkind.New(errkind.InvalidArgument, "add rule", err)
	}

	return d.loop.Do(ctx, func(l *GraphLoop) error {
		ch, err := l.channel(channelID)
		if err != nil {
			return err
		}
		if err := l.routes.AddRule(ch.ID, rule); err != nil {
			return errkind.New(errkind.InvalidArgument, "add rule", err)
		}
		l.dirty = true
		l.bus.Publish(Event{Kind: EventChannelUpdated, ChannelID: ch.ID, Channel: l.info(ch)})
		return nil
	})
}

// RemoveRule drops every rule of the channel with this pattern
func (d *Daemon) RemoveRule(ctx context.Context, channelID, pattern string) error {
	return d.loop.Do(ctx, func(l *GraphLoop) error {
		ch, err := l.channel(channelID)
		if err != nil {
			return err
		}
		if !l.routes.RemoveRule(ch.ID, pattern) {
			return errkind.Newf(errkind.NotFound, "remove rule", "channel %s has no rule %q", ch.ID, pattern)
		}
		l.dirty = true
		l.bus.Publish(Event{Kind: EventChannelUpdated, ChannelID: ch.ID, Channel: l.info(ch)})
		return nil
	})
}

func (d *Daemon) RecreateEndpoint(ctx context.Context, channelID string) error {
	return d.loop.Do(ctx, func(l *GraphLoop) error {
		return l.recreateEndpoint(ctx, channelID)
	})
}

// WaitEndpoint blocks until the channel's endpoint node is bound, its
// helper fails, or ctx is done
func (d *Daemon) WaitEndpoint(ctx context.Context, channelID string) error {
	var wait chan error
	err := d.loop.Do(ctx, func(l *GraphLoop) error {
		var err error
		wait, err = l.waitEndpoint(channelID)
		return err
	})
	if err != nil || wait == nil {
		return err
	}

	select {
	case err := <-wait:
		return err
	case <-d.loop.Done():
		return ErrLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Daemon) ListChannels(ctx context.Context) ([]ChannelInfo, error) {
	var list []ChannelInfo
	err := d.loop.Do(ctx, func(l *GraphLoop) error {
		list = make([]ChannelInfo, 0, len(l.order))
		for _, id := range l.order {
			list = append(list, *l.info(l.channels[id]))
		}
		return nil
	})
	return list, err
}

func (d *Daemon) Channel(ctx context.Context, channelID string) (*ChannelInfo, error) {
	var info *ChannelInfo
	err := d.loop.Do(ctx, func(l *GraphLoop) error {
		ch, err := l.channel(channelID)
		if err != nil {
			return err
		}
		info = l.info(ch)
		return nil
	})
	return info, err
}

// ListPlugins returns the usable plugins ordered by id
func (d *Daemon) ListPlugins() []plugins.Descriptor {
	list := d.host.Catalog()
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// RescanPlugins runs discovery again and returns everything it found,
// rejected plugins included
func (d *Daemon) RescanPlugins() []plugins.Descriptor {
	return d.host.Discover()
}

func (d *Daemon) LoadPlugin(ctx context.Context, channelID, pluginID string) (plugins.Handle, error) {
	var handle plugins.Handle
	err := d.loop.Do(ctx, func(l *GraphLoop) error {
		ch, err := l.channel(channelID)
		if err != nil {
			return err
		}
		handle, err = l.loadPlugin(ch, PluginConfig{ID: pluginID}, false)
		if err != nil {
			return err
		}
		l.bus.Publish(Event{Kind: EventChannelUpdated, ChannelID: ch.ID, Channel: l.info(ch)})
		return nil
	})
	return handle, err
}

func (d *Daemon) UnloadPlugin(ctx context.Context, channelID string, handle plugins.Handle) error {
	return d.loop.Do(ctx, func(l *GraphLoop) error {
		ch, err := l.channel(channelID)
		if err != nil {
			return err
		}
		if err := l.unloadPlugin(ch, handle); err != nil {
			return err
		}
		l.bus.Publish(Event{Kind: EventChannelUpdated, ChannelID: ch.ID, Channel: l.info(ch)})
		return nil
	})
}

func (d *Daemon) PluginParameters(ctx context.Context, channelID string, handle plugins.Handle) ([]plugins.ParameterValue, error) {
	var values []plugins.ParameterValue
	err := d.loop.Do(ctx, func(l *GraphLoop) error {
		if _, err := l.channelPlugin(channelID, handle); err != nil {
			return err
		}
		var err error
		values, err = l.host.Parameters(handle)
		return err
	})
	return values, err
}

func (d *Daemon) SetPluginParameter(ctx context.Context, channelID string, handle plugins.Handle, index int, value float32) error {
	return d.loop.Do(ctx, func(l *GraphLoop) error {
		if _, err := l.channelPlugin(channelID, handle); err != nil {
			return err
		}
		return l.host.SetParameter(handle, index, value)
	})
}

// SavePluginState returns the instance's opaque state blob
func (d *Daemon) SavePluginState(ctx context.Context, channelID string, handle plugins.Handle) ([]byte, error) {
	var blob []byte
	err := d.loop.Do(ctx, func(l *GraphLoop) error {
		if _, err := l.channelPlugin(channelID, handle); err != nil {
			return err
		}
		var err error
		blob, err = l.host.SaveState(handle)
		return err
	})
	return blob, err
}

func (d *Daemon) LoadPluginState(ctx context.Context, channelID string, handle plugins.Handle, blob []byte) error {
	return d.loop.Do(ctx, func(l *GraphLoop) error {
		if _, err := l.channelPlugin(channelID, handle); err != nil {
			return err
		}
		return l.host.LoadState(handle, blob)
	})
}

// Subscribe streams events until the returned function is called. A
// subscriber that falls behind loses events rather than blocking the daemon.
func (d *Daemon) Subscribe(buffer int) (<-chan Event, func()) {
	return d.bus.Subscribe(buffer)
}

func (d *Daemon) ConnectionState(ctx context.Context) ConnState {
	state := StateStopped
	_ = d.loop.Do(ctx, func(l *GraphLoop) error {
		state = l.state
		return nil
	})
	return state
}
