package mixgraph

import (
	"context"

	"github.com/MixyLabs/mixgraph/pkg/mixgraph/errkind"
	"github.com/MixyLabs/mixgraph/pkg/mixgraph/plugins"
	"github.com/MixyLabs/mixgraph/pkg/mixgraph/routing"
)

// loadPlugin appends an active instance to the channel's chain. With
// restore set, a state blob saved for the same slot is loaded into it.
func (l *GraphLoop) loadPlugin(ch *MixerChannel, pc PluginConfig, restore bool) (plugins.Handle, error) {
	if ch.Kind == routing.KindSource {
		return 0, errkind.Newf(errkind.InvalidArgument, "load plugin", "effect chains are only supported on sink channels, %s is a source", ch.ID)
	}

	handle, err := l.host.Load(pc.ID)
	if err != nil {
		return 0, err
	}

	desc, err := l.host.Descriptor(handle)
	if err != nil {
		_ = l.host.Unload(handle)
		return 0, err
	}
	if desc.Inputs != channelCount || desc.Outputs != channelCount {
		_ = l.host.Unload(handle)
		return 0, errkind.Newf(errkind.InvalidArgument, "load plugin", "%s is %d in / %d out, channels are stereo", pc.ID, desc.Inputs, desc.Outputs)
	}

	if err := l.host.Activate(handle, float64(l.config.SampleRate), l.config.BlockSize); err != nil {
		_ = l.host.Unload(handle)
		return 0, err
	}

	index := len(ch.slots)

	if restore && desc.Features&plugins.CapState != 0 {
		blob, err := l.states.load(ch.ID, index, pc.ID)
		if err != nil {
			l.logger.Warnw("Failed to read plugin state", "channel", ch.ID, "plugin", pc.ID, "error", err)
		} else if blob != nil {
			if err := l.host.LoadState(handle, blob); err != nil {
				l.logger.Warnw("Plugin rejected its saved state", "channel", ch.ID, "plugin", pc.ID, "error", err)
			}
		}
	}

	if len(pc.Params) > 0 {
		if err := l.applyPluginParams(handle, pc.Params); err != nil {
			l.logger.Warnw("Failed to apply plugin parameters", "channel", ch.ID, "plugin", pc.ID, "error", err)
		}
	}

	ch.slots = append(ch.slots, pluginSlot{handle: handle, pluginID: pc.ID})
	ch.publishChain()
	l.dirty = true

	l.logger.Infow("Loaded plugin", "channel", ch.ID, "plugin", pc.ID, "handle", handle, "slot", index)

	return handle, nil
}

// applyPluginParams sets parameters by id, clamped to their range
func (l *GraphLoop) applyPluginParams(handle plugins.Handle, params map[string]float32) error {
	values, err := l.host.Parameters(handle)
	if err != nil {
		return err
	}

	for id, value := range params {
		found := false
		for _, v := range values {
			if v.ID != id {
				continue
			}
			found = true
			if err := l.host.SetParameter(handle, v.Index, v.Clamp(value)); err != nil {
				return err
			}
		}
		if !found {
			return errkind.Newf(errkind.InvalidArgument, "set plugin parameter", "no parameter %q", id)
		}
	}
	return nil
}

// unloadPlugin takes an instance out of the chain, keeping its state for
// the next time the slot is restored
func (l *GraphLoop) unloadPlugin(ch *MixerChannel, handle plugins.Handle) error {
	index := ch.slotIndex(handle)
	if index < 0 {
		return errkind.Newf(errkind.NotFound, "unload plugin", "channel %s has no plugin %d", ch.ID, handle)
	}

	slot := ch.slots[index]
	blob := l.captureState(ch, index)

	ch.slots = append(ch.slots[:index], ch.slots[index+1:]...)
	ch.publishChain()
	l.dirty = true

	if err := l.host.Unload(handle); err != nil {
		l.logger.Warnw("Failed to unload plugin", "channel", ch.ID, "handle", handle, "error", err)
	}

	if blob != nil {
		channelID := ch.ID
		err := l.workers.Go(func(ctx context.Context) error {
			return l.states.save(channelID, index, slot.pluginID, blob)
		})
		if err != nil {
			l.logger.Warnw("Dropped plugin state write", "channel", ch.ID, "plugin", slot.pluginID, "error", err)
		}
	}

	l.logger.Infow("Unloaded plugin", "channel", ch.ID, "plugin", slot.pluginID, "handle", handle)

	return nil
}

func (l *GraphLoop) captureState(ch *MixerChannel, index int) []byte {
	if !l.states.enabled() {
		return nil
	}

	slot := ch.slots[index]
	desc, err := l.host.Descriptor(slot.handle)
	if err != nil || desc.Features&plugins.CapState == 0 {
		return nil
	}

	blob, err := l.host.SaveState(slot.handle)
	if err != nil {
		l.logger.Warnw("Failed to save plugin state", "channel", ch.ID, "plugin", slot.pluginID, "error", err)
		return nil
	}
	return blob
}

// saveChainState writes every slot's state right away, used on shutdown
func (l *GraphLoop) saveChainState(ch *MixerChannel) {
	for i, slot := range ch.slots {
		blob := l.captureState(ch, i)
		if blob == nil {
			continue
		}
		if err := l.states.save(ch.ID, i, slot.pluginID, blob); err != nil {
			l.logger.Warnw("Failed to write plugin state", "channel", ch.ID, "plugin", slot.pluginID, "error", err)
		}
	}
}

func (l *GraphLoop) unloadChain(ch *MixerChannel) {
	slots := ch.slots
	ch.slots = nil
	ch.publishChain()

	for _, slot := range slots {
		if err := l.host.Unload(slot.handle); err != nil {
			l.logger.Debugw("Failed to unload plugin", "channel", ch.ID, "handle", slot.handle, "error", err)
		}
	}
	if len(slots) > 0 {
		l.dirty = true
	}
}

// restoreChain loads a configured chain in order; broken entries are
// reported and skipped
func (l *GraphLoop) restoreChain(ch *MixerChannel, configs []PluginConfig) {
	for _, pc := range configs {
		if _, err := l.loadPlugin(ch, pc, true); err != nil {
			l.logger.Warnw("Failed to restore plugin", "channel", ch.ID, "plugin", pc.ID, "error", err)
			l.publishError(ch.ID, err)
		}
	}
}

// chainMatches reports whether the channel already runs exactly these plugins
func (ch *MixerChannel) chainMatches(configs []PluginConfig) bool {
	if len(ch.slots) != len(configs) {
		return false
	}
	for i, pc := range configs {
		if ch.slots[i].pluginID != pc.ID {
			return false
		}
	}
	return true
}

func (l *GraphLoop) channelPlugin(channelID string, handle plugins.Handle) (*MixerChannel, error) {
	ch, err := l.channel(channelID)
	if err != nil {
		return nil, err
	}
	if ch.slotIndex(handle) < 0 {
		return nil, errkind.Newf(errkind.NotFound, "find plugin", "channel %s has no plugin %d", channelID, handle)
	}
	return ch, nil
}
