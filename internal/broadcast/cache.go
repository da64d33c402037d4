package broadcast

import "github.com/smazurov/mirrornode/internal/codec"

// replayOrder is the order cached units are sent to a new subscriber.
var replayOrder = [...]codec.Class{codec.ParamSetA, codec.ParamSetB, codec.ParamSetC, codec.Keyframe}

// KeyframeCache keeps the latest payload of each class a decoder needs to
// start. Slots are overwritten, never expired.
type KeyframeCache struct {
	slots [len(replayOrder)][]byte
}

func slot(c codec.Class) int {
	for i, cls := range replayOrder {
		if cls == c {
			return i
		}
	}
	return -1
}

// Update stores payload if class is cacheable and reports whether it did.
func (k *KeyframeCache) Update(class codec.Class, payload []byte) bool {
	i := slot(class)
	if i < 0 {
		return false
	}
	k.slots[i] = payload
	return true
}

// Entries returns the cached payloads in replay order, skipping empty slots.
func (k *KeyframeCache) Entries() [][]byte {
	out := make([][]byte, 0, len(k.slots))
	for _, p := range k.slots {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

// HasKeyframe reports whether a keyframe is cached.
func (k *KeyframeCache) HasKeyframe() bool {
	return k.slots[slot(codec.Keyframe)] != nil
}

// Reset empties every slot.
func (k *KeyframeCache) Reset() {
	k.slots = [len(replayOrder)][]byte{}
}
