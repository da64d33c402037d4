// Package broadcast fans video packets out to the viewers of each device and
// replays cached keyframe data to viewers that join mid-stream.
package broadcast

import (
	"log/slog"
	"sync"

	"github.com/smazurov/mirrornode/internal/codec"
)

// Hub routes packets per device. Each device has its own lock so a slow
// publish on one device never blocks another.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]*channel
	fallback codec.Classifier
	logger   *slog.Logger
	onDrop   func(deviceID string, sink Sink, err error)
}

type channel struct {
	mu         sync.Mutex
	classifier codec.Classifier
	cache      KeyframeCache
	sinks      map[Sink]struct{}
}

// NewHub returns a hub that classifies with fallback until a device
// announces its codec through SetCodec.
func NewHub(fallback codec.Classifier, logger *slog.Logger) *Hub {
	return &Hub{
		channels: make(map[string]*channel),
		fallback: fallback,
		logger:   logger,
	}
}

// SetOnDrop sets the callback invoked after a failing sink was removed and closed.
func (h *Hub) SetOnDrop(callback func(deviceID string, sink Sink, err error)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDrop = callback
}

func (h *Hub) channel(deviceID string) *channel {
	h.mu.RLock()
	ch := h.channels[deviceID]
	h.mu.RUnlock()
	if ch != nil {
		return ch
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if ch = h.channels[deviceID]; ch == nil {
		ch = &channel{classifier: h.fallback, sinks: make(map[Sink]struct{})}
		h.channels[deviceID] = ch
	}
	return ch
}

// SetCodec selects the classifier for a device and clears its cache, since
// cached units of another codec are useless to a decoder.
func (h *Hub) SetCodec(deviceID string, c codec.Classifier) {
	ch := h.channel(deviceID)
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.classifier.Name() != c.Name() {
		ch.cache.Reset()
	}
	ch.classifier = c
}

// Publish caches payload if it is a parameter set or keyframe and forwards
// it to every subscriber. Subscribers that fail are removed and closed.
// It returns the class and the number of subscribers that accepted it.
func (h *Hub) Publish(deviceID string, payload []byte) (codec.Class, int) {
	ch := h.channel(deviceID)

	ch.mu.Lock()
	class := ch.classifier.Classify(payload)
	ch.cache.Update(class, payload)

	delivered := 0
	var dropped []Sink
	var errs []error
	for sink := range ch.sinks {
		if err := sink.Send(payload); err != nil {
			delete(ch.sinks, sink)
			dropped = append(dropped, sink)
			errs = append(errs, err)
			continue
		}
		delivered++
	}
	ch.mu.Unlock()

	for i, sink := range dropped {
		h.drop(deviceID, sink, errs[i])
	}
	return class, delivered
}

func (h *Hub) drop(deviceID string, sink Sink, err error) {
	h.logger.Warn("Dropping viewer", "device_id", deviceID, "viewer_id", sink.ID(), "error", err)
	sink.Close()

	h.mu.RLock()
	callback := h.onDrop
	h.mu.RUnlock()
	if callback != nil {
		callback(deviceID, sink, err)
	}
}

// Subscribe attaches sink and, under the same lock, sends the cached
// parameter sets and keyframe so nothing live can overtake them.
func (h *Hub) Subscribe(deviceID string, sink Sink) error {
	ch := h.channel(deviceID)

	ch.mu.Lock()
	ch.sinks[sink] = struct{}{}
	var sendErr error
	for _, payload := range ch.cache.Entries() {
		if sendErr = sink.Send(payload); sendErr != nil {
			delete(ch.sinks, sink)
			break
		}
	}
	count := len(ch.sinks)
	ch.mu.Unlock()

	if sendErr != nil {
		h.drop(deviceID, sink, sendErr)
		return sendErr
	}
	h.logger.Debug("Viewer subscribed", "device_id", deviceID, "viewer_id", sink.ID(), "viewers", count)
	return nil
}

// Unsubscribe detaches sink. It reports whether sink was attached.
func (h *Hub) Unsubscribe(deviceID string, sink Sink) bool {
	h.mu.RLock()
	ch := h.channels[deviceID]
	h.mu.RUnlock()
	if ch == nil {
		return false
	}

	ch.mu.Lock()
	_, ok := ch.sinks[sink]
	delete(ch.sinks, sink)
	ch.mu.Unlock()
	return ok
}

// Replay resends the cached units to an attached sink, for decoders that
// asked for a new keyframe.
func (h *Hub) Replay(deviceID string, sink Sink) error {
	h.mu.RLock()
	ch := h.channels[deviceID]
	h.mu.RUnlock()
	if ch == nil {
		return nil
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if _, ok := ch.sinks[sink]; !ok {
		return ErrSinkClosed
	}
	for _, payload := range ch.cache.Entries() {
		if err := sink.Send(payload); err != nil {
			return err
		}
	}
	return nil
}

// Subscribers returns the number of viewers attached to deviceID.
func (h *Hub) Subscribers(deviceID string) int {
	h.mu.RLock()
	ch := h.channels[deviceID]
	h.mu.RUnlock()
	if ch == nil {
		return 0
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.sinks)
}

// HasKeyframe reports whether deviceID has a cached keyframe.
func (h *Hub) HasKeyframe(deviceID string) bool {
	h.mu.RLock()
	ch := h.channels[deviceID]
	h.mu.RUnlock()
	if ch == nil {
		return false
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.cache.HasKeyframe()
}

// CloseDevice forgets the device's cache and closes its viewers so they
// reconnect to the next session.
func (h *Hub) CloseDevice(deviceID string) int {
	h.mu.Lock()
	ch := h.channels[deviceID]
	delete(h.channels, deviceID)
	h.mu.Unlock()
	if ch == nil {
		return 0
	}

	ch.mu.Lock()
	sinks := make([]Sink, 0, len(ch.sinks))
	for sink := range ch.sinks {
		sinks = append(sinks, sink)
	}
	ch.sinks = make(map[Sink]struct{})
	ch.cache.Reset()
	ch.mu.Unlock()

	for _, sink := range sinks {
		sink.Close()
	}
	if len(sinks) > 0 {
		h.logger.Info("Closed viewers of stopped device", "device_id", deviceID, "viewers", len(sinks))
	}
	return len(sinks)
}
