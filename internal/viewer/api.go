package viewer

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/smazurov/mirrornode/internal/gateway"
)

// WebRTCOfferInput is the request body for WebRTC signaling.
type WebRTCOfferInput struct {
	DeviceID string `path:"device_id" doc:"Device serial"`
	RawBody  []byte `contentType:"application/sdp" doc:"SDP offer from browser"`
}

// WebRTCAnswerOutput is the response body for WebRTC signaling.
type WebRTCAnswerOutput struct {
	ContentType string `header:"Content-Type"`
	Body        []byte
}

// RegisterWebRTCAPI registers the WebRTC signaling endpoint with the Huma API.
// security is applied to the operation as is.
func RegisterWebRTCAPI(api huma.API, webrtcManager *WebRTCManager, security []map[string][]string) {
	huma.Register(api, huma.Operation{
		OperationID: "webrtc-offer",
		Method:      http.MethodPost,
		Path:        "/api/devices/{device_id}/webrtc",
		Summary:     "WebRTC signaling",
		Description: "Exchange SDP offer/answer to watch a device over WebRTC. Input is accepted on any data channel the offer creates.",
		Tags:        []string{"viewers"},
		Security:    security,
		Errors:      []int{400, 401, 404, 422},
	}, func(ctx context.Context, input *WebRTCOfferInput) (*WebRTCAnswerOutput, error) {
		answer, err := webrtcManager.CreateConsumer(ctx, input.DeviceID, string(input.RawBody))
		switch {
		case errors.Is(err, gateway.ErrDeviceNotFound):
			return nil, huma.Error404NotFound("device not found", err)
		case errors.Is(err, ErrUnsupportedCodec):
			return nil, huma.Error422UnprocessableEntity(err.Error())
		case err != nil:
			return nil, huma.Error400BadRequest("connection failed", err)
		}
		return &WebRTCAnswerOutput{
			ContentType: "application/sdp",
			Body:        []byte(answer),
		}, nil
	})
}

// RegisterWebSocket mounts a WebSocket viewer handler, possibly wrapped, on mux.
func RegisterWebSocket(mux *http.ServeMux, handler http.Handler) {
	mux.Handle("GET /ws/{device_id}", handler)
}
