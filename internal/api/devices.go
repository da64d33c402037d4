package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/smazurov/mirrornode/internal/api/models"
	"github.com/smazurov/mirrornode/internal/control"
	"github.com/smazurov/mirrornode/internal/gateway"
	"github.com/smazurov/mirrornode/internal/metrics"
)

// gatewayError maps gateway failures to HTTP errors.
func gatewayError(err error) error {
	switch {
	case errors.Is(err, gateway.ErrDeviceNotFound):
		return huma.Error404NotFound("device not found", err)
	case errors.Is(err, gateway.ErrNotReady):
		return huma.Error409Conflict("device not ready", err)
	default:
		return huma.Error502BadGateway("device command failed", err)
	}
}

func deviceData(d gateway.Device) models.DeviceData {
	return models.DeviceData{Device: d, Stats: metrics.GetDeviceMetrics(d.ID)}
}

func (s *Server) registerDeviceRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "list-devices",
		Method:      http.MethodGet,
		Path:        "/api/devices",
		Summary:     "List devices",
		Description: "List attached devices with their session state",
		Tags:        []string{"devices"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, func(ctx context.Context, input *struct{}) (*models.DeviceListResponse, error) {
		devices := s.gateway.Devices()
		data := make([]models.DeviceData, 0, len(devices))
		for _, d := range devices {
			data = append(data, deviceData(d))
		}
		return &models.DeviceListResponse{
			Body: models.DeviceListData{Devices: data, Count: len(data)},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-device",
		Method:      http.MethodGet,
		Path:        "/api/devices/{device_id}",
		Summary:     "Get device",
		Description: "Get one device's session state, dimensions and stream counters",
		Tags:        []string{"devices"},
		Security:    withAuth(),
		Errors:      []int{401, 404},
	}, func(ctx context.Context, input *models.DevicePathInput) (*models.DeviceResponse, error) {
		d, err := s.gateway.Device(input.DeviceID)
		if err != nil {
			return nil, gatewayError(err)
		}
		return &models.DeviceResponse{Body: deviceData(d)}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "inject-key",
		Method:      http.MethodPost,
		Path:        "/api/devices/{device_id}/key",
		Summary:     "Inject key",
		Description: "Send a key press to the device, by name or raw keycode",
		Tags:        []string{"devices"},
		Security:    withAuth(),
		Errors:      []int{400, 401, 404, 409, 502},
	}, func(ctx context.Context, input *models.KeyRequest) (*models.ActionResponse, error) {
		keycode := input.Body.Keycode
		if input.Body.Key != "" {
			code, ok := control.KeyByName(input.Body.Key)
			if !ok {
				return nil, huma.Error400BadRequest(fmt.Sprintf("unknown key %q", input.Body.Key))
			}
			keycode = code
		}
		if keycode <= 0 {
			return nil, huma.Error400BadRequest("key or keycode is required")
		}
		if err := s.gateway.Key(ctx, input.DeviceID, keycode); err != nil {
			return nil, gatewayError(err)
		}
		return &models.ActionResponse{
			Body: models.ActionData{Status: "ok", Message: fmt.Sprintf("Key %d sent", keycode)},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "wake-device",
		Method:      http.MethodPost,
		Path:        "/api/devices/{device_id}/wake",
		Summary:     "Wake device",
		Description: "Turn the device screen on",
		Tags:        []string{"devices"},
		Security:    withAuth(),
		Errors:      []int{401, 404, 409, 502},
	}, func(ctx context.Context, input *models.DevicePathInput) (*models.ActionResponse, error) {
		if err := s.gateway.Wake(ctx, input.DeviceID); err != nil {
			return nil, gatewayError(err)
		}
		return &models.ActionResponse{
			Body: models.ActionData{Status: "ok", Message: "Wake key sent"},
		}, nil
	})
}
