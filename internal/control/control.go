// Package control encodes viewer input into the messages the device agent
// understands.
package control

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// TouchSize is the length of an encoded touch message.
const TouchSize = 32

// TypeInjectTouch is the message class byte for touch events.
const TypeInjectTouch byte = 2

// Action is a motion event action code.
type Action uint8

const (
	ActionDown Action = 0
	ActionUp   Action = 1
	ActionMove Action = 2
)

func (a Action) String() string {
	switch a {
	case ActionDown:
		return "down"
	case ActionUp:
		return "up"
	case ActionMove:
		return "move"
	default:
		return strconv.Itoa(int(a))
	}
}

// Android key codes used by the gateway.
const (
	KeycodeHome      = 3
	KeycodeBack      = 4
	KeycodePower     = 26
	KeycodeMenu      = 82
	KeycodeAppSwitch = 187
	KeycodeSleep     = 223
	KeycodeWakeup    = 224
)

var namedKeys = map[string]int{
	"home":       KeycodeHome,
	"back":       KeycodeBack,
	"menu":       KeycodeMenu,
	"app_switch": KeycodeAppSwitch,
	"power":      KeycodePower,
	"sleep":      KeycodeSleep,
	"wakeup":     KeycodeWakeup,
}

// KeyByName resolves a named key such as "home" or "app_switch".
func KeyByName(name string) (int, bool) {
	code, ok := namedKeys[strings.ToLower(name)]
	return code, ok
}

// EncodeTouch builds a touch message. x and y are fractions of the screen and
// are scaled to pixels by rounding; values that would not fit the wire fields
// are clamped.
func EncodeTouch(action Action, x, y float64, width, height int) [TouchSize]byte {
	var msg [TouchSize]byte
	msg[0] = TypeInjectTouch
	msg[1] = byte(action)
	// [2,10) pointer id, always zero
	binary.BigEndian.PutUint32(msg[10:14], uint32(scale(x, width)))
	binary.BigEndian.PutUint32(msg[14:18], uint32(scale(y, height)))

	var pressure uint16 = math.MaxUint16
	if action == ActionUp {
		pressure = 0
	}
	binary.BigEndian.PutUint16(msg[18:20], pressure)
	binary.BigEndian.PutUint16(msg[20:22], clampU16(width))
	binary.BigEndian.PutUint16(msg[22:24], clampU16(height))
	binary.BigEndian.PutUint32(msg[24:28], 1)
	binary.BigEndian.PutUint32(msg[28:32], 0)
	return msg
}

func scale(fraction float64, dim int) int32 {
	v := math.Round(fraction * float64(dim))
	switch {
	case math.IsNaN(v):
		return 0
	case v > math.MaxInt32:
		return math.MaxInt32
	case v < math.MinInt32:
		return math.MinInt32
	}
	return int32(v)
}

func clampU16(v int) uint16 {
	switch {
	case v < 0:
		return 0
	case v > math.MaxUint16:
		return math.MaxUint16
	}
	return uint16(v)
}

// EncodeKey returns the shell arguments that inject keycode on the device.
func EncodeKey(keycode int) []string {
	return []string{"input", "keyevent", strconv.Itoa(keycode)}
}

// InputType discriminates viewer messages.
type InputType string

const (
	InputTouch InputType = "touch"
	InputKey   InputType = "key"
	InputWake  InputType = "wake"
)

// Input is a decoded viewer message.
type Input struct {
	Type    InputType
	Action  Action
	X, Y    float64
	Keycode int
}

// ErrUnknownInput is returned for messages whose type is not recognised.
var ErrUnknownInput = errors.New("unknown input type")

type wireInput struct {
	Type    string          `json:"type"`
	Action  json.RawMessage `json:"action"`
	X       float64         `json:"x"`
	Y       float64         `json:"y"`
	Keycode int             `json:"keycode"`
}

// ParseInput decodes one JSON viewer message. Touch actions may be sent as a
// number or as "down", "up" or "move".
func ParseInput(data []byte) (Input, error) {
	var w wireInput
	if err := json.Unmarshal(data, &w); err != nil {
		return Input{}, fmt.Errorf("decode input: %w", err)
	}

	switch InputType(w.Type) {
	case InputTouch:
		action, err := parseAction(w.Action)
		if err != nil {
			return Input{}, err
		}
		return Input{Type: InputTouch, Action: action, X: w.X, Y: w.Y}, nil
	case InputKey:
		if w.Keycode <= 0 {
			return Input{}, fmt.Errorf("key input: invalid keycode %d", w.Keycode)
		}
		return Input{Type: InputKey, Keycode: w.Keycode}, nil
	case InputWake:
		return Input{Type: InputWake}, nil
	default:
		return Input{}, fmt.Errorf("%w: %q", ErrUnknownInput, w.Type)
	}
}

func parseAction(raw json.RawMessage) (Action, error) {
	if len(raw) == 0 {
		return ActionDown, nil
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		if n < 0 || n > math.MaxUint8 {
			return 0, fmt.Errorf("touch action %d out of range", n)
		}
		return Action(n), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("touch action: %w", err)
	}
	switch strings.ToLower(s) {
	case "down":
		return ActionDown, nil
	case "up":
		return ActionUp, nil
	case "move":
		return ActionMove, nil
	}
	return 0, fmt.Errorf("touch action %q not recognised", s)
}
