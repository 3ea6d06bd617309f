// Package cc defines the command vocabulary spoken between the controller
// and the per-process device runtimes over the deployment layer's custom
// command channel, together with its JSON wire codec.
//
// Commands travel in a Cmds envelope so that several commands can share one
// transport message. Outbound commands (controller → devices) and inbound
// replies/notifications (devices → controller) share the same envelope.
package cc

import (
	"encoding/json"
	"fmt"

	"github.com/marmos91/odc/pkg/device"
)

// Result is the outcome a device reports for a request.
type Result int

const (
	ResultOk Result = iota
	ResultFailure
)

func (r Result) String() string {
	if r == ResultOk {
		return "Ok"
	}
	return "Failure"
}

// MarshalText implements encoding.TextMarshaler.
func (r Result) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Result) UnmarshalText(b []byte) error {
	switch string(b) {
	case "Ok":
		*r = ResultOk
	case "Failure":
		*r = ResultFailure
	default:
		return fmt.Errorf("unknown result %q", string(b))
	}
	return nil
}

// Type identifies a command on the wire.
type Type string

const (
	TypeCheckState                 Type = "check_state"
	TypeChangeState                Type = "change_state"
	TypeSubscribeToStateChange     Type = "subscribe_to_state_change"
	TypeUnsubscribeFromStateChange Type = "unsubscribe_from_state_change"
	TypeSubscriptionHeartbeat      Type = "subscription_heartbeat"
	TypeGetProperties              Type = "get_properties"
	TypeSetProperties              Type = "set_properties"

	TypeTransitionStatus          Type = "transition_status"
	TypeStateChangeSubscription   Type = "state_change_subscription"
	TypeStateChangeUnsubscription Type = "state_change_unsubscription"
	TypeStateChange               Type = "state_change"
	TypeProperties                Type = "properties"
	TypePropertiesSet             Type = "properties_set"
)

// Cmd is implemented by every command.
type Cmd interface {
	Type() Type
}

// Props carries device property key/value pairs.
type Props map[string]string

// CheckState asks a device to report its current state.
type CheckState struct{}

func (CheckState) Type() Type { return TypeCheckState }

// ChangeState asks a device to perform a state-machine transition.
type ChangeState struct {
	Transition device.Transition `json:"transition"`
}

func (ChangeState) Type() Type { return TypeChangeState }

// SubscribeToStateChange asks a device to start publishing state changes.
// The interval is the heartbeat period the controller will maintain; a
// device that misses two heartbeat windows drops the subscription.
type SubscribeToStateChange struct {
	IntervalMs int64 `json:"intervalMs"`
}

func (SubscribeToStateChange) Type() Type { return TypeSubscribeToStateChange }

// UnsubscribeFromStateChange stops state-change publishing.
type UnsubscribeFromStateChange struct{}

func (UnsubscribeFromStateChange) Type() Type { return TypeUnsubscribeFromStateChange }

// SubscriptionHeartbeat keeps device subscriptions alive.
type SubscriptionHeartbeat struct {
	IntervalMs int64 `json:"intervalMs"`
}

func (SubscriptionHeartbeat) Type() Type { return TypeSubscriptionHeartbeat }

// GetProperties asks devices for their properties matching Query (a regex).
type GetProperties struct {
	RequestID uint64 `json:"requestId"`
	Query     string `json:"query"`
}

func (GetProperties) Type() Type { return TypeGetProperties }

// SetProperties pushes properties to devices.
type SetProperties struct {
	RequestID uint64 `json:"requestId"`
	Props     Props  `json:"props"`
}

func (SetProperties) Type() Type { return TypeSetProperties }

// TransitionStatus reports whether a device accepted a transition request.
type TransitionStatus struct {
	TaskID       uint64            `json:"taskId"`
	DeviceID     string            `json:"deviceId"`
	Result       Result            `json:"result"`
	Transition   device.Transition `json:"transition"`
	CurrentState device.State      `json:"currentState"`
}

func (TransitionStatus) Type() Type { return TypeTransitionStatus }

// StateChangeSubscription confirms a subscription request.
type StateChangeSubscription struct {
	TaskID   uint64 `json:"taskId"`
	DeviceID string `json:"deviceId"`
	Result   Result `json:"result"`
}

func (StateChangeSubscription) Type() Type { return TypeStateChangeSubscription }

// StateChangeUnsubscription confirms an unsubscription request.
type StateChangeUnsubscription struct {
	TaskID   uint64 `json:"taskId"`
	DeviceID string `json:"deviceId"`
	Result   Result `json:"result"`
}

func (StateChangeUnsubscription) Type() Type { return TypeStateChangeUnsubscription }

// StateChange notifies the controller of a device state transition.
type StateChange struct {
	TaskID       uint64       `json:"taskId"`
	DeviceID     string       `json:"deviceId"`
	LastState    device.State `json:"lastState"`
	CurrentState device.State `json:"currentState"`
}

func (StateChange) Type() Type { return TypeStateChange }

// Properties is a device's reply to GetProperties.
type Properties struct {
	TaskID    uint64 `json:"taskId"`
	DeviceID  string `json:"deviceId"`
	RequestID uint64 `json:"requestId"`
	Result    Result `json:"result"`
	Props     Props  `json:"props"`
}

func (Properties) Type() Type { return TypeProperties }

// PropertiesSet is a device's reply to SetProperties.
type PropertiesSet struct {
	TaskID    uint64 `json:"taskId"`
	DeviceID  string `json:"deviceId"`
	RequestID uint64 `json:"requestId"`
	Result    Result `json:"result"`
}

func (PropertiesSet) Type() Type { return TypePropertiesSet }

// Cmds is the wire envelope: an ordered list of commands.
type Cmds []Cmd

type envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Marshal serializes the envelope.
func (c Cmds) Marshal() ([]byte, error) {
	envs := make([]envelope, 0, len(c))
	for _, cmd := range c {
		payload, err := json.Marshal(cmd)
		if err != nil {
			return nil, fmt.Errorf("marshal %s command: %w", cmd.Type(), err)
		}
		envs = append(envs, envelope{Type: cmd.Type(), Payload: payload})
	}
	return json.Marshal(envs)
}

// Unmarshal parses a wire envelope. Unknown command types are an error so
// that protocol drift is caught loudly.
func Unmarshal(data []byte) (Cmds, error) {
	var envs []envelope
	if err := json.Unmarshal(data, &envs); err != nil {
		return nil, fmt.Errorf("parse command envelope: %w", err)
	}

	cmds := make(Cmds, 0, len(envs))
	for _, env := range envs {
		cmd, err := decode(env)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, cmd)
	}
	return cmds, nil
}

func decode(env envelope) (Cmd, error) {
	var cmd Cmd
	switch env.Type {
	case TypeCheckState:
		cmd = &CheckState{}
	case TypeChangeState:
		cmd = &ChangeState{}
	case TypeSubscribeToStateChange:
		cmd = &SubscribeToStateChange{}
	case TypeUnsubscribeFromStateChange:
		cmd = &UnsubscribeFromStateChange{}
	case TypeSubscriptionHeartbeat:
		cmd = &SubscriptionHeartbeat{}
	case TypeGetProperties:
		cmd = &GetProperties{}
	case TypeSetProperties:
		cmd = &SetProperties{}
	case TypeTransitionStatus:
		cmd = &TransitionStatus{}
	case TypeStateChangeSubscription:
		cmd = &StateChangeSubscription{}
	case TypeStateChangeUnsubscription:
		cmd = &StateChangeUnsubscription{}
	case TypeStateChange:
		cmd = &StateChange{}
	case TypeProperties:
		cmd = &Properties{}
	case TypePropertiesSet:
		cmd = &PropertiesSet{}
	default:
		return nil, fmt.Errorf("unknown command type %q", env.Type)
	}

	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, cmd); err != nil {
			return nil, fmt.Errorf("parse %s command: %w", env.Type, err)
		}
	}
	return cmd, nil
}
