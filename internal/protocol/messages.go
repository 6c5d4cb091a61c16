// Package protocol defines the tagged JSON message set spoken over the
// messaging websockets, shared by applications and visitor clients.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the protocol version stamped on every outgoing frame.
const Version = 1

// MessageType is the wire discriminator carried in every frame's "type" field.
type MessageType string

const (
	// TypeHeartbeatApp reports app liveness toward a client.
	TypeHeartbeatApp MessageType = "ahb"
	// TypeHeartbeatClient reports client liveness toward an app. A positive
	// heartbeat enumerates the app's full client set.
	TypeHeartbeatClient MessageType = "chb"
	// TypeConnect is a client's request to reach an app.
	TypeConnect MessageType = "con"
	// TypeAccess is an app's decision on a connection request.
	TypeAccess MessageType = "acc"
	// TypeApplicationClient carries app-defined payloads from a client.
	TypeApplicationClient MessageType = "cap"
	// TypeApplicationApp carries app-defined payloads from an app.
	TypeApplicationApp MessageType = "app"
	// TypeDisplaySettings is an app's request to change runtime settings,
	// handled by the router and never forwarded.
	TypeDisplaySettings MessageType = "dse"
	// TypeLifecycle carries pause/resume updates.
	TypeLifecycle MessageType = "lcy"
	// TypeInteraction reports the time of the last visitor interaction.
	TypeInteraction MessageType = "itx"
	// TypeError reports a protocol-level error toward a peer.
	TypeError MessageType = "err"
)

var (
	// ErrMissingType is returned when a frame has no "type" field.
	ErrMissingType = errors.New(`message is missing required field "type"`)
	// ErrUnknownType is returned when a frame's "type" is not a known kind.
	ErrUnknownType = errors.New("unknown message type")
)

// Message is any frame in the closed protocol set.
type Message interface {
	MessageType() MessageType
}

// Identifiable is implemented by messages that travel between a client and
// its app and therefore carry the client's router-assigned id. The router
// rewrites this field in both directions.
type Identifiable interface {
	Message
	ClientID() string
	SetClientID(id string)
}

// HeartbeatAppMessage tells a client whether its app is up.
type HeartbeatAppMessage struct {
	Version int         `json:"version"`
	Type    MessageType `json:"type"`
	Up      bool        `json:"up"`
}

func (m *HeartbeatAppMessage) MessageType() MessageType { return TypeHeartbeatApp }

func (m HeartbeatAppMessage) MarshalJSON() ([]byte, error) {
	type alias HeartbeatAppMessage
	a := alias(m)
	a.Version, a.Type = Version, TypeHeartbeatApp
	return json.Marshal(a)
}

// HeartbeatClientMessage tells an app which clients it owns. An up heartbeat
// is authoritative: clients absent from the list are gone. A down heartbeat
// names only the departed clients.
type HeartbeatClientMessage struct {
	Version int         `json:"version"`
	Type    MessageType `json:"type"`
	Up      bool        `json:"up"`
	Clients []string    `json:"clients"`
}

func (m *HeartbeatClientMessage) MessageType() MessageType { return TypeHeartbeatClient }

func (m HeartbeatClientMessage) MarshalJSON() ([]byte, error) {
	type alias HeartbeatClientMessage
	a := alias(m)
	a.Version, a.Type = Version, TypeHeartbeatClient
	if a.Clients == nil {
		a.Clients = []string{}
	}
	return json.Marshal(a)
}

// ConnectMessage is a client's request to reach the app named by App.
type ConnectMessage struct {
	Version int         `json:"version"`
	Type    MessageType `json:"type"`
	App     string      `json:"app"`
	Client  string      `json:"client,omitempty"`
}

func (m *ConnectMessage) MessageType() MessageType { return TypeConnect }
func (m *ConnectMessage) ClientID() string         { return m.Client }
func (m *ConnectMessage) SetClientID(id string)    { m.Client = id }

func (m ConnectMessage) MarshalJSON() ([]byte, error) {
	type alias ConnectMessage
	a := alias(m)
	a.Version, a.Type = Version, TypeConnect
	return json.Marshal(a)
}

// AccessMessage is an app's (or the router's) decision on a client's
// connection request. App is stamped in the client direction so the client
// learns which app accepted it.
type AccessMessage struct {
	Version  int         `json:"version"`
	Type     MessageType `json:"type"`
	Accepted bool        `json:"accepted"`
	Reason   string      `json:"reason,omitempty"`
	App      string      `json:"app,omitempty"`
	Client   string      `json:"client,omitempty"`
}

func (m *AccessMessage) MessageType() MessageType { return TypeAccess }
func (m *AccessMessage) ClientID() string         { return m.Client }
func (m *AccessMessage) SetClientID(id string)    { m.Client = id }

func (m AccessMessage) MarshalJSON() ([]byte, error) {
	type alias AccessMessage
	a := alias(m)
	a.Version, a.Type = Version, TypeAccess
	return json.Marshal(a)
}

// ApplicationClientMessage carries an app-defined payload from a client.
type ApplicationClientMessage struct {
	Version int         `json:"version"`
	Type    MessageType `json:"type"`
	Body    any         `json:"body"`
	Req     string      `json:"req,omitempty"`
	Client  string      `json:"client,omitempty"`
}

func (m *ApplicationClientMessage) MessageType() MessageType { return TypeApplicationClient }
func (m *ApplicationClientMessage) ClientID() string         { return m.Client }
func (m *ApplicationClientMessage) SetClientID(id string)    { m.Client = id }

func (m ApplicationClientMessage) MarshalJSON() ([]byte, error) {
	type alias ApplicationClientMessage
	a := alias(m)
	a.Version, a.Type = Version, TypeApplicationClient
	return json.Marshal(a)
}

// ApplicationAppMessage carries an app-defined payload from an app to one of
// its clients. App is stamped by the router in the client direction.
type ApplicationAppMessage struct {
	Version int         `json:"version"`
	Type    MessageType `json:"type"`
	Body    any         `json:"body"`
	Req     string      `json:"req,omitempty"`
	App     string      `json:"app,omitempty"`
	Client  string      `json:"client,omitempty"`
}

func (m *ApplicationAppMessage) MessageType() MessageType { return TypeApplicationApp }
func (m *ApplicationAppMessage) ClientID() string         { return m.Client }
func (m *ApplicationAppMessage) SetClientID(id string)    { m.Client = id }

func (m ApplicationAppMessage) MarshalJSON() ([]byte, error) {
	type alias ApplicationAppMessage
	a := alias(m)
	a.Version, a.Type = Version, TypeApplicationApp
	return json.Marshal(a)
}

// DisplaySettings are the runtime settings an app may ask the router to
// apply. Absent fields are left untouched.
type DisplaySettings struct {
	EndTime *int64 `json:"end_time,omitempty"`
	Lock    *Lock  `json:"lock,omitempty"`
}

// DisplaySettingsMessage asks the router to change display runtime settings.
type DisplaySettingsMessage struct {
	Version  int             `json:"version"`
	Type     MessageType     `json:"type"`
	Settings DisplaySettings `json:"settings"`
}

func (m *DisplaySettingsMessage) MessageType() MessageType { return TypeDisplaySettings }

func (m DisplaySettingsMessage) MarshalJSON() ([]byte, error) {
	type alias DisplaySettingsMessage
	a := alias(m)
	a.Version, a.Type = Version, TypeDisplaySettings
	return json.Marshal(a)
}

// LifecycleMessage carries pause/resume updates from a client.
type LifecycleMessage struct {
	Version int         `json:"version"`
	Type    MessageType `json:"type"`
	Paused  bool        `json:"paused"`
	Client  string      `json:"client,omitempty"`
}

func (m *LifecycleMessage) MessageType() MessageType { return TypeLifecycle }
func (m *LifecycleMessage) ClientID() string         { return m.Client }
func (m *LifecycleMessage) SetClientID(id string)    { m.Client = id }

func (m LifecycleMessage) MarshalJSON() ([]byte, error) {
	type alias LifecycleMessage
	a := alias(m)
	a.Version, a.Type = Version, TypeLifecycle
	return json.Marshal(a)
}

// InteractionMessage reports the time of the most recent visitor interaction
// in unix milliseconds. Handled by the router, never forwarded.
type InteractionMessage struct {
	Version int         `json:"version"`
	Type    MessageType `json:"type"`
	At      int64       `json:"at"`
}

func (m *InteractionMessage) MessageType() MessageType { return TypeInteraction }

func (m InteractionMessage) MarshalJSON() ([]byte, error) {
	type alias InteractionMessage
	a := alias(m)
	a.Version, a.Type = Version, TypeInteraction
	return json.Marshal(a)
}

// ErrorMessage reports a protocol error toward the offending peer.
type ErrorMessage struct {
	Version int         `json:"version"`
	Type    MessageType `json:"type"`
	Error   string      `json:"error"`
}

func (m *ErrorMessage) MessageType() MessageType { return TypeError }

func (m ErrorMessage) MarshalJSON() ([]byte, error) {
	type alias ErrorMessage
	a := alias(m)
	a.Version, a.Type = Version, TypeError
	return json.Marshal(a)
}

// Serialize encodes a message as a JSON frame. The type and version fields
// are always taken from the Go type, never from struct contents.
func Serialize(m Message) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("serialize %s message: %w", m.MessageType(), err)
	}
	return b, nil
}

// Deserialize decodes a JSON frame into its concrete message type. Frames
// with no type field or an unrecognized type fail with ErrMissingType or
// ErrUnknownType respectively.
func Deserialize(data []byte) (Message, error) {
	var head struct {
		Type *MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if head.Type == nil {
		return nil, ErrMissingType
	}

	var m Message
	switch *head.Type {
	case TypeHeartbeatApp:
		m = &HeartbeatAppMessage{}
	case TypeHeartbeatClient:
		m = &HeartbeatClientMessage{}
	case TypeConnect:
		m = &ConnectMessage{}
	case TypeAccess:
		m = &AccessMessage{}
	case TypeApplicationClient:
		m = &ApplicationClientMessage{}
	case TypeApplicationApp:
		m = &ApplicationAppMessage{}
	case TypeDisplaySettings:
		m = &DisplaySettingsMessage{}
	case TypeLifecycle:
		m = &LifecycleMessage{}
	case TypeInteraction:
		m = &InteractionMessage{}
	case TypeError:
		m = &ErrorMessage{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, *head.Type)
	}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("decode %s message: %w", *head.Type, err)
	}
	return m, nil
}
