// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind discriminates bus frames.
type Kind string

const (
	KindCommand  Kind = "command"
	KindResponse Kind = "response"
)

// ErrUnknownKind matches every [UnknownKindError].
var ErrUnknownKind = errors.New("unknown bus message type")

// UnknownKindError reports a frame whose type field is not a known
// [Kind]. Peers speaking a different protocol version produce these.
type UnknownKindError struct {
	Kind string
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("unknown bus message type %q", e.Kind)
}

func (e *UnknownKindError) Is(target error) bool {
	return target == ErrUnknownKind
}

// endpointField is the reserved data key naming a command's endpoint.
const endpointField = "endpoint"

// Args holds a command's arguments as undecoded JSON values.
type Args map[string]json.RawMessage

// Decode unmarshals the named argument into v. It reports false, with
// v untouched, when the argument is absent or null.
func (a Args) Decode(name string, v any) (bool, error) {
	raw, ok := a[name]
	if !ok || string(raw) == "null" {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("argument %q: %w", name, err)
	}
	return true, nil
}

// Command is the payload of a KindCommand message.
type Command struct {
	Endpoint string
	Args     Args
}

// Message is one bus frame. Command is set when Kind is KindCommand;
// Value holds the return_value when Kind is KindResponse.
type Message struct {
	Author  int
	Kind    Kind
	Key     string
	Command *Command
	Value   json.RawMessage
}

// NewCommand builds a command frame. Each argument is marshaled to
// JSON; "endpoint" is reserved and may not be used as an argument name.
func NewCommand(author int, key, endpoint string, args map[string]any) (Message, error) {
	if endpoint == "" {
		return Message{}, errors.New("command endpoint is empty")
	}
	encoded := make(Args, len(args))
	for name, value := range args {
		if name == endpointField {
			return Message{}, fmt.Errorf("argument name %q is reserved", endpointField)
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return Message{}, fmt.Errorf("encoding argument %q: %w", name, err)
		}
		encoded[name] = raw
	}
	return Message{
		Author:  author,
		Kind:    KindCommand,
		Key:     key,
		Command: &Command{Endpoint: endpoint, Args: encoded},
	}, nil
}

// NewResponse builds a response frame carrying value as return_value.
func NewResponse(author int, key string, value any) (Message, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return Message{}, fmt.Errorf("encoding return value: %w", err)
	}
	return Message{Author: author, Kind: KindResponse, Key: key, Value: raw}, nil
}

type wireMessage struct {
	Author int             `json:"author"`
	Type   Kind            `json:"type"`
	Key    string          `json:"key"`
	Data   json.RawMessage `json:"data"`
}

type responseData struct {
	ReturnValue json.RawMessage `json:"return_value"`
}

var jsonNull = json.RawMessage("null")

// MarshalJSON encodes the message in wire form.
func (m Message) MarshalJSON() ([]byte, error) {
	var data []byte
	var err error
	switch m.Kind {
	case KindCommand:
		if m.Command == nil {
			return nil, errors.New("command message has no command payload")
		}
		fields := make(map[string]json.RawMessage, len(m.Command.Args)+1)
		for name, value := range m.Command.Args {
			fields[name] = value
		}
		fields[endpointField], err = json.Marshal(m.Command.Endpoint)
		if err != nil {
			return nil, err
		}
		data, err = json.Marshal(fields)
	case KindResponse:
		value := m.Value
		if len(value) == 0 {
			value = jsonNull
		}
		data, err = json.Marshal(responseData{ReturnValue: value})
	default:
		return nil, &UnknownKindError{Kind: string(m.Kind)}
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireMessage{Author: m.Author, Type: m.Kind, Key: m.Key, Data: data})
}

// UnmarshalJSON decodes a wire frame. See [Decode].
func (m *Message) UnmarshalJSON(data []byte) error {
	decoded, err := Decode(data)
	if err != nil {
		return err
	}
	*m = decoded
	return nil
}

// Decode parses one wire frame. An unrecognized type yields an
// [UnknownKindError]; any other failure is a malformed frame.
func Decode(data []byte) (Message, error) {
	var wire wireMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return Message{}, fmt.Errorf("decoding bus frame: %w", err)
	}
	message := Message{Author: wire.Author, Kind: wire.Type, Key: wire.Key}

	switch wire.Type {
	case KindCommand:
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(wire.Data, &fields); err != nil || fields == nil {
			return Message{}, fmt.Errorf("command %q: data is not an object", wire.Key)
		}
		var endpoint string
		if err := json.Unmarshal(fields[endpointField], &endpoint); err != nil || endpoint == "" {
			return Message{}, fmt.Errorf("command %q: missing endpoint", wire.Key)
		}
		delete(fields, endpointField)
		message.Command = &Command{Endpoint: endpoint, Args: Args(fields)}

	case KindResponse:
		var payload responseData
		if len(wire.Data) > 0 {
			if err := json.Unmarshal(wire.Data, &payload); err != nil {
				return Message{}, fmt.Errorf("response %q: %w", wire.Key, err)
			}
		}
		message.Value = payload.ReturnValue
		if len(message.Value) == 0 {
			message.Value = jsonNull
		}

	default:
		return Message{}, &UnknownKindError{Kind: string(wire.Type)}
	}
	return message, nil
}
