package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the envelope version written by Encode. Frames without a "v"
// field are read as version 1.
const Version = 1

// ErrMissingType is returned for frames without a "type" discriminator.
var ErrMissingType = errors.New("bridge: missing type discriminator")

// UnknownKindError reports a discriminator this build does not know.
type UnknownKindError struct {
	Kind Kind
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("bridge: unknown message type %q", string(e.Kind))
}

// VersionError reports a frame from an incompatible build.
type VersionError struct {
	Got int
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("bridge: unsupported envelope version %d (max %d)", e.Got, Version)
}

// Encode serializes m as a flat object with "type" and "v" first.
func Encode(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("bridge: encode %s: %w", m.Kind(), err)
	}
	head, err := json.Marshal(string(m.Kind()))
	if err != nil {
		return nil, fmt.Errorf("bridge: encode %s: %w", m.Kind(), err)
	}
	out := make([]byte, 0, len(body)+len(head)+16)
	out = append(out, `{"type":`...)
	out = append(out, head...)
	out = append(out, fmt.Sprintf(`,"v":%d`, Version)...)
	if len(body) > 2 {
		out = append(out, ',')
		out = append(out, body[1:]...)
	} else {
		out = append(out, '}')
	}
	return out, nil
}

// Decode parses a frame into its concrete message value.
func Decode(data []byte) (Message, error) {
	var head struct {
		Type Kind `json:"type"`
		V    *int `json:"v"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("bridge: decode: %w", err)
	}
	if head.Type == "" {
		return nil, ErrMissingType
	}
	if head.V != nil && (*head.V < 1 || *head.V > Version) {
		return nil, &VersionError{Got: *head.V}
	}

	switch head.Type {
	case KindUpdateElement:
		return decodeAs[UpdateElement](data)
	case KindDeleteElement:
		return decodeAs[DeleteElement](data)
	case KindUndo:
		return Undo{}, nil
	case KindRedo:
		return Redo{}, nil
	case KindHistoryUpdate:
		return decodeAs[HistoryUpdate](data)
	case KindUpdateBootstrapData:
		return decodeAs[UpdateBootstrapData](data)
	case KindRequestAuthStatus:
		return RequestAuthStatus{}, nil
	case KindAuthStatusResponse:
		return decodeAs[AuthStatusResponse](data)
	case KindRequestHistoryStatus:
		return RequestHistoryStatus{}, nil
	default:
		return nil, &UnknownKindError{Kind: head.Type}
	}
}

func decodeAs[T Message](data []byte) (Message, error) {
	var m T
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("bridge: decode %s: %w", m.Kind(), err)
	}
	return m, nil
}
