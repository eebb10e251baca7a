package ocpp16

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Subprotocol WebSocket 子协议标识
const Subprotocol = "ocpp1.6"

// MessageType 信封首元素：2=Call 3=CallResult 4=CallError
type MessageType int

const (
	MessageTypeCall       MessageType = 2
	MessageTypeCallResult MessageType = 3
	MessageTypeCallError  MessageType = 4
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeCall:
		return "Call"
	case MessageTypeCallResult:
		return "CallResult"
	case MessageTypeCallError:
		return "CallError"
	default:
		return fmt.Sprintf("Unknown(%d)", int(t))
	}
}

// Message OCPP-J 信封（Call / CallResult / CallError 三选一）
type Message interface {
	MessageType() MessageType
	ID() string
}

// Call 请求：[2, "<id>", "<Action>", {payload}]
type Call struct {
	MessageID string
	Action    string
	Payload   json.RawMessage
}

// CallResult 成功应答：[3, "<id>", {payload}]
type CallResult struct {
	MessageID string
	Payload   json.RawMessage
}

// CallError 错误应答：[4, "<id>", "<code>", "<description>", {details}]
type CallError struct {
	MessageID        string
	ErrorCode        ErrorCode
	ErrorDescription string
	ErrorDetails     json.RawMessage
}

func (m *Call) MessageType() MessageType       { return MessageTypeCall }
func (m *Call) ID() string                     { return m.MessageID }
func (m *CallResult) MessageType() MessageType { return MessageTypeCallResult }
func (m *CallResult) ID() string               { return m.MessageID }
func (m *CallError) MessageType() MessageType  { return MessageTypeCallError }
func (m *CallError) ID() string                { return m.MessageID }

var emptyObject = json.RawMessage("{}")

// NewCall 以任意可序列化载荷构造 Call
func NewCall(id string, action Action, payload any) (*Call, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Call{MessageID: id, Action: string(action), Payload: raw}, nil
}

// NewCallResult 以任意可序列化载荷构造 CallResult
func NewCallResult(id string, payload any) (*CallResult, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &CallResult{MessageID: id, Payload: raw}, nil
}

// NewCallError 构造 CallError，details 为空时编码为 {}
func NewCallError(id string, code ErrorCode, description string, details any) *CallError {
	raw, err := marshalPayload(details)
	if err != nil {
		raw = emptyObject
	}
	return &CallError{MessageID: id, ErrorCode: code, ErrorDescription: description, ErrorDetails: raw}
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return emptyObject, nil
	case json.RawMessage:
		return normalizeObject(p)
	case []byte:
		return normalizeObject(p)
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	return normalizeObject(b)
}

// normalizeObject 空载荷（或 null）视作 {}，非对象视为编码错误
func normalizeObject(raw []byte) (json.RawMessage, error) {
	if t := bytes.TrimSpace(raw); len(t) == 0 || bytes.Equal(t, []byte("null")) {
		return emptyObject, nil
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%w: payload is not valid JSON", ErrEncoding)
	}
	if !isObject(raw) {
		return nil, fmt.Errorf("%w: payload must be a JSON object", ErrEncoding)
	}
	return json.RawMessage(raw), nil
}

// Encode 序列化为线上数组形式
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil message", ErrEncoding)
	}
	if msg.ID() == "" {
		return nil, fmt.Errorf("%w: empty message id", ErrEncoding)
	}

	var arr []any
	switch m := msg.(type) {
	case *Call:
		if m.Action == "" {
			return nil, fmt.Errorf("%w: empty action", ErrEncoding)
		}
		payload, err := normalizeObject(m.Payload)
		if err != nil {
			return nil, err
		}
		arr = []any{MessageTypeCall, m.MessageID, m.Action, payload}
	case *CallResult:
		payload, err := normalizeObject(m.Payload)
		if err != nil {
			return nil, err
		}
		arr = []any{MessageTypeCallResult, m.MessageID, payload}
	case *CallError:
		if m.ErrorCode == "" {
			return nil, fmt.Errorf("%w: empty error code", ErrEncoding)
		}
		details, err := normalizeObject(m.ErrorDetails)
		if err != nil {
			return nil, err
		}
		arr = []any{MessageTypeCallError, m.MessageID, string(m.ErrorCode), m.ErrorDescription, details}
	default:
		return nil, fmt.Errorf("%w: unsupported message %T", ErrEncoding, msg)
	}

	b, err := json.Marshal(arr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	return b, nil
}

// Decode 解析线上数组。Call 必须 4 元素，CallResult 必须 3 元素，
// CallError 为 4 或 5 元素（details 缺省为 {}）。
func Decode(data []byte) (Message, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		return nil, malformed("not a JSON array: %v", err)
	}
	if len(elems) < 3 {
		return nil, malformed("expected at least 3 elements, got %d", len(elems))
	}

	var tag int
	if err := json.Unmarshal(elems[0], &tag); err != nil {
		return nil, malformed("message type is not an integer")
	}
	var id string
	if err := json.Unmarshal(elems[1], &id); err != nil || id == "" {
		return nil, malformed("message id must be a non-empty string")
	}

	switch MessageType(tag) {
	case MessageTypeCall:
		if len(elems) != 4 {
			return nil, malformed("call expects 4 elements, got %d", len(elems))
		}
		var action string
		if err := json.Unmarshal(elems[2], &action); err != nil || action == "" {
			return nil, malformed("call action must be a non-empty string")
		}
		if !isObject(elems[3]) {
			return nil, malformed("call payload must be an object")
		}
		return &Call{MessageID: id, Action: action, Payload: elems[3]}, nil

	case MessageTypeCallResult:
		if len(elems) != 3 {
			return nil, malformed("call result expects 3 elements, got %d", len(elems))
		}
		if !isObject(elems[2]) {
			return nil, malformed("call result payload must be an object")
		}
		return &CallResult{MessageID: id, Payload: elems[2]}, nil

	case MessageTypeCallError:
		if len(elems) != 4 && len(elems) != 5 {
			return nil, malformed("call error expects 4 or 5 elements, got %d", len(elems))
		}
		var code, desc string
		if err := json.Unmarshal(elems[2], &code); err != nil || code == "" {
			return nil, malformed("call error code must be a non-empty string")
		}
		if err := json.Unmarshal(elems[3], &desc); err != nil {
			return nil, malformed("call error description must be a string")
		}
		details := emptyObject
		if len(elems) == 5 {
			if !isObject(elems[4]) {
				return nil, malformed("call error details must be an object")
			}
			details = elems[4]
		}
		return &CallError{MessageID: id, ErrorCode: ErrorCode(code), ErrorDescription: desc, ErrorDetails: details}, nil
	}

	return nil, malformed("unknown message type %d", tag)
}

// ExtractMessageID 从无法完整解析的 Call 中尽量取出消息ID，
// 以便回复 CallError 而不是静默丢弃。
func ExtractMessageID(data []byte) (string, bool) {
	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil || len(elems) < 2 {
		return "", false
	}
	var tag int
	if err := json.Unmarshal(elems[0], &tag); err != nil || MessageType(tag) != MessageTypeCall {
		return "", false
	}
	var id string
	if err := json.Unmarshal(elems[1], &id); err != nil || id == "" {
		return "", false
	}
	return id, true
}

func isObject(raw []byte) bool {
	t := bytes.TrimSpace(raw)
	return len(t) >= 2 && t[0] == '{' && t[len(t)-1] == '}'
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedMessage, fmt.Sprintf(format, args...))
}
