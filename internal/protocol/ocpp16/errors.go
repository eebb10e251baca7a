package ocpp16

import "errors"

var (
	// ErrMalformedMessage 报文不是合法的 OCPP-J 信封（非数组、类型标签错误、元素个数不符等）
	ErrMalformedMessage = errors.New("ocpp16: malformed message")
	// ErrEncoding 本地构造的下行报文无法序列化
	ErrEncoding = errors.New("ocpp16: encoding error")
	// ErrPayloadInvalid 载荷不符合动作的 JSON Schema
	ErrPayloadInvalid = errors.New("ocpp16: payload violates schema")
)

// ErrorCode CallError 错误码（OCPP-J 1.6 第 4.2.3 节）
type ErrorCode string

const (
	NotImplemented                ErrorCode = "NotImplemented"
	NotSupported                  ErrorCode = "NotSupported"
	InternalError                 ErrorCode = "InternalError"
	ProtocolError                 ErrorCode = "ProtocolError"
	SecurityError                 ErrorCode = "SecurityError"
	FormationViolation            ErrorCode = "FormationViolation"
	PropertyConstraintViolation   ErrorCode = "PropertyConstraintViolation"
	OccurrenceConstraintViolation ErrorCode = "OccurrenceConstraintViolation"
	TypeConstraintViolation       ErrorCode = "TypeConstraintViolation"
	GenericError                  ErrorCode = "GenericError"
)

// Valid 判断是否为协议定义的错误码
func (c ErrorCode) Valid() bool {
	switch c {
	case NotImplemented, NotSupported, InternalError, ProtocolError, SecurityError,
		FormationViolation, PropertyConstraintViolation, OccurrenceConstraintViolation,
		TypeConstraintViolation, GenericError:
		return true
	}
	return false
}
