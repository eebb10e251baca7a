package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taoyao-code/ocpp-server/internal/protocol/ocpp16"
)

func call(action, payload string) *ocpp16.Call {
	return &ocpp16.Call{MessageID: "m1", Action: action, Payload: json.RawMessage(payload)}
}

func heartbeat() Handler {
	return Handle(func(ctx context.Context, req *Request, _ *ocpp16.HeartbeatRequest) (*ocpp16.HeartbeatConfirmation, error) {
		return &ocpp16.HeartbeatConfirmation{CurrentTime: ocpp16.Now()}, nil
	})
}

func TestRegisterRejectsUnknownAndNil(t *testing.T) {
	d := New()
	assert.ErrorIs(t, d.Register("FooBar", heartbeat()), ErrUnknownAction)
	assert.ErrorIs(t, d.Register(ocpp16.ActionHeartbeat, nil), ErrNilHandler)
	require.NoError(t, d.Register(ocpp16.ActionHeartbeat, heartbeat()))
	assert.Equal(t, 1, d.Registered())
	assert.Panics(t, func() { d.MustRegister("FooBar", heartbeat()) })
}

func TestDispatchUnknownActionNotImplemented(t *testing.T) {
	d := New()
	d.MustRegister(ocpp16.ActionHeartbeat, heartbeat())

	reply := d.Dispatch(context.Background(), "CP-1", call("FooBar", `{}`))
	ce, ok := reply.(*ocpp16.CallError)
	require.True(t, ok)
	assert.Equal(t, "m1", ce.MessageID)
	assert.Equal(t, ocpp16.NotImplemented, ce.ErrorCode)

	// 已知动作但未注册同样回复 NotImplemented
	reply = d.Dispatch(context.Background(), "CP-1", call("Reset", `{"type":"Soft"}`))
	assert.Equal(t, ocpp16.NotImplemented, reply.(*ocpp16.CallError).ErrorCode)

	// 后续消息照常处理
	reply = d.Dispatch(context.Background(), "CP-1", call("Heartbeat", `{}`))
	_, ok = reply.(*ocpp16.CallResult)
	assert.True(t, ok)
}

func TestDispatchLenientUnknown(t *testing.T) {
	d := New(WithLenientUnknown(true))
	reply := d.Dispatch(context.Background(), "CP-1", call("FooBar", `{}`))
	res, ok := reply.(*ocpp16.CallResult)
	require.True(t, ok)
	assert.JSONEq(t, `{"status":"Accepted"}`, string(res.Payload))
}

func TestDispatchErrorMapping(t *testing.T) {
	d := New()
	d.MustRegister(ocpp16.ActionAuthorize, Handle(func(ctx context.Context, req *Request, p *ocpp16.AuthorizeRequest) (*ocpp16.AuthorizeConfirmation, error) {
		switch p.IdTag {
		case "":
			return nil, Invalid("idTag is required")
		case "explicit":
			return nil, Errorf(ocpp16.PropertyConstraintViolation, "idTag %s not allowed", p.IdTag)
		case "boom":
			return nil, errors.New("database unavailable")
		case "panic":
			panic("unexpected")
		}
		return &ocpp16.AuthorizeConfirmation{IdTagInfo: ocpp16.IdTagInfo{Status: ocpp16.AuthorizationAccepted}}, nil
	}))

	tests := []struct {
		payload string
		code    ocpp16.ErrorCode
	}{
		{`{"idTag":""}`, ocpp16.FormationViolation},
		{`{"idTag":123}`, ocpp16.FormationViolation},
		{`{"idTag":"explicit"}`, ocpp16.PropertyConstraintViolation},
		{`{"idTag":"boom"}`, ocpp16.InternalError},
		{`{"idTag":"panic"}`, ocpp16.InternalError},
	}
	for _, tt := range tests {
		t.Run(tt.payload, func(t *testing.T) {
			reply := d.Dispatch(context.Background(), "CP-1", call("Authorize", tt.payload))
			ce, ok := reply.(*ocpp16.CallError)
			require.True(t, ok, "expected CallError, got %T", reply)
			assert.Equal(t, tt.code, ce.ErrorCode)
		})
	}

	reply := d.Dispatch(context.Background(), "CP-1", call("Authorize", `{"idTag":"USER-001"}`))
	res := reply.(*ocpp16.CallResult)
	assert.JSONEq(t, `{"idTagInfo":{"status":"Accepted"}}`, string(res.Payload))
}

func TestDispatchSchemaValidation(t *testing.T) {
	v, err := ocpp16.NewSchemaValidator()
	require.NoError(t, err)

	var outcomes []string
	d := New(WithValidator(v), WithObserver(ObserverFunc(func(_, outcome string) {
		outcomes = append(outcomes, outcome)
	})))
	invoked := false
	d.MustRegister(ocpp16.ActionStartTransaction, HandlerFunc(func(ctx context.Context, req *Request) (any, error) {
		invoked = true
		return nil, nil
	}))

	reply := d.Dispatch(context.Background(), "CP-1", call("StartTransaction", `{"connectorId":1}`))
	assert.Equal(t, ocpp16.FormationViolation, reply.(*ocpp16.CallError).ErrorCode)
	assert.False(t, invoked)

	reply = d.Dispatch(context.Background(), "CP-1", call("StartTransaction",
		`{"connectorId":1,"idTag":"USER-001","meterStart":1000,"timestamp":"2024-01-01T00:00:00Z"}`))
	_, ok := reply.(*ocpp16.CallResult)
	assert.True(t, ok)
	assert.True(t, invoked)
	assert.Equal(t, []string{string(ocpp16.FormationViolation), OutcomeOK}, outcomes)
}

func TestReRegisterReplaces(t *testing.T) {
	d := New()
	d.MustRegister(ocpp16.ActionDataTransfer, HandlerFunc(func(context.Context, *Request) (any, error) {
		return ocpp16.DataTransferConfirmation{Status: ocpp16.DataTransferRejected}, nil
	}))
	d.MustRegister(ocpp16.ActionDataTransfer, HandlerFunc(func(_ context.Context, req *Request) (any, error) {
		assert.Equal(t, "CP-9", req.ChargePointID)
		return ocpp16.DataTransferConfirmation{Status: ocpp16.DataTransferAccepted}, nil
	}))
	reply := d.Dispatch(context.Background(), "CP-9", call("DataTransfer", `{"vendorId":"acme"}`))
	assert.JSONEq(t, `{"status":"Accepted"}`, string(reply.(*ocpp16.CallResult).Payload))
}
