package ocpp16

import (
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Decode(Encode(m)) 对任意合法消息保持 id、动作与载荷不变
func TestEnvelopeRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	genID := gen.Identifier()
	genAction := gen.OneConstOf(
		ActionBootNotification, ActionHeartbeat, ActionStatusNotification, ActionAuthorize,
		ActionStartTransaction, ActionStopTransaction, ActionMeterValues, ActionDataTransfer,
		ActionRemoteStartTransaction, ActionRemoteStopTransaction, ActionReset,
		ActionUnlockConnector, ActionGetConfiguration, ActionChangeConfiguration,
	)
	genPayload := gen.MapOf(gen.Identifier(), gen.AlphaString())

	properties.Property("call round trip", prop.ForAll(
		func(id string, action Action, payload map[string]string) bool {
			call, err := NewCall(id, action, payload)
			if err != nil {
				return false
			}
			b, err := Encode(call)
			if err != nil {
				return false
			}
			msg, err := Decode(b)
			if err != nil {
				return false
			}
			got, ok := msg.(*Call)
			if !ok || got.MessageID != id || got.Action != string(action) {
				return false
			}
			var back map[string]string
			if err := json.Unmarshal(got.Payload, &back); err != nil {
				return false
			}
			return len(back) == len(payload) && mapsEqual(back, payload)
		},
		genID, genAction, genPayload,
	))

	properties.Property("call error round trip", prop.ForAll(
		func(id string, desc string) bool {
			b, err := Encode(NewCallError(id, GenericError, desc, nil))
			if err != nil {
				return false
			}
			msg, err := Decode(b)
			if err != nil {
				return false
			}
			ce, ok := msg.(*CallError)
			return ok && ce.MessageID == id && ce.ErrorCode == GenericError && ce.ErrorDescription == desc
		},
		genID, gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func mapsEqual(a, b map[string]string) bool {
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
