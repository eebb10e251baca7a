package ocpp16

// Action OCPP 1.6 动作名（封闭枚举）
type Action string

// 充电桩发起
const (
	ActionBootNotification   Action = "BootNotification"
	ActionHeartbeat          Action = "Heartbeat"
	ActionStatusNotification Action = "StatusNotification"
	ActionAuthorize          Action = "Authorize"
	ActionStartTransaction   Action = "StartTransaction"
	ActionStopTransaction    Action = "StopTransaction"
	ActionMeterValues        Action = "MeterValues"
)

// 双向
const (
	ActionDataTransfer Action = "DataTransfer"
)

// 中央系统发起
const (
	ActionRemoteStartTransaction Action = "RemoteStartTransaction"
	ActionRemoteStopTransaction  Action = "RemoteStopTransaction"
	ActionReset                  Action = "Reset"
	ActionUnlockConnector        Action = "UnlockConnector"
	ActionGetConfiguration       Action = "GetConfiguration"
	ActionChangeConfiguration    Action = "ChangeConfiguration"
)

var allActions = []Action{
	ActionBootNotification,
	ActionHeartbeat,
	ActionStatusNotification,
	ActionAuthorize,
	ActionStartTransaction,
	ActionStopTransaction,
	ActionMeterValues,
	ActionDataTransfer,
	ActionRemoteStartTransaction,
	ActionRemoteStopTransaction,
	ActionReset,
	ActionUnlockConnector,
	ActionGetConfiguration,
	ActionChangeConfiguration,
}

var actionSet = func() map[Action]struct{} {
	m := make(map[Action]struct{}, len(allActions))
	for _, a := range allActions {
		m[a] = struct{}{}
	}
	return m
}()

// Actions 返回全部已知动作（副本）
func Actions() []Action {
	out := make([]Action, len(allActions))
	copy(out, allActions)
	return out
}

// ParseAction 将线上的动作名解析为枚举值
func ParseAction(s string) (Action, bool) {
	a := Action(s)
	return a, a.Valid()
}

// Valid 是否属于已知动作集合
func (a Action) Valid() bool {
	_, ok := actionSet[a]
	return ok
}

// InitiatedByChargePoint 该动作是否可由充电桩发起
func (a Action) InitiatedByChargePoint() bool {
	switch a {
	case ActionBootNotification, ActionHeartbeat, ActionStatusNotification, ActionAuthorize,
		ActionStartTransaction, ActionStopTransaction, ActionMeterValues, ActionDataTransfer:
		return true
	}
	return false
}

// InitiatedByCentralSystem 该动作是否可由中央系统发起
func (a Action) InitiatedByCentralSystem() bool {
	switch a {
	case ActionRemoteStartTransaction, ActionRemoteStopTransaction, ActionReset,
		ActionUnlockConnector, ActionGetConfiguration, ActionChangeConfiguration, ActionDataTransfer:
		return true
	}
	return false
}
