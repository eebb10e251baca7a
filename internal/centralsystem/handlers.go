package centralsystem

import (
	"context"
	"errors"
	"time"

	"github.com/taoyao-code/ocpp-server/internal/dispatch"
	"github.com/taoyao-code/ocpp-server/internal/protocol/ocpp16"
	"github.com/taoyao-code/ocpp-server/internal/storage/models"
	"github.com/taoyao-code/ocpp-server/internal/thirdparty"
	"github.com/taoyao-code/ocpp-server/internal/transaction"
	"go.uber.org/zap"
)

func (s *Service) bootNotification(ctx context.Context, req *dispatch.Request, p *ocpp16.BootNotificationRequest) (*ocpp16.BootNotificationConfirmation, error) {
	now := s.now()
	cp := &models.ChargePoint{
		ID:              req.ChargePointID,
		Vendor:          p.ChargePointVendor,
		Model:           p.ChargePointModel,
		SerialNumber:    optional(p.ChargePointSerialNumber),
		FirmwareVersion: optional(p.FirmwareVersion),
		Iccid:           optional(p.Iccid),
		Imsi:            optional(p.Imsi),
		BootedAt:        &now,
		LastSeenAt:      &now,
	}
	if err := s.repo.UpsertChargePoint(ctx, cp); err != nil {
		s.logger.Warn("persist boot notification failed", zap.String("charge_point_id", req.ChargePointID), zap.Error(err))
	}

	s.logger.Info("charge point booted",
		zap.String("charge_point_id", req.ChargePointID),
		zap.String("vendor", p.ChargePointVendor),
		zap.String("model", p.ChargePointModel),
		zap.String("firmware", p.FirmwareVersion))

	s.publish(ctx, thirdparty.NewEvent(thirdparty.EventChargePointBooted, req.ChargePointID, thirdparty.ChargePointBootedData{
		Vendor:          p.ChargePointVendor,
		Model:           p.ChargePointModel,
		SerialNumber:    p.ChargePointSerialNumber,
		FirmwareVersion: p.FirmwareVersion,
		BootedAt:        now.Unix(),
	}))

	return &ocpp16.BootNotificationConfirmation{
		Status:      ocpp16.RegistrationAccepted,
		CurrentTime: ocpp16.NewDateTime(now),
		Interval:    int(s.interval / time.Second),
	}, nil
}

func (s *Service) heartbeat(ctx context.Context, req *dispatch.Request, _ *ocpp16.HeartbeatRequest) (*ocpp16.HeartbeatConfirmation, error) {
	now := s.now()
	if s.heartbeats != nil {
		s.heartbeats.OnHeartbeat(req.ChargePointID, now)
	}
	if err := s.repo.TouchChargePoint(ctx, req.ChargePointID, now); err != nil {
		s.logger.Debug("touch charge point failed", zap.String("charge_point_id", req.ChargePointID), zap.Error(err))
	}
	s.observer.RecordHeartbeat()
	return &ocpp16.HeartbeatConfirmation{CurrentTime: ocpp16.NewDateTime(now)}, nil
}

func (s *Service) statusNotification(ctx context.Context, req *dispatch.Request, p *ocpp16.StatusNotificationRequest) (*ocpp16.StatusNotificationConfirmation, error) {
	at := s.now()
	if p.Timestamp != nil && !p.Timestamp.IsZero() {
		at = p.Timestamp.Time
	}
	errCode := p.ErrorCode
	if errCode == "" {
		errCode = ocpp16.NoError
	}
	c := &models.Connector{
		ChargePointID:   req.ChargePointID,
		ConnectorID:     p.ConnectorID,
		Status:          string(p.Status),
		ErrorCode:       string(errCode),
		Info:            optional(p.Info),
		VendorErrorCode: optional(p.VendorErrorCode),
		UpdatedAt:       at,
	}
	if err := s.repo.UpsertConnector(ctx, c); err != nil {
		s.logger.Warn("persist connector status failed",
			zap.String("charge_point_id", req.ChargePointID),
			zap.Int("connector_id", p.ConnectorID),
			zap.Error(err))
	}

	s.logger.Info("connector status",
		zap.String("charge_point_id", req.ChargePointID),
		zap.Int("connector_id", p.ConnectorID),
		zap.String("status", string(p.Status)),
		zap.String("error_code", string(errCode)))

	s.publish(ctx, thirdparty.NewEvent(thirdparty.EventConnectorStatusChanged, req.ChargePointID, thirdparty.ConnectorStatusData{
		ConnectorID:     p.ConnectorID,
		Status:          string(p.Status),
		ErrorCode:       string(errCode),
		Info:            p.Info,
		VendorErrorCode: p.VendorErrorCode,
		ChangedAt:       at.Unix(),
	}))
	return &ocpp16.StatusNotificationConfirmation{}, nil
}

func (s *Service) authorize(_ context.Context, req *dispatch.Request, p *ocpp16.AuthorizeRequest) (*ocpp16.AuthorizeConfirmation, error) {
	info := s.auth.Authorize(p.IdTag, s.now())
	s.logger.Info("authorize",
		zap.String("charge_point_id", req.ChargePointID),
		zap.String("id_tag", p.IdTag),
		zap.String("status", string(info.Status)))
	return &ocpp16.AuthorizeConfirmation{IdTagInfo: info}, nil
}

func (s *Service) startTransaction(ctx context.Context, req *dispatch.Request, p *ocpp16.StartTransactionRequest) (*ocpp16.StartTransactionConfirmation, error) {
	info := s.auth.Authorize(p.IdTag, s.now())
	if info.Status != ocpp16.AuthorizationAccepted {
		s.logger.Warn("start transaction rejected",
			zap.String("charge_point_id", req.ChargePointID),
			zap.Int("connector_id", p.ConnectorID),
			zap.String("id_tag", p.IdTag),
			zap.String("status", string(info.Status)))
		return &ocpp16.StartTransactionConfirmation{IdTagInfo: info}, nil
	}

	startedAt := p.Timestamp.Time
	if startedAt.IsZero() {
		startedAt = s.now()
	}
	tx, err := s.tx.Start(req.ChargePointID, p.ConnectorID, p.IdTag, p.MeterStart, startedAt)
	if errors.Is(err, transaction.ErrConnectorBusy) {
		return &ocpp16.StartTransactionConfirmation{
			IdTagInfo: ocpp16.IdTagInfo{Status: ocpp16.AuthorizationConcurrentTx},
		}, nil
	}
	if err != nil {
		return nil, err
	}
	s.observer.SetActiveTransactions(s.tx.Count())

	s.logger.Info("transaction started",
		zap.String("charge_point_id", req.ChargePointID),
		zap.Int64("transaction_id", tx.ID),
		zap.Int("connector_id", tx.ConnectorID),
		zap.String("id_tag", tx.IdTag),
		zap.Int64("meter_start", tx.MeterStart))

	evID := thirdparty.TransactionEventID(thirdparty.EventTransactionStarted, req.ChargePointID, tx.ID)
	s.publish(ctx, thirdparty.NewEventWithID(evID, thirdparty.EventTransactionStarted, req.ChargePointID, thirdparty.TransactionStartedData{
		TransactionID: tx.ID,
		ConnectorID:   tx.ConnectorID,
		IdTag:         tx.IdTag,
		MeterStartWh:  tx.MeterStart,
		StartedAt:     tx.StartedAt.Unix(),
	}))

	return &ocpp16.StartTransactionConfirmation{IdTagInfo: info, TransactionID: tx.ID}, nil
}

func (s *Service) stopTransaction(ctx context.Context, req *dispatch.Request, p *ocpp16.StopTransactionRequest) (*ocpp16.StopTransactionConfirmation, error) {
	accepted := &ocpp16.StopTransactionConfirmation{IdTagInfo: &ocpp16.IdTagInfo{Status: ocpp16.AuthorizationAccepted}}

	// transactionData 中的电表读数先行入账
	for _, mv := range p.TransactionData {
		r := ocpp16.MeterValuesRequest{MeterValue: []ocpp16.MeterValue{mv}}
		if wh, at, ok := r.EnergyRegister(); ok {
			_, _ = s.tx.RecordMeterFor(req.ChargePointID, p.TransactionID, wh, at)
		}
	}

	sum, err := s.tx.StopFor(req.ChargePointID, p.TransactionID, p.MeterStop, string(p.Reason), p.Timestamp.Time)
	if errors.Is(err, transaction.ErrUnknownTransaction) {
		s.logger.Warn("stop for unknown transaction",
			zap.String("charge_point_id", req.ChargePointID),
			zap.Int64("transaction_id", p.TransactionID),
			zap.Int64("meter_stop", p.MeterStop))
		return accepted, nil
	}
	if err != nil {
		return nil, err
	}

	s.closed.Add(sum)
	s.observer.RecordEnergy(sum.EnergyConsumed)
	s.observer.SetActiveTransactions(s.tx.Count())

	s.logger.Info("transaction stopped",
		zap.String("charge_point_id", req.ChargePointID),
		zap.Int64("transaction_id", p.TransactionID),
		zap.Int64("energy_wh", sum.EnergyConsumed),
		zap.String("reason", sum.Reason),
		zap.Bool("anomalous", sum.Anomalous))

	evID := thirdparty.TransactionEventID(thirdparty.EventTransactionStopped, req.ChargePointID, p.TransactionID)
	s.publish(ctx, thirdparty.NewEventWithID(evID, thirdparty.EventTransactionStopped, req.ChargePointID, thirdparty.TransactionStoppedData{
		TransactionID: p.TransactionID,
		ConnectorID:   sum.Transaction.ConnectorID,
		IdTag:         sum.Transaction.IdTag,
		MeterStartWh:  sum.Transaction.MeterStart,
		MeterStopWh:   sum.MeterStop,
		EnergyWh:      sum.EnergyConsumed,
		Reason:        sum.Reason,
		DurationSec:   int64(sum.StoppedAt.Sub(sum.Transaction.StartedAt) / time.Second),
		Anomalous:     sum.Anomalous,
		StoppedAt:     sum.StoppedAt.Unix(),
	}))
	return accepted, nil
}

func (s *Service) meterValues(ctx context.Context, req *dispatch.Request, p *ocpp16.MeterValuesRequest) (*ocpp16.MeterValuesConfirmation, error) {
	wh, at, ok := p.EnergyRegister()
	if !ok {
		return &ocpp16.MeterValuesConfirmation{}, nil
	}
	if at.IsZero() {
		at = s.now()
	}

	var txID int64
	if p.TransactionID != nil {
		txID = *p.TransactionID
	} else if tx, found := s.tx.ActiveOn(req.ChargePointID, p.ConnectorID); found {
		txID = tx.ID
	} else {
		return &ocpp16.MeterValuesConfirmation{}, nil
	}

	prev, _ := s.tx.Get(txID)
	anomaly, err := s.tx.RecordMeterFor(req.ChargePointID, txID, wh, at)
	if errors.Is(err, transaction.ErrUnknownTransaction) {
		s.logger.Warn("meter values for unknown transaction",
			zap.String("charge_point_id", req.ChargePointID),
			zap.Int64("transaction_id", txID),
			zap.Int64("value_wh", wh))
		return &ocpp16.MeterValuesConfirmation{}, nil
	}
	if err != nil {
		return nil, err
	}
	if anomaly {
		s.publish(ctx, thirdparty.NewEvent(thirdparty.EventMeterAnomaly, req.ChargePointID, thirdparty.MeterAnomalyData{
			TransactionID: txID,
			PreviousWh:    prev.MeterCurrent,
			ReportedWh:    wh,
			At:            at.Unix(),
		}))
	}
	return &ocpp16.MeterValuesConfirmation{}, nil
}

func (s *Service) dataTransfer(_ context.Context, req *dispatch.Request, p *ocpp16.DataTransferRequest) (*ocpp16.DataTransferConfirmation, error) {
	s.logger.Info("data transfer",
		zap.String("charge_point_id", req.ChargePointID),
		zap.String("vendor_id", p.VendorID),
		zap.String("message_id", p.MessageID))
	return &ocpp16.DataTransferConfirmation{Status: ocpp16.DataTransferAccepted}, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
