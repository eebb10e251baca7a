// Package main OCPP 1.6 充电桩模拟器
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/taoyao-code/ocpp-server/internal/chargepoint"
	cfgpkg "github.com/taoyao-code/ocpp-server/internal/config"
	"github.com/taoyao-code/ocpp-server/internal/logging"
	"github.com/taoyao-code/ocpp-server/internal/transport"
	"go.uber.org/zap"
)

func main() {
	fs := pflag.NewFlagSet("chargepoint", pflag.ExitOnError)
	configPath := fs.StringP("config", "c", "", "config file path")
	fs.String("id", "", "charge point identity (last path segment)")
	fs.String("url", "", "central system websocket base url, e.g. ws://localhost:3001/ocpp")
	fs.Bool("autostart", false, "start a transaction on connector 1 after boot")
	fs.Int("connectors", 0, "number of connectors")
	fs.String("id-tag", "", "idTag used for autostart")
	_ = fs.Parse(os.Args[1:])

	v := viper.New()
	bindFlag(v, "chargepoint.id", fs.Lookup("id"))
	bindFlag(v, "chargepoint.url", fs.Lookup("url"))
	bindFlag(v, "chargepoint.autostart", fs.Lookup("autostart"))
	bindFlag(v, "chargepoint.connectors", fs.Lookup("connectors"))
	bindFlag(v, "chargepoint.idTag", fs.Lookup("id-tag"))

	cfg, err := cfgpkg.LoadWith(v, *configPath)
	if err != nil {
		panic(err)
	}

	logger, err := logging.InitLogger(cfg.Logging)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	cpCfg := cfg.ChargePoint
	log := logger.With(zap.String("charge_point_id", cpCfg.ID))
	cp := chargepoint.New(chargepoint.Config{
		ID:            cpCfg.ID,
		Vendor:        cpCfg.Vendor,
		Model:         cpCfg.Model,
		SerialNumber:  cpCfg.SerialNumber,
		Firmware:      cpCfg.Firmware,
		Connectors:    cpCfg.Connectors,
		MeterInterval: cpCfg.MeterInterval,
		MeterStepWh:   cpCfg.MeterStepWh,
		Autostart:     cpCfg.Autostart,
		IdTag:         cpCfg.IdTag,
		CallTimeout:   cfg.OCPP.CallTimeout,
	}, chargepoint.WithLogger(log))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connOpts := transport.ConnOptions{
		WriteTimeout:   cfg.WebSocket.WriteTimeout,
		PingInterval:   cfg.WebSocket.PingInterval,
		MaxMessageSize: cfg.WebSocket.MaxMessageSize,
	}
	wait := cpCfg.ReconnectWait
	if wait <= 0 {
		wait = 5 * time.Second
	}

	// 断线重连：连接结束后按固定间隔重拨，直到收到退出信号
	for {
		conn, err := transport.Dial(ctx, cpCfg.URL, cpCfg.ID, connOpts)
		if err != nil {
			log.Warn("connect failed", zap.String("url", cpCfg.URL), zap.Error(err))
		} else {
			log.Info("connected", zap.String("url", cpCfg.URL))
			err = cp.Run(ctx, conn)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Warn("connection closed", zap.Error(err))
			}
		}

		select {
		case <-ctx.Done():
			log.Info("simulator stopped")
			return
		case <-time.After(wait):
		}
	}
}

func bindFlag(v *viper.Viper, key string, f *pflag.Flag) {
	if f != nil && f.Changed {
		_ = v.BindPFlag(key, f)
	}
}
