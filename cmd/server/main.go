// Package main OCPP 1.6 中央系统
package main

import (
	"os"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/taoyao-code/ocpp-server/internal/app/bootstrap"
	cfgpkg "github.com/taoyao-code/ocpp-server/internal/config"
	"github.com/taoyao-code/ocpp-server/internal/logging"
	"go.uber.org/zap"
)

func main() {
	// 1) 命令行参数（覆盖配置文件与环境变量）
	fs := pflag.NewFlagSet("ocpp-server", pflag.ExitOnError)
	configPath := fs.StringP("config", "c", "", "config file path (default: $OCPP_CONFIG or configs/example.yaml)")
	fs.String("ws-addr", "", "websocket listen address, e.g. :3001")
	fs.String("http-addr", "", "http listen address, e.g. :8080")
	fs.String("log-level", "", "log level (debug|info|warn|error)")
	_ = fs.Parse(os.Args[1:])

	v := viper.New()
	bindFlag(v, "websocket.addr", fs.Lookup("ws-addr"))
	bindFlag(v, "http.addr", fs.Lookup("http-addr"))
	bindFlag(v, "logging.level", fs.Lookup("log-level"))

	// 2) 加载配置
	cfg, err := cfgpkg.LoadWith(v, *configPath)
	if err != nil {
		panic(err)
	}

	// 3) 初始化日志
	logger, err := logging.InitLogger(cfg.Logging)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	if err := bootstrap.Run(cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

// bindFlag 仅在显式传入时覆盖
func bindFlag(v *viper.Viper, key string, f *pflag.Flag) {
	if f != nil && f.Changed {
		_ = v.BindPFlag(key, f)
	}
}
