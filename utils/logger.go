package utils

import (
	"context"
	"time"

	zaploki "github.com/DavidMuth/zap-loki"
	"github.com/NxtGenIT/nxtfireguard-traffic-guard/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func InitLogger(cfg *config.Config) {
	zapConfig := zap.NewProductionConfig()
	if cfg.Debug {
		zapConfig.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		zapConfig.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	output := cfg.LogOutput
	if output == "" {
		output = "stdout"
	}
	zapConfig.OutputPaths = []string{output}
	zapConfig.ErrorOutputPaths = []string{"stderr"}

	var logger *zap.Logger
	var err error

	if cfg.LogToLoki {
		loki := zaploki.New(context.Background(), zaploki.Config{
			Url:          cfg.LokiAddress,
			BatchMaxSize: 1000,
			BatchMaxWait: 10 * time.Second,
			Labels: map[string]string{
				"app":           "nfg_traffic_guard_v0",
				"traffic_guard": cfg.GuardName,
			},
			Headers: map[string]string{
				"apikey": cfg.AuthSecret,
			},
		})

		logger, err = loki.WithCreateLogger(zapConfig)
		if err != nil {
			panic(err)
		}
	} else {
		logger, err = zapConfig.Build()
		if err != nil {
			panic(err)
		}
	}

	zap.ReplaceGlobals(logger.With(zap.String("guard", cfg.GuardName)))
}
