package main

import (
	"context"
	"log"

	"github.com/labstack/echo/v4"
	"go.elastic.co/apm"
	"go.elastic.co/apm/module/apmechov4"
	"go.elastic.co/apm/module/apmzap"
	"go.uber.org/zap"

	"github.com/chop-dbhi/icd-lookup/internal/config"
)

var (
	zapLogger *zap.Logger
	apmActive bool
)

func init() {

	// Set logging configuration
	var err error
	zapLogger, err = zap.NewProduction(zap.WrapCore((&apmzap.Core{}).WrapCore))
	if err != nil {
		log.Fatalf("Can't initialize zap logger: %v", err)
	}
}

func initAPM(e *echo.Echo, cfg *config.Config) error {
	// Close default Elastic APM tracer
	zapLogger.Info("Disable default APM logger")
	apm.DefaultTracer.Close()

	apmActive = cfg.APMActive
	if !apmActive {
		return nil
	}

	// Create new tracer with basic options
	// Use environment variables for the remaining options
	zapLogger.Info("Creating new APM tracer",
		zap.String("ServiceName", cfg.AppName),
		zap.String("ServiceEnvironment", cfg.AppEnv),
		zap.String("ServiceVersion", cfg.AppVersion))
	tracer, err := apm.NewTracerOptions(apm.TracerOptions{
		ServiceName:        cfg.AppName,
		ServiceEnvironment: cfg.AppEnv,
		ServiceVersion:     cfg.AppVersion,
	})
	if err != nil {
		return err
	}

	// Adds elastic APM middleware to web server to capture requests
	// and send them to elastic
	zapLogger.Info("Enabling APM logger")
	e.Use(apmechov4.Middleware(apmechov4.WithTracer(tracer)))
	return nil
}

func logger(c context.Context, err error) {
	zapLogger.Error(err.Error())
	if apmActive {
		apm.CaptureError(c, err).Send()
	}
}
