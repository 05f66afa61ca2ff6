package main

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/phoreproject/sidechain/cfg"
	"github.com/phoreproject/sidechain/enclave/config"
	"github.com/phoreproject/sidechain/enclave/module"
	"github.com/phoreproject/sidechain/utils"

	logger "github.com/sirupsen/logrus"
)

const clientVersion = "0.1.0"

func main() {
	enclaveOptions := config.Options{}
	globalConfig := cfg.GlobalOptions{LogLevel: "info"}
	err := cfg.LoadFlags(&enclaveOptions, &globalConfig)
	if err != nil {
		logger.Fatal(err)
	}

	utils.CheckNTP(globalConfig.NTPServer)

	lvl, err := logger.ParseLevel(globalConfig.LogLevel)
	if err != nil {
		logger.Fatal(err)
	}
	logger.SetLevel(lvl)

	logger.StandardLogger().SetFormatter(&logger.TextFormatter{
		ForceColors: globalConfig.ForceColors,
	})

	if globalConfig.SentryDSN != "" {
		err = sentry.Init(sentry.ClientOptions{
			Dsn:     globalConfig.SentryDSN,
			Release: clientVersion,
		})
		if err != nil {
			logger.Fatalf("sentry.Init: %s", err)
		}

		defer func() {
			err := recover()

			if err != nil {
				sentry.CurrentHub().Recover(err)
				sentry.Flush(time.Second * 5)
				panic(err)
			}
		}()
	}

	enclaveConfig, err := config.NewEnclaveConfig(enclaveOptions)
	if err != nil {
		logger.Fatal(err)
	}

	logger.WithFields(logger.Fields{
		"version": clientVersion,
		"datadir": enclaveConfig.DataDir,
		"shards":  len(enclaveConfig.Shards),
		"slot":    enclaveConfig.SlotDuration,
	}).Info("loaded config")

	app, err := module.NewEnclaveApp(*enclaveConfig)
	if err != nil {
		logger.Fatal(err)
	}

	fmt.Println("started enclave")

	err = app.Run()
	if err != nil {
		logger.Fatal(err)
	}
}
