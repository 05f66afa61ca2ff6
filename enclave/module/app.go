package module

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/phoreproject/sidechain/composer"
	"github.com/phoreproject/sidechain/db"
	"github.com/phoreproject/sidechain/enclave"
	"github.com/phoreproject/sidechain/enclave/config"
	"github.com/phoreproject/sidechain/enclave/rpc"
	"github.com/phoreproject/sidechain/parentchain"
	"github.com/phoreproject/sidechain/pool"
	"github.com/phoreproject/sidechain/sealing"
	"github.com/phoreproject/sidechain/stf"
	"github.com/phoreproject/sidechain/utils"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const enclaveVersion = "0.1.0"

var logger = logrus.WithField("module", "app")

// EnclaveApp runs block production for every configured shard and serves
// the direct invocation API.
type EnclaveApp struct {
	config   config.EnclaveConfig
	enclave  *enclave.Enclave
	rpc      *rpc.Server
	registry *prometheus.Registry

	// exitChan receives a struct when an exit is requested.
	exitChan chan struct{}
	exited   *sync.Mutex
}

// NewEnclaveApp opens the database, unseals the state key and initialises
// the configured shards.
func NewEnclaveApp(c config.EnclaveConfig) (*EnclaveApp, error) {
	if err := os.MkdirAll(c.DataDir, 0700); err != nil {
		return nil, errors.Wrapf(err, "could not create data directory %s", c.DataDir)
	}

	key, err := sealing.LoadOrCreateKey(c.SealingKey)
	if err != nil {
		return nil, err
	}
	sealer, err := sealing.NewAEADSealer(key)
	if err != nil {
		return nil, err
	}

	database, err := db.NewBadgerDB(c.DatabaseDir)
	if err != nil {
		return nil, err
	}

	var filter pool.AdmissionFilter
	if c.RateLimit > 0 {
		filter = pool.NewRateLimitFilter(c.RateLimit, c.RateBurst)
	}

	registry := prometheus.NewRegistry()

	e, err := enclave.New(enclave.Config{
		MrEnclave:      c.MrEnclave,
		SlotDuration:   c.SlotDuration,
		Shards:         c.Shards,
		RetainBlocks:   c.RetainBlocks,
		Producer:       c.Producer,
		Filter:         filter,
		MaxPoolEntries: c.MaxPool,
		NonceCacheSize: c.NonceCache,
	}, enclave.Components{
		Database:    database,
		Sealer:      sealer,
		Authority:   composer.NewAuthority(c.AuthorityKey),
		Authorities: parentchain.StaticAuthorities(c.Authorities),
		Parentchain: parentchain.NewTracker(c.Genesis),
		Executor:    stf.NewBalanceSTF(c.RootAccount),
		Registerer:  registry,
	})
	if err != nil {
		database.Close()
		return nil, err
	}

	if err := e.Init(); err != nil {
		e.Close()
		return nil, err
	}

	app := &EnclaveApp{
		config:   c,
		enclave:  e,
		rpc:      rpc.NewServer(e, e.Blocks(), registry),
		registry: registry,
		exitChan: make(chan struct{}, 1),
		exited:   new(sync.Mutex),
	}

	signalHandler := make(chan os.Signal, 1)
	signal.Notify(signalHandler, os.Interrupt, syscall.SIGTERM)
	go app.listenForInterrupt(signalHandler)

	// locked while running
	app.exited.Lock()
	return app, nil
}

// Enclave gets the enclave run by the app.
func (app *EnclaveApp) Enclave() *enclave.Enclave {
	return app.enclave
}

// Run produces slots and serves the API until Exit is called.
func (app *EnclaveApp) Run() error {
	logger.WithField("version", enclaveVersion).Info("starting enclave")

	go func() {
		if err := app.rpc.Start(app.config.RPCListen); err != nil {
			logger.WithError(err).Error("rpc server stopped")
		}
	}()

	ticker := time.NewTicker(app.config.SlotDuration / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			app.tick(utils.Now())
		case <-app.exitChan:
			return app.exit()
		}
	}
}

func (app *EnclaveApp) tick(now time.Time) {
	result, err := app.enclave.ProduceSlot(now)
	if err != nil {
		logger.WithError(err).Error("could not produce slot")
		return
	}
	if result.Skipped {
		if result.Reason != enclave.SkipAlreadyProduced {
			logger.WithFields(logrus.Fields{
				"slot":   result.Slot,
				"reason": result.Reason,
			}).Debug("skipped slot")
		}
		return
	}

	logger.WithFields(logrus.Fields{
		"slot":    result.Slot,
		"blocks":  len(result.Blocks),
		"calls":   len(result.ParentchainCalls),
		"getters": len(result.Getters),
		"failed":  len(result.Failed),
	}).Info("produced slot")
}

func (app *EnclaveApp) listenForInterrupt(signalHandler chan os.Signal) {
	<-signalHandler

	app.Exit()
}

func (app *EnclaveApp) exit() error {
	defer app.exited.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.rpc.Shutdown(ctx); err != nil {
		logger.WithError(err).Warn("could not shut down rpc server")
	}

	logger.Info("exiting")

	return app.enclave.Close()
}

// Exit sends a request to exit the application.
func (app *EnclaveApp) Exit() {
	select {
	case app.exitChan <- struct{}{}:
	default:
	}
}

// WaitForExit waits for the app to exit.
func (app *EnclaveApp) WaitForExit() {
	app.exited.Lock()
	defer app.exited.Unlock()
}
