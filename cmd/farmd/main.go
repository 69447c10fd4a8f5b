package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/buildforever/farm/pkg/conftools"
	"github.com/buildforever/farm/pkg/logging"
	"github.com/buildforever/farm/pkg/orchestrator"
	"github.com/buildforever/farm/pkg/server/api"
	"github.com/buildforever/farm/pkg/server/config"
	"github.com/buildforever/farm/pkg/server/database"
	"github.com/buildforever/farm/pkg/tool"
	"github.com/buildforever/farm/pkg/version"
)

var maskedConfig = []string{
	config.DatabaseEncryptionKey,
	config.DatabaseUrl,
}

const (
	databaseConnectBackoffInterval = 3 * time.Second
)

func run() error {
	var db *database.Database

	cfg := config.Initialize()
	err := conftools.Load(cfg)
	if err != nil {
		return err
	}

	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		return err
	}

	// Welcome
	log.Infof("farmd %s", version.Version())
	ts, err := version.BuildTime()
	if err == nil {
		log.Infof("This version was built %s", ts.Local())
	}

	for _, line := range conftools.Format(maskedConfig) {
		log.Info(line)
	}

	dbEncryptionKey, err := hex.DecodeString(cfg.DatabaseEncryptionKey)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DatabaseConnectTimeout)
	for {
		log.Infof("Connecting to database...")
		db, err = database.New(ctx, cfg.DatabaseURL, dbEncryptionKey)
		if err == nil {
			log.Infof("Database connection established.")
			break
		} else if ctx.Err() != nil {
			break
		} else {
			log.Errorf("unable to connect to database: %s", err)
			time.Sleep(databaseConnectBackoffInterval)
		}
	}
	cancel()
	if err != nil {
		return fmt.Errorf("setup postgres connection: %s", err)
	}

	err = db.Migrate(context.Background())
	if err != nil {
		return fmt.Errorf("migrating database: %s", err)
	}

	runner := &tool.ExecRunner{}
	orch := orchestrator.New(
		orchestrator.Config{
			WorkerPoolSize: cfg.Orchestrator.WorkerPoolSize,
			AwaitAttempts:  cfg.Orchestrator.AwaitAttempts,
			AwaitInterval:  cfg.Orchestrator.AwaitInterval,
			ReadyDeadline:  cfg.Orchestrator.ReadyDeadline,
			ImageStorage:   cfg.Orchestrator.ImageStorage,
		},
		&database.Recorder{Store: db},
		orchestrator.RealClientFactory,
		tool.NewTerraform(runner, cfg.Tools.TerraformDir),
		tool.NewAnsible(runner, cfg.Tools.AnsibleDir, cfg.Tools.AnsibleInventory),
		orchestrator.NewHTTPProber(),
	)

	router := api.New(api.Config{
		DeploymentStore:  db,
		CredentialStore:  db,
		SavedConfigStore: db,
		Orchestrator:     orch,
		ClientFactory:    orchestrator.RealClientFactory,
		ImageStorage:     cfg.Orchestrator.ImageStorage,
		MetricsPath:      cfg.MetricsPath,
	})

	go func() {
		err := http.ListenAndServe(cfg.ListenAddress, router)
		if err != nil {
			log.Error(err)
		}
	}()

	log.Infof("Ready to accept connections")

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signals

	log.Infof("Received signal %s (%d), exiting...", sig, sig)

	return nil
}

func main() {
	err := run()
	if err != nil {
		log.Errorf("Fatal error: %s", err)
		os.Exit(1)
	}
}
