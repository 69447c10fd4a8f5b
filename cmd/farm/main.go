package main

import (
	"net/http"
	"os"

	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/buildforever/farm/pkg/farmclient"
	"github.com/buildforever/farm/pkg/version"
)

func main() {
	code, err := run()
	if err == nil {
		return
	}
	if code == farmclient.ExitInvocationFailure {
		flag.Usage()
	}
	log.Errorf("fatal: %s", err)
	os.Exit(int(code))
}

func run() (farmclient.ExitCode, error) {
	cfg := farmclient.NewConfig()
	farmclient.InitConfig(cfg)
	farmclient.SetupLogging(*cfg)

	log.Infof("farm %s", version.Version())
	ts, err := version.BuildTime()
	if err == nil {
		log.Infof("This version was built %s", ts.Local())
	}

	d := farmclient.Deployer{
		Client: http.DefaultClient,
		Server: cfg.Server,
	}

	return d.Run(*cfg)
}
