package farmclient

import (
	"fmt"
	"net/url"
	"os"
	"time"

	flag "github.com/spf13/pflag"
)

type Config struct {
	Server       string
	RequestFile  string
	Quiet        bool
	Wait         bool
	PollInterval time.Duration
	Timeout      time.Duration
}

func NewConfig() *Config {
	return &Config{}
}

func InitConfig(cfg *Config) {
	flag.StringVar(&cfg.Server, "server", getEnv("FARM_SERVER", DefaultServer), "URL to the farm server. (env FARM_SERVER)")
	flag.StringVar(&cfg.RequestFile, "file", getEnv("FARM_REQUEST_FILE", "farm.yaml"), "Path to the deployment request file. (env FARM_REQUEST_FILE)")
	flag.BoolVar(&cfg.Quiet, "quiet", false, "Suppress all informational output.")
	flag.BoolVar(&cfg.Wait, "wait", true, "Block until the deployment reaches a terminal state.")
	flag.DurationVar(&cfg.PollInterval, "poll-interval", DefaultPollInterval, "Interval between status polls.")
	flag.DurationVar(&cfg.Timeout, "timeout", DefaultTimeout, "Time to wait for a deployment to finish.")

	flag.Parse()
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func (cfg *Config) Validate() error {
	if cfg.RequestFile == "" {
		return fmt.Errorf(RequestFileRequiredMsg)
	}
	parsed, err := url.Parse(cfg.Server)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf(MalformedURLMsg)
	}
	return nil
}
