package cmd

import (
	"fmt"
	"net/http"
	_ "net/http/pprof" //ok in production https://medium.com/google-cloud/continuous-profiling-of-go-programs-96d4416af77b
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/marketflux/fanout/internal/engine"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the subscription fan-out engine",
	Long: `Serve runs the websocket hub and the access API. Set parameters
with environment variables, for example:

export FANOUT_AUDIENCE=https://fanout-access.example.io
export FANOUT_LOG_LEVEL=warn
export FANOUT_LOG_FORMAT=json
export FANOUT_LOG_FILE=/var/log/fanout/fanout.log
export FANOUT_PORT_ACCESS=3000
export FANOUT_PORT_PROFILE=6061
export FANOUT_PORT_RELAY=3001
export FANOUT_PROFILE=true
export FANOUT_SECRET=somesecret
export FANOUT_TIDY_EVERY=5m
export FANOUT_INACTIVE_AFTER=24h
export FANOUT_URL=wss://fanout.example.io
fanout serve

Notes:
FANOUT_URL tells access the FQDN for FANOUT_PORT_RELAY; without it, access cannot redirect clients
FANOUT_TIDY_EVERY is an optional tuning parameter that can safely be left at the default value
FANOUT_INACTIVE_AFTER is how long a disconnected user's subscriptions are retained

`,
	Run: func(cmd *cobra.Command, args []string) {

		viper.SetEnvPrefix("FANOUT")
		viper.AutomaticEnv()

		viper.SetDefault("audience", "") //so we can check it's been provided
		viper.SetDefault("inactive_after", "24h")
		viper.SetDefault("log_file", "/var/log/fanout/fanout.log")
		viper.SetDefault("log_format", "json")
		viper.SetDefault("log_level", "warn")
		viper.SetDefault("port_access", 3000)
		viper.SetDefault("port_profile", 6061)
		viper.SetDefault("port_relay", 3001)
		viper.SetDefault("profile", "true")
		viper.SetDefault("secret", "") //so we can check it's been provided
		viper.SetDefault("tidy_every", "5m")
		viper.SetDefault("url", "") //so we can check it's been provided

		audience := viper.GetString("audience")
		inactiveAfterStr := viper.GetString("inactive_after")
		logFile := viper.GetString("log_file")
		logFormat := viper.GetString("log_format")
		logLevel := viper.GetString("log_level")
		portAccess := viper.GetInt("port_access")
		portProfile := viper.GetInt("port_profile")
		portRelay := viper.GetInt("port_relay")
		profile := viper.GetBool("profile")
		secret := viper.GetString("secret")
		tidyEveryStr := viper.GetString("tidy_every")
		URL := viper.GetString("url")

		// Sanity checks
		ok := true

		if audience == "" {
			fmt.Println("You must set FANOUT_AUDIENCE")
			ok = false
		}

		if secret == "" {
			fmt.Println("You must set FANOUT_SECRET")
			ok = false
		}

		if URL == "" {
			fmt.Println("You must set FANOUT_URL")
			ok = false
		}

		if !ok {
			os.Exit(1)
		}

		// parse durations

		tidyEvery, err := time.ParseDuration(tidyEveryStr)

		if err != nil {
			fmt.Print("cannot parse duration in FANOUT_TIDY_EVERY=" + tidyEveryStr)
			os.Exit(1)
		}

		inactiveAfter, err := time.ParseDuration(inactiveAfterStr)

		if err != nil {
			fmt.Print("cannot parse duration in FANOUT_INACTIVE_AFTER=" + inactiveAfterStr)
			os.Exit(1)
		}

		// set up logging
		switch strings.ToLower(logLevel) {
		case "trace":
			log.SetLevel(log.TraceLevel)
		case "debug":
			log.SetLevel(log.DebugLevel)
		case "info":
			log.SetLevel(log.InfoLevel)
		case "warn":
			log.SetLevel(log.WarnLevel)
		case "error":
			log.SetLevel(log.ErrorLevel)
		case "fatal":
			log.SetLevel(log.FatalLevel)
		case "panic":
			log.SetLevel(log.PanicLevel)
		default:
			fmt.Println("FANOUT_LOG_LEVEL can be trace, debug, info, warn, error, fatal or panic but not " + logLevel)
			os.Exit(1)
		}

		switch strings.ToLower(logFormat) {
		case "json":
			log.SetFormatter(&log.JSONFormatter{})
		case "text":
			log.SetFormatter(&log.TextFormatter{})
		default:
			fmt.Println("FANOUT_LOG_FORMAT can be json or text but not " + logFormat)
			os.Exit(1)
		}

		if strings.ToLower(logFile) == "stdout" {

			log.SetOutput(os.Stdout)

		} else {

			file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
			if err == nil {
				log.SetOutput(file)
			} else {
				log.Infof("Failed to log to %s, logging to default stderr", logFile)
			}
		}

		// Report useful info
		log.Infof("fanout version: %s", versionString())
		log.Infof("Audience: [%s]", audience)
		log.Infof("Inactive after: [%s]", inactiveAfter)
		log.Infof("Log file: [%s]", logFile)
		log.Infof("Log format: [%s]", logFormat)
		log.Infof("Log level: [%s]", logLevel)
		log.Infof("Port for access: [%d]", portAccess)
		log.Infof("Port for profile: [%d]", portProfile)
		log.Infof("Port for relay: [%d]", portRelay)
		log.Infof("Profiling is on: [%t]", profile)
		if len(secret) >= 8 {
			log.Debugf("Secret: [%s...%s]", secret[:4], secret[len(secret)-4:])
		} else {
			log.Debugf("Secret: [%d chars]", len(secret))
		}
		log.Infof("Tidy every: [%s]", tidyEvery)
		log.Infof("URL: [%s]", URL)

		// Optionally start the profiling server
		if profile {
			go func() {
				url := "localhost:" + strconv.Itoa(portProfile)
				err := http.ListenAndServe(url, nil)
				if err != nil {
					log.Error(err)
				}
			}()
		}

		var wg sync.WaitGroup

		closed := make(chan struct{})

		c := make(chan os.Signal, 1)

		signal.Notify(c, os.Interrupt)

		go func() {
			for range c {
				close(closed)
				wg.Wait()
				os.Exit(0)
			}
		}()

		wg.Add(1)

		config := engine.Config{
			AccessPort:    portAccess,
			RelayPort:     portRelay,
			Audience:      audience,
			Secret:        secret,
			Target:        URL,
			PruneEvery:    tidyEvery,
			InactiveAfter: inactiveAfter,
		}

		go engine.Run(closed, &wg, config)

		wg.Wait()

	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
