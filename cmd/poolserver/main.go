// Command poolserver runs a standalone stratum server with permissive demo
// collaborators: every worker is authorized and every well-formed share is
// accepted. It exists to exercise the connection-handling core against real
// miners; wire in real collaborators for production use.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/cyberinferno/go-stratum/banstore"
	"github.com/cyberinferno/go-stratum/logger"
	"github.com/cyberinferno/go-stratum/stratum"
)

// acceptAll authorizes every worker, grants every subscription a random
// extranonce1, and accepts every share.
type acceptAll struct{}

func (acceptAll) Authorize(context.Context, stratum.AuthRequest) stratum.AuthResult {
	return stratum.AuthResult{Authorized: true}
}

func (acceptAll) Subscribe(context.Context, *stratum.Client) (stratum.SubscriptionResult, *stratum.Error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return stratum.SubscriptionResult{}, stratum.ErrOther
	}

	return stratum.SubscriptionResult{
		ExtraNonce1:     hex.EncodeToString(buf),
		ExtraNonce2Size: 4,
	}, nil
}

func (acceptAll) SubmitShare(context.Context, *stratum.Client, stratum.Share) (bool, *stratum.Error) {
	return true, nil
}

func main() {
	zl := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
	log := logger.NewZerologLogger(zl, "poolserver", zerolog.InfoLevel)

	config, redisAddr, err := loadConfig()
	if err != nil {
		log.Error("failed to load configuration", logger.Field{Key: "error", Value: err})
		os.Exit(1)
	}

	var bans banstore.Store
	if redisAddr != "" {
		bans = banstore.NewRedisStore(redis.NewClient(&redis.Options{Addr: redisAddr}), config.Banning.Time)
		log.Info("using redis ban store", logger.Field{Key: "addr", Value: redisAddr})
	}

	srv, err := stratum.NewServer(stratum.ServerOptions{
		Config:        config,
		Authorizer:    acceptAll{},
		Subscriptions: acceptAll{},
		Shares:        acceptAll{},
		Bans:          bans,
		Logger:        log,
		Events: stratum.ServerEvents{
			OnClientConnected: func(c *stratum.Client) {
				diff := config.Ports[c.LocalPort()].Diff
				if diff > 0 {
					c.EnqueueNextDifficulty(diff)
				}
			},
			OnBroadcastTimeout: func() {
				log.Warn("no job broadcast within the rebroadcast window")
			},
		},
	})
	if err != nil {
		log.Error("failed to create server", logger.Field{Key: "error", Value: err})
		os.Exit(1)
	}

	if err := srv.Start(); err != nil {
		log.Error("failed to start server", logger.Field{Key: "error", Value: err})
		os.Exit(1)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	srv.Stop()
}

// loadConfig reads poolserver.yaml from the working directory (overridable
// via POOLSERVER_CONFIG) on top of built-in defaults, and returns the server
// configuration plus the optional redis address for the ban store.
func loadConfig() (stratum.Config, string, error) {
	v := viper.New()
	v.SetDefault("banning.enabled", true)
	v.SetDefault("banning.time", "10m")
	v.SetDefault("banning.invalidPercent", 50)
	v.SetDefault("banning.checkThreshold", 500)
	v.SetDefault("banning.purgeInterval", "10m")
	v.SetDefault("connectionTimeout", "10m")
	v.SetDefault("jobRebroadcastTimeout", "55s")
	v.SetDefault("maxConnections", 0)
	v.SetDefault("metricsEnabled", false)
	v.SetDefault("tcpProxyProtocol", false)
	v.SetDefault("ports", map[string]interface{}{"3333": map[string]interface{}{"diff": 16}})

	v.SetConfigName("poolserver")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if path := os.Getenv("POOLSERVER_CONFIG"); path != "" {
		v.SetConfigFile(path)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return stratum.Config{}, "", err
		}
	}

	ports := make(map[int]stratum.PortConfig)
	for name := range v.GetStringMap("ports") {
		port, err := strconv.Atoi(name)
		if err != nil {
			return stratum.Config{}, "", fmt.Errorf("invalid port %q: %w", name, err)
		}

		prefix := "ports." + name + "."
		ports[port] = stratum.PortConfig{
			Diff:     v.GetFloat64(prefix + "diff"),
			TLS:      v.GetBool(prefix + "tls"),
			CertFile: v.GetString(prefix + "certFile"),
			KeyFile:  v.GetString(prefix + "keyFile"),
		}
	}

	config := stratum.Config{
		Ports: ports,
		Banning: stratum.BanningConfig{
			Enabled:        v.GetBool("banning.enabled"),
			Time:           v.GetDuration("banning.time"),
			InvalidPercent: v.GetFloat64("banning.invalidPercent"),
			CheckThreshold: v.GetUint64("banning.checkThreshold"),
			PurgeInterval:  v.GetDuration("banning.purgeInterval"),
		},
		ConnectionTimeout:     v.GetDuration("connectionTimeout"),
		TCPProxyProtocol:      v.GetBool("tcpProxyProtocol"),
		JobRebroadcastTimeout: v.GetDuration("jobRebroadcastTimeout"),
		MaxConnections:        v.GetInt("maxConnections"),
		MetricsEnabled:        v.GetBool("metricsEnabled"),
	}

	return config, v.GetString("redis.addr"), nil
}
