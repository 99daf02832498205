package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/treble-h/tsoracle/committable"
	"github.com/treble-h/tsoracle/config"
	"github.com/treble-h/tsoracle/tso"
)

func main() {
	// tso.yaml unless another config name is given, e.g. tso_1 as written by config_gen
	configName := "tso"
	if len(os.Args) > 1 {
		configName = os.Args[1]
	}

	conf, err := config.LoadServerConfig("tso", configName)
	if err != nil {
		panic(err)
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:   fmt.Sprintf("tso-%d", conf.Port),
		Output: hclog.DefaultOutput,
		Level:  hclog.LevelFromString(os.Getenv("TSO_LOG_LEVEL")),
	})
	logger.Info("loaded config", "config", fmt.Sprintf("%+v", *conf))

	table, err := committable.OpenBoltCommitTable(conf.DataDir, logger.Named("committable"))
	if err != nil {
		panic(err)
	}
	defer table.Close()

	var lease tso.LeaseManagement = tso.VoidLeaseManager{}
	if conf.LeaseMode == config.LeaseModeZK {
		holder := fmt.Sprintf("%s:%d", conf.Host, conf.Port)
		lease, err = tso.NewZKLeaseManager(conf.ZKServers, conf.ZKLeasePath, holder, conf.LeasePeriod, logger.Named("lease"))
		if err != nil {
			panic(err)
		}
	}

	srv, err := tso.NewServer(conf, table, lease, &tso.SystemExitPanicker{Logger: logger}, logger)
	if err != nil {
		panic(err)
	}
	if err := srv.Start(); err != nil {
		panic(err)
	}

	if conf.MetricsPort > 0 {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			addr := fmt.Sprintf(":%d", conf.MetricsPort)
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Error("metrics endpoint stopped", "addr", addr, "error", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	srv.Close()
}
