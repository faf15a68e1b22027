// Command cxl-switchd wires the switch's components together: load the
// static topology, start the switch connection manager and the VCS
// manager, start the Fabric Manager CCI executor, and serve a Prometheus
// /metrics endpoint. Process launching, flag parsing, and the CLI proper
// are out of scope (§1) — this is the minimal wiring the teacher's
// cmd/exporter_example2/main.go demonstrates (build a collector, register
// it, serve /metrics, run the accept loop) adapted to the switch's own
// components instead of an HTTP file server.
package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/cxlfabric/switchd/config"
	"github.com/cxlfabric/switchd/fmcci"
	"github.com/cxlfabric/switchd/switchmgr"
	"github.com/cxlfabric/switchd/vcsmgr"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s <config.json>\n", os.Args[0])
		os.Exit(1)
	}

	cfg, err := config.LoadFile(os.Args[1])
	if err != nil {
		logrus.WithError(err).Fatal("cxl-switchd: failed to load config")
	}
	logrus.WithField("config", cfg).Info("cxl-switchd: starting")

	switchMgr := switchmgr.NewManager(cfg)
	vcsMgr := vcsmgr.NewManager(cfg, switchMgr)
	executor := fmcci.NewExecutor(cfg, switchMgr, vcsMgr)

	for _, c := range executor.Metrics().Collectors() {
		prometheus.MustRegister(c)
	}
	http.Handle("/metrics", promhttp.Handler())
	metricsAddr := os.Getenv("CXL_SWITCHD_METRICS_ADDR")
	if metricsAddr == "" {
		metricsAddr = ":9464"
	}
	go func() {
		if err := http.ListenAndServe(metricsAddr, nil); err != nil {
			logrus.WithError(err).Error("cxl-switchd: metrics server exited")
		}
	}()

	go vcsMgr.Run()
	<-vcsMgr.Runnable.Ready()

	go func() {
		if err := executor.Run(); err != nil {
			logrus.WithError(err).Fatal("cxl-switchd: fm executor failed")
		}
	}()
	<-executor.Runnable.Ready()

	if err := switchMgr.Run(); err != nil {
		logrus.WithError(err).Fatal("cxl-switchd: switch connection manager failed")
	}
}
