package main

// teapotd runs one Teapotnet node: the overlay, the tunneler, the pub/sub
// engine and the block store, plus the optional interface listener serving
// the tracker endpoint and metrics.
//
// Exit codes: 0 normal, 1 configuration error, 2 bind error.

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/teapotnet/teapotnet/core"
	"github.com/teapotnet/teapotnet/pkg/config"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Environment first, so TPN_ overrides in .env apply to the loader.
	_ = godotenv.Load()

	var (
		port        = flag.Int("port", 0, "overlay bind port (overrides config)")
		configPath  = flag.String("config", "teapotnet.yaml", "configuration file")
		noInterface = flag.Bool("nointerface", false, "disable the interface listener")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		return 1
	}
	if *port != 0 {
		cfg.Network.Port = *port
	}

	log := logrus.New()
	if level, err := logrus.ParseLevel(cfg.Runtime.LogLevel); err == nil {
		log.SetLevel(level)
	}

	ctx, err := core.NewCoreContext(log, core.Options{
		Port:          cfg.Network.Port,
		Directory:     cfg.Storage.Directory,
		SharedDirs:    cfg.Storage.SharedDirs,
		Trackers:      cfg.Network.Trackers,
		Peers:         cfg.Network.BootstrapPeers,
		TunnelTimeout: cfg.TunnelTimeout(),
		Workers:       cfg.Runtime.Workers,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		return 1
	}
	defer ctx.Close()

	if err := ctx.Start(); err != nil {
		fmt.Fprintln(os.Stderr, "bind error:", err)
		return 2
	}

	if cfg.Interface.Enabled && !*noInterface {
		tracker := core.NewTracker(log)
		r := chi.NewRouter()
		r.Mount("/tracker", tracker.Router())
		r.Handle("/metrics", promhttp.Handler())
		addr := net.JoinHostPort("", strconv.Itoa(cfg.Interface.Port))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			fmt.Fprintln(os.Stderr, "bind error:", err)
			return 2
		}
		go func() {
			if err := http.Serve(ln, r); err != nil && !errors.Is(err, net.ErrClosed) {
				log.WithError(err).Warn("interface listener stopped")
			}
		}()
		defer ln.Close()
		log.WithField("addr", addr).Info("interface listening")
	}

	log.WithField("node", ctx.Overlay.LocalNode().Hex()).Info("node running")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")
	return 0
}
