// jmapd is the process entrypoint: it loads configuration, opens
// storage, builds the record-class catalog, wires a dispatch engine,
// and serves the HTTP transport until signalled to stop.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/covenant-jmap/jmapcore/api"
	"github.com/covenant-jmap/jmapcore/catalog"
	"github.com/covenant-jmap/jmapcore/conf"
	"github.com/covenant-jmap/jmapcore/dispatch"
	"github.com/covenant-jmap/jmapcore/resultset"
	"github.com/covenant-jmap/jmapcore/storage"
	"github.com/covenant-jmap/jmapcore/utils/log"
)

var configFile string

func init() {
	flag.StringVar(&configFile, "config", "", "config file path (default: built-in development defaults)")
}

func main() {
	flag.Parse()

	cfg := conf.Default()
	if configFile != "" {
		loaded, err := conf.Load(configFile)
		if err != nil {
			log.WithError(err).Fatal("jmapd: failed to load config")
		}
		cfg = loaded
	}

	registry := catalog.NewRegistry()

	schema, err := storage.Open(cfg.DSN, registry)
	if err != nil {
		log.WithError(err).Fatal("jmapd: failed to open storage")
	}

	ops := resultset.New(schema, registry)

	engine := dispatch.NewEngine()
	engine.SynthesizeClientIDs = cfg.SynthesizeClientIDs
	for _, rc := range catalog.RecordClasses() {
		engine.RegisterRecordClass(rc, ops)
	}

	svc := &api.Service{
		Engine:   engine,
		DB:       schema.DB,
		Store:    schema,
		IsSystem: cfg.IsSystem,
	}

	errCh := make(chan error, 1)
	go func() {
		readTimeout := time.Duration(cfg.ReadTimeoutSeconds) * time.Second
		writeTimeout := time.Duration(cfg.WriteTimeoutSeconds) * time.Second
		errCh <- svc.ListenAndServe(cfg.ListenAddr, readTimeout, writeTimeout)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.WithError(err).Error("jmapd: server exited")
		}
	case <-stop:
		log.Info("jmapd: shutting down")
		if err := svc.Shutdown(); err != nil {
			log.WithError(err).Error("jmapd: shutdown failed")
		}
	}
}
