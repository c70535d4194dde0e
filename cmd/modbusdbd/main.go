// Command modbusdbd is the demo daemon: it wires a JSON-declared
// datamap (its path named in the YAML config), the example Modbus TCP driver, and the REST/WebSocket demo
// surfaces around a *modbusdb.Modbusdb, following cmd/server/main.go's
// construct-subsystems-then-block-on-signal shape in the teacher.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/yarosdev/modbusdb"
	"github.com/yarosdev/modbusdb/datamap"
	"github.com/yarosdev/modbusdb/internal/config"
	"github.com/yarosdev/modbusdb/internal/restapi"
	"github.com/yarosdev/modbusdb/internal/transport/tcpdriver"
	"github.com/yarosdev/modbusdb/internal/wsevents"
)

func main() {
	configPath := flag.String("config", "configs/modbusdbd.yaml", "path to the daemon's YAML config")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	logger.Info("config loaded", zap.String("path", *configPath))

	dm, err := datamap.LoadDatamapFile(cfg.Datamap.Path)
	if err != nil {
		logger.Fatal("failed to load datamap", zap.Error(err))
	}
	logger.Info("datamap loaded", zap.Int("entries", dm.Len()))

	drv := tcpdriver.New(cfg.Driver.Address, cfg.Driver.Timeout, logger)
	if err := drv.Connect(); err != nil {
		logger.Fatal("failed to connect driver", zap.Error(err))
	}
	defer drv.Close()

	db, err := modbusdb.New(modbusdb.Options{
		Driver:    drv,
		Datamap:   dm,
		Interval:  cfg.Modbus.Interval,
		Timeout:   cfg.Modbus.Timeout,
		RoundSize: cfg.Modbus.RoundSize,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal("failed to construct modbusdb", zap.Error(err))
	}
	db.Watch()
	defer db.Destroy()

	hub := wsevents.NewHub(db.Bus(), logger)
	go hub.Run()

	wsMux := http.NewServeMux()
	wsMux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		wsevents.ServeWs(hub, w, r)
	})
	wsServer := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Server.WSPort), Handler: wsMux}
	go func() {
		if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("WebSocket server failed", zap.Error(err))
		}
	}()

	restServer := restapi.NewServer(cfg.Server.HTTPPort, db, logger)
	restServer.Start()

	logger.Info("modbusdbd started",
		zap.Int("http_port", cfg.Server.HTTPPort),
		zap.Int("ws_port", cfg.Server.WSPort),
		zap.String("driver_address", cfg.Driver.Address))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := restServer.Shutdown(ctx); err != nil {
		logger.Error("REST server shutdown failed", zap.Error(err))
	}
	if err := wsServer.Shutdown(ctx); err != nil {
		logger.Error("WebSocket server shutdown failed", zap.Error(err))
	}
	hub.Stop()

	logger.Info("modbusdbd stopped")
}
