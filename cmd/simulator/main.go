package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
)

var (
	serverURL     = flag.String("server", "ws://localhost:9000/ocpp", "gateway WebSocket base URL")
	chargePointID = flag.String("id", "CP001", "charge point id")
	version       = flag.String("ocpp", "1.6", "protocol version (1.6, 2.0.1, 2.1)")
	username      = flag.String("username", "", "basic auth username (defaults to the charge point id)")
	password      = flag.String("password", "", "basic auth password")
	vendor        = flag.String("vendor", "VoltGrid", "charge point vendor")
	model         = flag.String("model", "SimulatorV1", "charge point model")
	connectors    = flag.Int("connectors", 2, "number of connectors")
	meterPeriod   = flag.Duration("meter-period", 0, "meter values period while charging (0 disables)")
	verbose       = flag.Bool("verbose", false, "enable verbose logging")
)

func main() {
	flag.Parse()

	var logger *zap.Logger
	var err error
	if *verbose {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	sim := NewSimulator(Config{
		ServerURL:     *serverURL,
		ChargePointID: *chargePointID,
		Version:       *version,
		Username:      *username,
		Password:      *password,
		Vendor:        *vendor,
		Model:         *model,
		Connectors:    *connectors,
		MeterPeriod:   *meterPeriod,
	}, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := sim.Connect(); err != nil {
		logger.Fatal("Failed to connect to gateway", zap.Error(err))
	}

	fmt.Printf("OCPP charge point simulator started\n")
	fmt.Printf("  ID: %s\n", *chargePointID)
	fmt.Printf("  Server: %s\n", *serverURL)
	fmt.Printf("  Version: %s\n", *version)
	fmt.Println("\nPress Ctrl+C to stop")

	<-sigChan
	fmt.Println("\nShutting down simulator...")
	sim.Stop()
}
