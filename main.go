package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	jsoniter "github.com/json-iterator/go"

	"github.com/milkywaybrain/candlesync/internal/config"
	"github.com/milkywaybrain/candlesync/internal/initializer"
)

// main reads the app config and runs the sync jobs until they complete or
// the process is interrupted. On interrupt, in-flight batches are flushed
// with their span records before exit.
func main() {
	cfgPath := flag.String("config", "./examples/config.json", "path to the app config file")
	flag.Parse()

	cfgFile, err := os.Open(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "not able to open config file: %v\n", *cfgPath)
		os.Exit(1)
	}
	var cfg config.Config
	err = jsoniter.NewDecoder(cfgFile).Decode(&cfg)
	cfgFile.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "not able to parse config file: %v\n", *cfgPath)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := initializer.Start(ctx, &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "app exited with error: %v\n", err)
		os.Exit(1)
	}
}
