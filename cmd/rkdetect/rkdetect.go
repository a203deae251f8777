package main

import (
	"fmt"
	"os"

	"github.com/akamensky/argparse"
	"github.com/coreos/go-systemd/daemon"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/rkdetect/server"
	"github.com/cyclopcam/rkdetect/server/config"
)

func main() {
	parser := argparse.NewParser("rkdetect", "Run a YOLOv5 model on the Rockchip NPU over a live camera feed, and display the annotated video")
	modelFile := parser.String("m", "model", &argparse.Options{Help: "RKNN model file (overrides model.path in the config file)", Default: ""})
	configFile := parser.String("c", "config", &argparse.Options{Help: "YAML configuration file", Default: ""})
	device := parser.String("", "device", &argparse.Options{Help: "V4L2 capture device, eg /dev/video21", Default: ""})
	labels := parser.String("", "labels", &argparse.Options{Help: "Class name file, one class per line (default is COCO)", Default: ""})
	httpListen := parser.String("", "http", &argparse.Options{Help: "Serve the status API on this address, eg :8080", Default: ""})
	noDisplay := parser.Flag("", "nodisplay", &argparse.Options{Help: "Don't open a display window", Default: false})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	cfg := config.DefaultConfig()
	if *configFile != "" {
		loaded, err := config.LoadFile(*configFile)
		if err != nil {
			logger.Errorf("%v", err)
			os.Exit(1)
		}
		cfg = *loaded
	}
	// Command line wins over the config file
	if *modelFile != "" {
		cfg.Model.Path = *modelFile
	}
	if *device != "" {
		cfg.Capture.Device = *device
	}
	if *labels != "" {
		cfg.Model.Classes = *labels
	}
	if *httpListen != "" {
		cfg.HTTP.Listen = *httpListen
	}
	if *noDisplay {
		cfg.Display.Enabled = false
	}

	srv, err := server.NewServer(logger, &cfg)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	srv.ListenForKillSignals()
	if err := srv.Start(); err != nil {
		logger.Errorf("%v", err)
		srv.Shutdown()
		<-srv.ShutdownComplete
		os.Exit(1)
	}

	// Tell systemd that we're alive
	daemon.SdNotify(false, daemon.SdNotifyReady)

	if err := <-srv.ShutdownComplete; err != nil {
		os.Exit(1)
	}
}
