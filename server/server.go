// Package server wires the camera, the NPU, the frame stage, and the display together,
// and serves a small HTTP status API on the side.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/rkdetect/pkg/accel"
	"github.com/cyclopcam/rkdetect/pkg/gstio"
	"github.com/cyclopcam/rkdetect/pkg/nn"
	"github.com/cyclopcam/rkdetect/pkg/nnaccel"
	"github.com/cyclopcam/rkdetect/pkg/nnaccel/rknn"
	"github.com/cyclopcam/rkdetect/pkg/yolo"
	"github.com/cyclopcam/rkdetect/server/config"
	"github.com/cyclopcam/rkdetect/server/framestage"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

// StartupError is a failure that happens before the first frame is processed.
// The process is expected to exit with a non-zero status.
type StartupError struct {
	Step string
	Err  error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("Startup failed (%v): %v", e.Step, e.Err)
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

type Server struct {
	Log              logs.Log
	ShutdownComplete chan error // Receives one value, when the server has shut down

	cfg        *config.Config
	npu        nnaccel.Context
	stage      *framestage.Stage
	capture    *gstio.Capture
	display    *gstio.Display
	source     framestage.CaptureSource
	sink       framestage.DisplaySink
	signalIn   chan os.Signal
	httpServer *http.Server
	httpRouter *httprouter.Router
	wsUpgrader websocket.Upgrader
	snapshots  *snapshotter
	hub        *detectionHub
	frames     atomic.Int64 // Frames emitted, for the systemd watchdog
	shutdown   sync.Once
	stopWatch  chan struct{}
}

// Create the server, with all of its hardware resources open.
// Nothing runs until Start is called.
func NewServer(log logs.Log, cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &StartupError{Step: "config", Err: err}
	}
	s := newServer(log, cfg)

	classes := nn.COCOClasses
	if cfg.Model.Classes != "" {
		var err error
		if classes, err = nn.LoadClassFile(cfg.Model.Classes); err != nil {
			return nil, &StartupError{Step: "classes", Err: err}
		}
	}

	coreMask, _ := rknn.ParseCoreMask(cfg.Model.CoreMask)
	npu, meta, err := rknn.Open(cfg.Model.Path, &rknn.Options{CoreMask: coreMask})
	if err != nil {
		return nil, &StartupError{Step: "model", Err: err}
	}
	s.npu = npu
	logModel(log, cfg.Model.Path, meta)

	if err := s.createStage(meta, classes); err != nil {
		s.closeHardware()
		return nil, &StartupError{Step: "stage", Err: err}
	}

	s.capture, err = gstio.NewCapture(log, gstio.CaptureConfig{
		Device: cfg.Capture.Device,
		Width:  cfg.Capture.Width,
		Height: cfg.Capture.Height,
		Format: "YUY2",
	})
	if err != nil {
		s.closeHardware()
		return nil, &StartupError{Step: "capture", Err: err}
	}
	s.source = &captureSource{capture: s.capture}

	if cfg.Display.Enabled {
		s.display, err = gstio.NewDisplay(log, gstio.DisplayConfig{
			Width:      cfg.Display.Width,
			Height:     cfg.Display.Height,
			Format:     cfg.Display.Format,
			Sink:       cfg.Display.Sink,
			Fullscreen: cfg.Display.Fullscreen,
		})
		if err != nil {
			s.closeHardware()
			return nil, &StartupError{Step: "display", Err: err}
		}
		s.sink = newDisplaySink(s.display)
	} else {
		s.sink = &nullSink{}
	}

	return s, nil
}

// The parts of the server that don't touch hardware
func newServer(log logs.Log, cfg *config.Config) *Server {
	s := &Server{
		Log:              log,
		ShutdownComplete: make(chan error, 1),
		cfg:              cfg,
		snapshots:        newSnapshotter(),
		hub:              newDetectionHub(),
		stopWatch:        make(chan struct{}),
	}
	s.wsUpgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	s.setupHttpRoutes()
	return s
}

func (s *Server) createStage(meta *nnaccel.ModelMetadata, classes []string) error {
	modelOrder, _ := accel.ParseChannelOrder(s.cfg.Model.PixelOrder)
	params := yolo.YOLOv5COCOParams()
	params.ObjectClassNum = len(classes)
	params.MaxObjectNumber = s.cfg.Detection.MaxObjects
	overlay := framestage.NewOverlay()
	overlay.ShowLabels = s.cfg.Detection.ShowLabels
	quality := framestage.ResizeQualityLow
	if s.cfg.ResizeQuality == "high" {
		quality = framestage.ResizeQualityHigh
	}
	stage, err := framestage.NewStage(s.Log, framestage.Config{
		Meta:    meta,
		Accel:   s.npu,
		Decoder: yolo.NewDecoder(params),
		Classes: classes,
		Detection: nn.DetectionParams{
			ConfThreshold: s.cfg.Detection.ConfThreshold,
			NMSThreshold:  s.cfg.Detection.NMSThreshold,
		},
		ModelOrder:    modelOrder,
		Allocator:     nnaccel.NewBufferPool(2),
		Resizer:       &framestage.CImgResizer{Quality: quality},
		Renderer:      overlay,
		Observer:      s,
		StatsInterval: s.cfg.StatsInterval,
	})
	if err != nil {
		return err
	}
	s.stage = stage
	return nil
}

func logModel(log logs.Log, path string, meta *nnaccel.ModelMetadata) {
	log.Infof("Loaded %v (RKNN API %v, driver %v)", path, meta.APIVersion, meta.DriverVersion)
	log.Infof("Model input %v x %v x %v (%v)", meta.InputWidth, meta.InputHeight, meta.InputChannels, meta.InputLayout)
	for _, a := range meta.Inputs {
		log.Infof("  input %v '%v' dims %v %v %v zp %v scale %v", a.Index, a.Name, a.Dims, a.Layout, a.Type, a.ZeroPoint, a.Scale)
	}
	for _, a := range meta.Outputs {
		log.Infof("  output %v '%v' dims %v %v %v zp %v scale %v", a.Index, a.Name, a.Dims, a.Layout, a.Type, a.ZeroPoint, a.Scale)
	}
}

// Start the pipelines and the HTTP server. Frames are processed on the capture's streaming thread.
func (s *Server) Start() error {
	s.capture.OnSample(s.processFrame)
	if s.display != nil {
		if err := s.display.Start(); err != nil {
			return &StartupError{Step: "display", Err: err}
		}
	}
	if err := s.capture.Start(); err != nil {
		return &StartupError{Step: "capture", Err: err}
	}
	go s.watchPipelines()
	go s.runWatchdog()
	if s.cfg.HTTP.Listen != "" {
		s.startHTTP(s.cfg.HTTP.Listen)
	}
	return nil
}

func (s *Server) processFrame() {
	_, err := s.stage.ProcessNext(s.source, s.sink)
	if err == nil {
		s.frames.Add(1)
	}
	// Drops are already counted and logged by the stage
}

// Shut down when either pipeline fails
func (s *Server) watchPipelines() {
	var displayErrors <-chan error
	if s.display != nil {
		displayErrors = s.display.Errors()
	}
	select {
	case err := <-s.capture.Errors():
		s.shutdownWithError(err)
	case err := <-displayErrors:
		s.shutdownWithError(err)
	case <-s.stopWatch:
	}
}

// The http.Server is created before the listening goroutine starts, so that Shutdown always sees it.
// addr example: ":8080"
func (s *Server) startHTTP(addr string) {
	s.Log.Infof("Listening on %v", addr)
	srv := &http.Server{
		Addr:    addr,
		Handler: s.httpRouter,
	}
	s.httpServer = srv
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Log.Errorf("HTTP server failed: %v", err)
		}
	}()
}

func (s *Server) ListenForKillSignals() {
	s.signalIn = make(chan os.Signal, 1)
	signal.Notify(s.signalIn, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig, ok := <-s.signalIn
		if ok {
			s.Log.Infof("Received OS signal '%v'. Shutting down", sig.String())
			s.Shutdown()
		}
	}()
}

func (s *Server) Shutdown() {
	s.shutdownWithError(nil)
}

func (s *Server) shutdownWithError(cause error) {
	s.shutdown.Do(func() {
		if cause != nil {
			s.Log.Errorf("Shutting down due to pipeline failure: %v", cause)
		} else {
			s.Log.Infof("Shutdown")
		}
		if s.signalIn != nil {
			signal.Stop(s.signalIn)
			close(s.signalIn)
		}
		close(s.stopWatch)
		if s.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := s.httpServer.Shutdown(ctx); err != nil {
				s.Log.Warnf("HTTP shutdown: %v", err)
			}
			cancel()
		}
		s.hub.closeAll()
		s.closeHardware()
		s.Log.Infof("Shutdown complete")
		s.ShutdownComplete <- cause
	})
}

// Stop the pipelines before the NPU, so that no frame is in flight when the context is destroyed
func (s *Server) closeHardware() {
	if s.capture != nil {
		s.capture.Close()
		s.capture = nil
	}
	if s.display != nil {
		s.display.Close()
		s.display = nil
	}
	if s.npu != nil {
		s.npu.Close()
		s.npu = nil
	}
}
