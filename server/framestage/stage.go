// Package framestage runs one camera frame through colour conversion, inference,
// decoding, annotation, and display.
package framestage

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/rkdetect/pkg/accel"
	"github.com/cyclopcam/rkdetect/pkg/nn"
	"github.com/cyclopcam/rkdetect/pkg/nnaccel"
	"github.com/cyclopcam/rkdetect/pkg/perfstats"
)

// Decoder turns raw output tensors into detections in network input space.
// It must not retain the outputs.
type Decoder interface {
	Decode(outputs []nnaccel.OutputTensor, params *nn.DecodeParams) ([]nn.Detection, error)
}

// Observer sees every annotated frame after it has been emitted, with its timing and push outcome filled in.
// It runs on the frame thread, so it must be quick, and it must not retain img.
type Observer interface {
	OnFrame(result *FrameResult, img *cimg.Image, order accel.ChannelOrder)
}

// Config is fixed for the lifetime of a Stage
type Config struct {
	Meta          *nnaccel.ModelMetadata
	Accel         nnaccel.Context
	Decoder       Decoder
	Classes       []string
	Detection     nn.DetectionParams
	ModelOrder    accel.ChannelOrder // Channel order that the model expects
	Allocator     nnaccel.Allocator  // Defaults to a BufferPool
	Resizer       Resizer            // Defaults to CImgResizer
	Renderer      Renderer           // Defaults to NewOverlay()
	Observer      Observer           // Optional
	StatsInterval time.Duration      // How often to log a summary. Zero disables the summary.
	Trace         func(State)        // Optional. Called on every state transition.
}

// FrameResult describes a frame that made it all the way to the display
type FrameResult struct {
	Seq         int64          `json:"seq"`
	Time        time.Time      `json:"time"`
	FrameWidth  int            `json:"frameWidth"`
	FrameHeight int            `json:"frameHeight"`
	Detections  []nn.Detection `json:"detections"` // In frame coordinates
	Timing      FrameTiming    `json:"timing"`
	PushFailed  bool           `json:"pushFailed"`
}

// Stage owns everything that happens to a frame between capture and display.
// ProcessNext is expected to be called from a single thread (the capture callback).
// Overlapping calls are refused with ErrBusy, so there is never more than one inference in flight.
type Stage struct {
	log logs.Log
	cfg Config

	busy  atomic.Bool
	state atomic.Int32
	seq   int64

	// Owned by the frame thread
	lastErrAt   time.Time
	lastStatsAt time.Time
	interval    intervalTimes

	moving movingTimes

	statsLock sync.Mutex
	stats     Stats
	frameRate *perfstats.FrameRate
}

// All the resources that one frame holds. Everything in here is released by frame.release(),
// which is deferred at the top of ProcessNext, so that every exit path gives back the same set.
// The individual release functions may also be called earlier, when a resource is no longer needed.
type frame struct {
	accel      nnaccel.Context
	alloc      nnaccel.Allocator
	capture    *CaptureFrame
	rgbBuf     []byte
	rgb        *cimg.Image
	tensor     nnaccel.Tensor
	ownsTensor bool
	outputs    []nnaccel.OutputTensor
	hasOutputs bool
	sinkBuf    []byte
}

func (f *frame) releaseCapture() {
	if f.capture != nil {
		f.capture.Release()
		f.capture = nil
	}
}

func (f *frame) releaseTensor() {
	if f.ownsTensor {
		f.alloc.Free(f.tensor.Data)
		f.ownsTensor = false
	}
	f.tensor.Data = nil
}

func (f *frame) releaseOutputs() error {
	if !f.hasOutputs {
		return nil
	}
	f.hasOutputs = false
	outputs := f.outputs
	f.outputs = nil
	return f.accel.ReleaseOutputs(outputs)
}

func (f *frame) releaseSinkBuf() {
	if f.sinkBuf != nil {
		f.alloc.Free(f.sinkBuf)
		f.sinkBuf = nil
	}
}

func (f *frame) releaseRGB() {
	if f.rgbBuf != nil {
		f.alloc.Free(f.rgbBuf)
		f.rgbBuf = nil
		f.rgb = nil
	}
}

// Release in the reverse order of acquisition
func (f *frame) release() error {
	f.releaseSinkBuf()
	err := f.releaseOutputs()
	f.releaseTensor()
	f.releaseRGB()
	f.releaseCapture()
	return err
}

func NewStage(log logs.Log, cfg Config) (*Stage, error) {
	if cfg.Meta == nil {
		return nil, fmt.Errorf("Model metadata is required")
	}
	if cfg.Accel == nil {
		return nil, fmt.Errorf("Accelerator context is required")
	}
	if cfg.Decoder == nil {
		return nil, fmt.Errorf("Decoder is required")
	}
	if cfg.Meta.InputChannels != 3 {
		return nil, fmt.Errorf("Model input must have 3 channels, but it has %v", cfg.Meta.InputChannels)
	}
	if cfg.Allocator == nil {
		cfg.Allocator = nnaccel.NewBufferPool(2)
	}
	if cfg.Resizer == nil {
		cfg.Resizer = &CImgResizer{}
	}
	if cfg.Renderer == nil {
		cfg.Renderer = NewOverlay()
	}
	if cfg.Detection.ConfThreshold == 0 {
		cfg.Detection.ConfThreshold = nn.DefaultConfThreshold
	}
	if cfg.Detection.NMSThreshold == 0 {
		cfg.Detection.NMSThreshold = nn.DefaultNMSThreshold
	}
	// Our copy of the metadata is immutable
	meta := *cfg.Meta
	cfg.Meta = &meta

	s := &Stage{
		log:         log,
		cfg:         cfg,
		lastStatsAt: time.Now(),
		frameRate:   perfstats.NewFrameRate(60),
	}
	s.stats.DropsByReason = map[string]int64{}
	s.stats.InputWidth = meta.InputWidth
	s.stats.InputHeight = meta.InputHeight
	return s, nil
}

// Current state
func (s *Stage) State() State {
	return State(s.state.Load())
}

func (s *Stage) Metadata() *nnaccel.ModelMetadata {
	return s.cfg.Meta
}

func (s *Stage) Classes() []string {
	return s.cfg.Classes
}

func (s *Stage) setState(st State) {
	s.state.Store(int32(st))
	if s.cfg.Trace != nil {
		s.cfg.Trace(st)
	}
}

// Abandon the frame. The deferred frame.release() in ProcessNext frees whatever it held.
func (s *Stage) drop(reason error, cause error) error {
	from := s.State()
	s.setState(StateDropped)
	s.statsLock.Lock()
	s.stats.FramesDropped++
	s.stats.DropsByReason[reasonName(reason)]++
	s.statsLock.Unlock()
	s.interval.drops++
	if reason != ErrNoSample {
		s.logFrameError("Frame dropped in %v: %v", from, cause)
	}
	if cause == reason {
		cause = nil
	}
	return &DropError{State: from, Reason: reason, Err: cause}
}

// Log per-frame errors at most once every 15 seconds, so that a persistent fault doesn't flood the log
func (s *Stage) logFrameError(format string, args ...any) {
	now := time.Now()
	if now.Sub(s.lastErrAt) > 15*time.Second {
		s.log.Errorf(format, args...)
		s.lastErrAt = now
	}
}

// ProcessNext pulls one frame from src, runs it through the model, and pushes the annotated frame to sink.
// If the frame is dropped, the returned error is a *DropError. Either way, the stage is back in
// StateIdle when ProcessNext returns, and every resource the frame acquired has been released.
func (s *Stage) ProcessNext(src CaptureSource, sink DisplaySink) (*FrameResult, error) {
	if !s.busy.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer s.busy.Store(false)

	f := &frame{
		accel: s.cfg.Accel,
		alloc: s.cfg.Allocator,
	}
	defer func() {
		if err := f.release(); err != nil {
			s.logFrameError("Failed to release inference outputs: %v", err)
		}
		s.setState(StateIdle)
	}()

	start := time.Now()
	timing := FrameTiming{}
	meta := s.cfg.Meta

	// ACQUIRED
	capture, err := src.Pull()
	if capture == nil || err != nil {
		if capture != nil {
			capture.Release()
		}
		if err == nil || errors.Is(err, ErrNoSample) {
			return nil, s.drop(ErrNoSample, err)
		}
		return nil, s.drop(ErrBufferMap, err)
	}
	f.capture = capture
	s.setState(StateAcquired)
	frameWidth := capture.Width
	frameHeight := capture.Height

	// CONVERTED
	t0 := time.Now()
	err = s.convert(f)
	// The transport's buffer goes back as soon as we have our own copy, whether or not conversion worked
	f.releaseCapture()
	if err != nil {
		if errors.Is(err, ErrBufferMap) {
			return nil, s.drop(ErrBufferMap, err)
		} else if errors.Is(err, ErrResizeAlloc) {
			return nil, s.drop(ErrResizeAlloc, err)
		}
		return nil, s.drop(ErrConversion, err)
	}
	s.setState(StateConverted)
	timing.Convert = time.Since(t0)

	// TENSOR_READY
	t0 = time.Now()
	f.tensor, f.ownsTensor, err = PrepareTensor(f.rgb, meta, f.alloc, s.cfg.Resizer)
	if err != nil {
		if errors.Is(err, ErrResizeAlloc) {
			return nil, s.drop(ErrResizeAlloc, err)
		}
		return nil, s.drop(ErrConversion, err)
	}
	s.setState(StateTensorReady)
	timing.Prepare = time.Since(t0)

	// INFERRED
	t0 = time.Now()
	err = s.infer(f)
	// The accelerator has consumed the input by now
	f.releaseTensor()
	if err != nil {
		return nil, s.drop(ErrInference, err)
	}
	s.setState(StateInferred)
	timing.Inference = time.Since(t0)

	// DECODED
	t0 = time.Now()
	params := nn.DecodeParams{
		InputWidth:    meta.InputWidth,
		InputHeight:   meta.InputHeight,
		FrameWidth:    frameWidth,
		FrameHeight:   frameHeight,
		ConfThreshold: s.cfg.Detection.ConfThreshold,
		NMSThreshold:  s.cfg.Detection.NMSThreshold,
		ZeroPoints:    meta.ZeroPoints,
		Scales:        meta.Scales,
		ScaleW:        float32(meta.InputWidth) / float32(frameWidth),
		ScaleH:        float32(meta.InputHeight) / float32(frameHeight),
	}
	dets, err := s.cfg.Decoder.Decode(f.outputs, &params)
	if relErr := f.releaseOutputs(); relErr != nil {
		s.logFrameError("Failed to release inference outputs: %v", relErr)
	}
	if err != nil {
		// A frame with undecodable output still gets displayed, just without boxes
		s.logFrameError("Failed to decode inference outputs: %v", err)
		s.statsLock.Lock()
		s.stats.DecodeFailures++
		s.statsLock.Unlock()
		dets = nil
	}
	for i := range dets {
		dets[i].Box = MapBoxExact(dets[i].Box, meta.InputWidth, meta.InputHeight, frameWidth, frameHeight)
		dets[i].Label = nn.ClassName(s.cfg.Classes, dets[i].Class)
	}
	s.setState(StateDecoded)
	timing.Decode = time.Since(t0)

	// RENDERED
	t0 = time.Now()
	s.cfg.Renderer.Draw(f.rgb, s.cfg.ModelOrder, dets)
	s.setState(StateRendered)
	timing.Render = time.Since(t0)

	s.seq++
	result := &FrameResult{
		Seq:         s.seq,
		Time:        start,
		FrameWidth:  frameWidth,
		FrameHeight: frameHeight,
		Detections:  dets,
	}
	// EMITTED
	t0 = time.Now()
	format := resolveSinkFormat(sink.Format(), frameWidth, frameHeight)
	f.sinkBuf, err = f.alloc.Alloc(format.Width * format.Height * 3)
	if err != nil {
		return nil, s.drop(ErrResizeAlloc, err)
	}
	if err := FillSinkBuffer(f.rgb, s.cfg.ModelOrder, f.sinkBuf, format, s.cfg.Resizer); err != nil {
		return nil, s.drop(ErrConversion, err)
	}
	if err := sink.Push(f.sinkBuf); err != nil {
		// Not retried. The next frame will be along shortly.
		s.logFrameError("Failed to push frame to display: %v", err)
		result.PushFailed = true
	}
	f.releaseSinkBuf()
	s.setState(StateEmitted)
	timing.Emit = time.Since(t0)
	timing.Total = time.Since(start)
	result.Timing = timing

	s.recordFrame(result)
	if s.cfg.Observer != nil {
		// The annotated frame is still ours until the deferred release
		s.cfg.Observer.OnFrame(result, f.rgb, s.cfg.ModelOrder)
	}
	return result, nil
}

// Convert the captured frame into a stage-owned buffer in the model's channel order
func (s *Stage) convert(f *frame) error {
	c := f.capture
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("%w: invalid frame size %v x %v", ErrBufferMap, c.Width, c.Height)
	}
	buf, err := f.alloc.Alloc(c.Width * c.Height * 3)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrResizeAlloc, err)
	}
	f.rgbBuf = buf
	f.rgb = cimg.WrapImage(c.Width, c.Height, cimg.PixelFormatRGB, buf)
	return ConvertFrame(c, f.rgb, s.cfg.ModelOrder)
}

// Run the model, and fetch its outputs into the frame record
func (s *Stage) infer(f *frame) error {
	if err := f.accel.SetInput(&f.tensor); err != nil {
		return err
	}
	if err := f.accel.Run(); err != nil {
		return err
	}
	outputs, err := f.accel.GetOutputs()
	if err != nil {
		return err
	}
	f.outputs = outputs
	f.hasOutputs = true
	if len(outputs) != s.cfg.Meta.OutputCount {
		return fmt.Errorf("Expected %v outputs, but got %v", s.cfg.Meta.OutputCount, len(outputs))
	}
	return nil
}

func (s *Stage) recordFrame(r *FrameResult) {
	s.moving.update(&r.Timing)
	s.interval.inference.AddSample(r.Timing.Inference)
	s.interval.total.AddSample(r.Timing.Total)
	s.interval.detections.AddSample(int64(len(r.Detections)))

	s.statsLock.Lock()
	s.stats.FramesEmitted++
	s.stats.Detections += int64(len(r.Detections))
	if r.PushFailed {
		s.stats.PushFailures++
	}
	s.stats.LastFrameAt = r.Time
	s.stats.LastFrameWidth = r.FrameWidth
	s.stats.LastFrameHeight = r.FrameHeight
	s.frameRate.Tick(r.Time)
	s.statsLock.Unlock()

	if s.cfg.StatsInterval > 0 && time.Since(s.lastStatsAt) >= s.cfg.StatsInterval {
		s.log.Infof("Frames: %.1f FPS, inference %.1f ms, frame %.1f ms, %.2f detections/frame, %v dropped",
			s.FPS(), nsToMS(s.interval.inference.Average().Nanoseconds()), nsToMS(s.interval.total.Average().Nanoseconds()),
			s.interval.detections.Average(), s.interval.drops)
		s.interval.reset()
		s.lastStatsAt = time.Now()
	}
}

// Estimated output frame rate
func (s *Stage) FPS() float64 {
	s.statsLock.Lock()
	defer s.statsLock.Unlock()
	return s.frameRate.FPS()
}

// Return a snapshot of the stage's counters. Safe to call from any goroutine.
func (s *Stage) Stats() Stats {
	s.statsLock.Lock()
	st := s.stats
	st.DropsByReason = make(map[string]int64, len(s.stats.DropsByReason))
	for k, v := range s.stats.DropsByReason {
		st.DropsByReason[k] = v
	}
	st.FPS = s.frameRate.FPS()
	s.statsLock.Unlock()

	st.State = s.State().String()
	st.AvgConvertMS = nsToMS(s.moving.convert.Load())
	st.AvgPrepareMS = nsToMS(s.moving.prepare.Load())
	st.AvgInferenceMS = nsToMS(s.moving.inference.Load())
	st.AvgDecodeMS = nsToMS(s.moving.decode.Load())
	st.AvgRenderMS = nsToMS(s.moving.render.Load())
	st.AvgEmitMS = nsToMS(s.moving.emit.Load())
	st.AvgFrameMS = nsToMS(s.moving.total.Load())
	return st
}
