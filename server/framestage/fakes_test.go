package framestage

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/rkdetect/pkg/accel"
	"github.com/cyclopcam/rkdetect/pkg/nn"
	"github.com/cyclopcam/rkdetect/pkg/nnaccel"
)

var errInjected = errors.New("injected failure")

func bufAddr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

// Allocator that remembers every outstanding buffer, and can be told to fail
type countingAllocator struct {
	nAlloc      int
	nFree       int
	outstanding map[uintptr]int
	allocs      [][]byte // Every buffer handed out, in order
	failAt      int      // Fail the N-th allocation (1-based). Zero means never.
}

func newCountingAllocator() *countingAllocator {
	return &countingAllocator{outstanding: map[uintptr]int{}}
}

func (a *countingAllocator) Alloc(size int) ([]byte, error) {
	if a.failAt != 0 && len(a.allocs)+1 == a.failAt {
		a.failAt = 0
		return nil, errInjected
	}
	buf := nnaccel.PageAlignedAlloc(size)
	a.nAlloc++
	a.allocs = append(a.allocs, buf)
	a.outstanding[bufAddr(buf)] = size
	return buf, nil
}

func (a *countingAllocator) Free(buf []byte) {
	addr := bufAddr(buf)
	if _, ok := a.outstanding[addr]; !ok {
		panic(fmt.Sprintf("Free of unknown or already freed buffer %x", addr))
	}
	delete(a.outstanding, addr)
	a.nFree++
}

// Capture source that serves frames from a list
type fakeSource struct {
	frames    []*CaptureFrame
	err       error
	pulled    int
	nReleased int
}

func (s *fakeSource) Pull() (*CaptureFrame, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.pulled >= len(s.frames) {
		return nil, ErrNoSample
	}
	f := s.frames[s.pulled]
	s.pulled++
	return f, nil
}

// Add a frame that counts its release
func (s *fakeSource) add(width, height, stride int, format PixelFormat, pixels []byte) *CaptureFrame {
	f := NewCaptureFrame(width, height, stride, format, pixels, func() { s.nReleased++ })
	s.frames = append(s.frames, f)
	return f
}

// A solid mid-grey YUY2 frame
func greyYUY2(width, height int) []byte {
	buf := make([]byte, width*height*2)
	for i := 0; i < len(buf); i += 2 {
		buf[i] = 126
		buf[i+1] = 128
	}
	return buf
}

type fakeSink struct {
	format  SinkFormat
	pushes  [][]byte
	err     error
	onPush  func()
	nPushes int
}

func (s *fakeSink) Format() SinkFormat {
	return s.format
}

func (s *fakeSink) Push(buf []byte) error {
	s.nPushes++
	if s.onPush != nil {
		s.onPush()
	}
	if s.err != nil {
		return s.err
	}
	cp := make([]byte, len(buf))
	copy(cp, buf)
	s.pushes = append(s.pushes, cp)
	return nil
}

type fakeAccel struct {
	nOutputs       int
	inputAddr      uintptr
	inputLen       int
	nRun           int
	nGet           int
	nRelease       int
	setInputErr    error
	runErr         error
	getOutputsErr  error
	shortOutputs   bool
	outstandingOut bool
	onSetInput     func()
}

func (a *fakeAccel) SetInput(t *nnaccel.Tensor) error {
	if a.onSetInput != nil {
		a.onSetInput()
	}
	if a.setInputErr != nil {
		return a.setInputErr
	}
	if len(t.Data) != t.ExpectedSize() {
		return fmt.Errorf("bad input size")
	}
	a.inputAddr = bufAddr(t.Data)
	a.inputLen = len(t.Data)
	return nil
}

func (a *fakeAccel) Run() error {
	a.nRun++
	return a.runErr
}

func (a *fakeAccel) GetOutputs() ([]nnaccel.OutputTensor, error) {
	if a.getOutputsErr != nil {
		return nil, a.getOutputsErr
	}
	if a.outstandingOut {
		return nil, fmt.Errorf("outputs not released")
	}
	a.nGet++
	a.outstandingOut = true
	n := a.nOutputs
	if a.shortOutputs {
		n--
	}
	out := make([]nnaccel.OutputTensor, n)
	for i := range out {
		out[i] = nnaccel.OutputTensor{Index: i, Data: make([]byte, 16)}
	}
	return out, nil
}

func (a *fakeAccel) ReleaseOutputs(outputs []nnaccel.OutputTensor) error {
	if !a.outstandingOut {
		return fmt.Errorf("double release")
	}
	a.outstandingOut = false
	a.nRelease++
	return nil
}

func (a *fakeAccel) Close() {
}

// Decoder that returns a fixed set of detections in network input space
type fakeDecoder struct {
	dets       []nn.Detection
	err        error
	lastParams nn.DecodeParams
	onDecode   func()
}

func (d *fakeDecoder) Decode(outputs []nnaccel.OutputTensor, params *nn.DecodeParams) ([]nn.Detection, error) {
	if d.onDecode != nil {
		d.onDecode()
	}
	d.lastParams = *params
	if d.err != nil {
		return nil, d.err
	}
	return append([]nn.Detection(nil), d.dets...), nil
}

type recordingRenderer struct {
	calls  int
	boxes  []nn.Box
	onDraw func()
}

func (r *recordingRenderer) Draw(img *cimg.Image, order accel.ChannelOrder, dets []nn.Detection) {
	if r.onDraw != nil {
		r.onDraw()
	}
	r.calls++
	for _, d := range dets {
		r.boxes = append(r.boxes, d.Box)
	}
}

func testMeta(width, height int) *nnaccel.ModelMetadata {
	return &nnaccel.ModelMetadata{
		InputWidth:    width,
		InputHeight:   height,
		InputChannels: 3,
		InputLayout:   nnaccel.LayoutNHWC,
		OutputCount:   3,
		ZeroPoints:    []int32{-128, -128, -128},
		Scales:        []float32{0.0039, 0.0039, 0.0039},
	}
}

type recordingObserver struct {
	results []FrameResult
	states  []State
	stage   *Stage
}

func (o *recordingObserver) OnFrame(result *FrameResult, img *cimg.Image, order accel.ChannelOrder) {
	o.results = append(o.results, *result)
	o.states = append(o.states, o.stage.State())
}
