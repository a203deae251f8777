package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/rkdetect/pkg/gstio"
	"github.com/cyclopcam/rkdetect/pkg/nn"
	"github.com/cyclopcam/rkdetect/pkg/nnaccel"
	"github.com/cyclopcam/rkdetect/server/config"
	"github.com/cyclopcam/rkdetect/server/framestage"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

const (
	testModelSize = 64
	testQScale    = float32(1) / 64
)

// NPU that always finds one object at (23,13)-(33,26) in network space
type fakeNPU struct {
	pending bool
}

func (n *fakeNPU) SetInput(t *nnaccel.Tensor) error { return nil }
func (n *fakeNPU) Run() error                       { return nil }
func (n *fakeNPU) Close()                           {}

func (n *fakeNPU) GetOutputs() ([]nnaccel.OutputTensor, error) {
	if n.pending {
		return nil, errors.New("outputs not released")
	}
	n.pending = true
	out := make([]nnaccel.OutputTensor, 3)
	for i, stride := range []int{8, 16, 32} {
		grid := testModelSize / stride
		out[i] = nnaccel.OutputTensor{Index: i, Data: make([]byte, 3*(5+nn.COCONumClasses)*grid*grid)}
	}
	// Anchor 0, row 2, column 3 of the stride 8 head
	head := out[0].Data
	gridLen := 8 * 8
	offset := 2*8 + 3
	for k, q := range []byte{32, 32, 32, 32, 64, 64} {
		head[offset+k*gridLen] = q
	}
	return out, nil
}

func (n *fakeNPU) ReleaseOutputs(outputs []nnaccel.OutputTensor) error {
	n.pending = false
	return nil
}

type fakeCapture struct {
	frames    []*gstio.Frame
	nReleased int
	closed    bool
}

func (c *fakeCapture) add(width, height int, format string) {
	data := make([]byte, width*height*2)
	for i := 0; i < len(data); i += 2 {
		data[i] = 126
		data[i+1] = 128
	}
	c.frames = append(c.frames, gstio.NewFrame(width, height, 0, format, data, func() { c.nReleased++ }))
}

func (c *fakeCapture) Pull() (*gstio.Frame, error) {
	if c.closed {
		return nil, gstio.ErrClosed
	}
	if len(c.frames) == 0 {
		return nil, gstio.ErrNoSample
	}
	f := c.frames[0]
	c.frames = c.frames[1:]
	return f, nil
}

type recordingPusher struct {
	pushes int
	last   int
}

func (p *recordingPusher) Push(buf []byte) error {
	p.pushes++
	p.last = len(buf)
	return nil
}

func testMeta() *nnaccel.ModelMetadata {
	return &nnaccel.ModelMetadata{
		InputWidth:    testModelSize,
		InputHeight:   testModelSize,
		InputChannels: 3,
		InputLayout:   nnaccel.LayoutNHWC,
		OutputCount:   3,
		ZeroPoints:    []int32{0, 0, 0},
		Scales:        []float32{testQScale, testQScale, testQScale},
	}
}

type testServer struct {
	srv     *Server
	capture *fakeCapture
	http    *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	cfg := config.DefaultConfig()
	cfg.Model.Path = "test.rknn"
	cfg.StatsInterval = 0
	s := newServer(logs.NewTestingLog(t), &cfg)
	s.npu = &fakeNPU{}
	require.NoError(t, s.createStage(testMeta(), nn.COCOClasses))
	capture := &fakeCapture{}
	s.source = &captureSource{capture: capture}
	s.sink = &nullSink{}
	ts := &testServer{
		srv:     s,
		capture: capture,
		http:    httptest.NewServer(s.httpRouter),
	}
	t.Cleanup(ts.http.Close)
	return ts
}

func (ts *testServer) get(t *testing.T, path string) *http.Response {
	resp, err := http.Get(ts.http.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestStatsAPI(t *testing.T) {
	ts := newTestServer(t)
	ts.capture.add(128, 96, "YUY2")
	ts.srv.processFrame()
	// No sample is a drop, but it doesn't count as an emitted frame
	ts.srv.processFrame()
	require.Equal(t, int64(1), ts.srv.frames.Load())
	require.Equal(t, 1, ts.capture.nReleased)

	resp := ts.get(t, "/api/stats")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st statsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	require.Equal(t, int64(1), st.Stats.FramesEmitted)
	require.Equal(t, int64(1), st.Stats.FramesDropped)
	require.Equal(t, int64(1), st.Stats.Detections)
	require.Equal(t, int64(1), st.Stats.DropsByReason["noSample"])
	require.Equal(t, testModelSize, st.Model.InputWidth)
	require.Len(t, st.Classes, nn.COCONumClasses)
}

func TestSnapshotAPI(t *testing.T) {
	ts := newTestServer(t)

	// Nobody asked for a snapshot, so the frame is not copied
	ts.capture.add(128, 96, "YUY2")
	ts.srv.processFrame()
	jpg, _, err := ts.srv.snapshots.jpeg(85)
	require.NoError(t, err)
	require.Nil(t, jpg)

	ts.srv.snapshots.want()
	ts.capture.add(128, 96, "YUY2")
	ts.srv.processFrame()

	resp := ts.get(t, "/api/snapshot")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.True(t, len(body) > 2 && body[0] == 0xff && body[1] == 0xd8)
}

func TestDetectionsWebSocket(t *testing.T) {
	ts := newTestServer(t)
	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/api/ws/detections"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return ts.srv.hub.numClients() == 1 }, time.Second, 5*time.Millisecond)

	ts.capture.add(128, 96, "YUY2")
	ts.srv.processFrame()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, msgType)
	var result framestage.FrameResult
	require.NoError(t, json.Unmarshal(msg, &result))
	require.Equal(t, int64(1), result.Seq)
	require.Equal(t, 128, result.FrameWidth)
	require.Len(t, result.Detections, 1)
	require.Equal(t, "person", result.Detections[0].Label)
	// Network box (23,13)-(33,26) scaled by 2x and 1.5x
	require.Equal(t, nn.Box{Left: 46, Top: 20, Right: 66, Bottom: 39}, result.Detections[0].Box)

	conn.Close()
	require.Eventually(t, func() bool { return ts.srv.hub.numClients() == 0 }, time.Second, 5*time.Millisecond)
}

func TestHubDropsForSlowClients(t *testing.T) {
	hub := newDetectionHub()
	c := hub.add()
	for i := 0; i < cap(c.send)+5; i++ {
		hub.broadcast(&framestage.FrameResult{Seq: int64(i)})
	}
	require.Len(t, c.send, cap(c.send))
	require.Equal(t, int64(5), c.dropped.Load())
	hub.remove(c)
	hub.remove(c)
	require.Equal(t, 0, hub.numClients())
}

func TestCaptureSource(t *testing.T) {
	capture := &fakeCapture{}
	src := &captureSource{capture: capture}
	_, err := src.Pull()
	require.ErrorIs(t, err, framestage.ErrNoSample)

	capture.add(4, 2, "NV12")
	_, err = src.Pull()
	require.Error(t, err)
	require.Equal(t, 1, capture.nReleased)

	capture.add(4, 2, "YUY2")
	f, err := src.Pull()
	require.NoError(t, err)
	require.Equal(t, framestage.PixelFormatYUY2, f.Format)
	require.Equal(t, 8, f.Stride)
	f.Release()
	require.Equal(t, 2, capture.nReleased)

	// A sample that races with shutdown is just a missing sample
	capture.closed = true
	_, err = src.Pull()
	require.ErrorIs(t, err, framestage.ErrNoSample)
}

func TestDisplaySink(t *testing.T) {
	p := &recordingPusher{}
	sink := &displaySink{display: p, format: framestage.SinkFormat{Width: 4, Height: 2}}
	require.NoError(t, sink.Push(make([]byte, 24)))
	require.Equal(t, 1, p.pushes)
	require.Equal(t, 24, p.last)
}

func TestStartupErrors(t *testing.T) {
	log := logs.NewTestingLog(t)
	cfg := config.DefaultConfig()
	_, err := NewServer(log, &cfg)
	var startErr *StartupError
	require.True(t, errors.As(err, &startErr))
	require.Equal(t, "config", startErr.Step)

	cfg.Model.Path = "/nonexistent/model.rknn"
	cfg.Model.Classes = "/nonexistent/classes.txt"
	_, err = NewServer(log, &cfg)
	require.True(t, errors.As(err, &startErr))
	require.Equal(t, "classes", startErr.Step)

	cfg.Model.Classes = ""
	_, err = NewServer(log, &cfg)
	require.True(t, errors.As(err, &startErr))
	require.Equal(t, "model", startErr.Step)
}

func TestHTTPShutdown(t *testing.T) {
	ts := newTestServer(t)
	ts.srv.startHTTP("127.0.0.1:0")
	// Visible to Shutdown as soon as startHTTP returns
	require.NotNil(t, ts.srv.httpServer)
	ts.srv.Shutdown()
	select {
	case err := <-ts.srv.ShutdownComplete:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		require.Fail(t, "Shutdown did not complete")
	}
	require.ErrorIs(t, ts.srv.httpServer.ListenAndServe(), http.ErrServerClosed)
}
