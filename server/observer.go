package server

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/rkdetect/pkg/accel"
	"github.com/cyclopcam/rkdetect/server/framestage"
)

// How long after a snapshot request we keep copying frames
const snapshotInterest = 5 * time.Second

// OnFrame runs on the frame thread, for every annotated frame
func (s *Server) OnFrame(result *framestage.FrameResult, img *cimg.Image, order accel.ChannelOrder) {
	s.snapshots.offer(img, order)
	s.hub.broadcast(result)
}

// snapshotter keeps a copy of the most recent annotated frame, but only while somebody is asking for it
type snapshotter struct {
	wantUntil atomic.Int64 // unix nanoseconds

	lock   sync.Mutex
	latest *cimg.Image // Always RGB
	at     time.Time
}

func newSnapshotter() *snapshotter {
	return &snapshotter{}
}

func (s *snapshotter) want() {
	s.wantUntil.Store(time.Now().Add(snapshotInterest).UnixNano())
}

func (s *snapshotter) offer(img *cimg.Image, order accel.ChannelOrder) {
	if time.Now().UnixNano() > s.wantUntil.Load() {
		return
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.latest == nil || s.latest.Width != img.Width || s.latest.Height != img.Height {
		s.latest = cimg.NewImage(img.Width, img.Height, cimg.PixelFormatRGB)
	}
	if order == accel.OrderBGR {
		accel.SwapRB(img.Width, img.Height, img.Pixels, img.Stride, s.latest.Pixels, s.latest.Stride)
	} else {
		accel.Copy3(img.Width, img.Height, img.Pixels, img.Stride, s.latest.Pixels, s.latest.Stride)
	}
	s.at = time.Now()
}

// JPEG of the latest frame, or nil if we don't have one
func (s *snapshotter) jpeg(quality int) ([]byte, time.Time, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.latest == nil {
		return nil, time.Time{}, nil
	}
	jpg, err := cimg.Compress(s.latest, cimg.MakeCompressParams(cimg.Sampling420, quality, 0))
	return jpg, s.at, err
}

// detectionHub fans out per-frame detections to websocket clients.
// A client that can't keep up loses messages. The frame thread never waits.
type detectionHub struct {
	lock    sync.Mutex
	clients map[*hubClient]struct{}
}

type hubClient struct {
	send    chan []byte
	dropped atomic.Int64
}

func newDetectionHub() *detectionHub {
	return &detectionHub{
		clients: map[*hubClient]struct{}{},
	}
}

func (h *detectionHub) add() *hubClient {
	c := &hubClient{send: make(chan []byte, 8)}
	h.lock.Lock()
	h.clients[c] = struct{}{}
	h.lock.Unlock()
	return c
}

func (h *detectionHub) remove(c *hubClient) {
	h.lock.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.lock.Unlock()
}

func (h *detectionHub) numClients() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return len(h.clients)
}

func (h *detectionHub) broadcast(result *framestage.FrameResult) {
	h.lock.Lock()
	defer h.lock.Unlock()
	if len(h.clients) == 0 {
		return
	}
	msg, err := json.Marshal(result)
	if err != nil {
		return
	}
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			c.dropped.Add(1)
		}
	}
}

func (h *detectionHub) closeAll() {
	h.lock.Lock()
	for c := range h.clients {
		close(c.send)
	}
	h.clients = map[*hubClient]struct{}{}
	h.lock.Unlock()
}
