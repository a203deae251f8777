package server

import (
	"net/http"
	"time"

	"github.com/cyclopcam/rkdetect/pkg/nnaccel"
	"github.com/cyclopcam/rkdetect/server/framestage"
	"github.com/cyclopcam/www"
	"github.com/go-chi/httprate"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

func (s *Server) setupHttpRoutes() {
	router := httprouter.New()

	handle := func(method, route string, handle httprouter.Handle) {
		www.Handle(s.Log, router, method, route, handle)
	}

	ratelimited := func(method, route string, handle httprouter.Handle, requestLimit int, windowLength time.Duration) {
		limited := httprate.Limit(requestLimit, windowLength, httprate.WithKeyFuncs(httprate.KeyByIP))
		www.Handle(s.Log, router, method, route, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
			limited(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				handle(w, r, params)
			})).ServeHTTP(w, r)
		})
	}

	handle("GET", "/api/ping", s.httpPing)
	handle("GET", "/api/stats", s.httpStats)
	ratelimited("GET", "/api/snapshot", s.httpSnapshot, 10, time.Second)
	handle("GET", "/api/ws/detections", s.httpDetections)

	s.httpRouter = router
}

func (s *Server) httpPing(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.SendText(w, "pong")
}

type statsResponse struct {
	Stats   framestage.Stats       `json:"stats"`
	Model   *nnaccel.ModelMetadata `json:"model"`
	Classes []string               `json:"classes"`
	Clients int                    `json:"clients"`
}

func (s *Server) httpStats(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if s.stage == nil {
		www.PanicServerErrorf("Frame stage is not running")
	}
	www.CacheNever(w)
	www.SendJSON(w, &statsResponse{
		Stats:   s.stage.Stats(),
		Model:   s.stage.Metadata(),
		Classes: s.stage.Classes(),
		Clients: s.hub.numClients(),
	})
}

// Fetch a JPEG of the most recent annotated frame.
// Frames are only copied while snapshots are being requested, so the first call after a quiet
// period may need to wait for the next frame.
// Example: curl -o frame.jpg localhost:8080/api/snapshot
func (s *Server) httpSnapshot(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	requested := time.Now()
	s.snapshots.want()
	quality := www.QueryInt(r, "quality")
	if quality <= 0 || quality > 100 {
		quality = 85
	}
	var jpg []byte
	var at time.Time
	var err error
	for {
		jpg, at, err = s.snapshots.jpeg(quality)
		www.Check(err)
		if jpg != nil && time.Since(at) < snapshotInterest {
			break
		}
		if time.Since(requested) > time.Second {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if jpg == nil {
		www.PanicBadRequestf("No frame available yet")
	}
	www.CacheNever(w)
	w.Header().Set("Content-Type", "image/jpeg")
	w.Write(jpg)
}

// Stream detections of every frame as JSON text messages
func (s *Server) httpDetections(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	c, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Log.Errorf("httpDetections websocket upgrade failed: %v", err)
		return
	}
	defer c.Close()

	client := s.hub.add()
	defer s.hub.remove(client)

	// Reader, so that we notice when the client goes away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case msg, ok := <-client.send:
			if !ok {
				c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}
