package server

import (
	"time"

	"github.com/coreos/go-systemd/daemon"
)

// Ping the systemd watchdog, but only while frames are flowing. If the camera or NPU
// wedges, systemd will restart us.
func (s *Server) runWatchdog() {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	s.Log.Infof("systemd watchdog enabled, with interval %v", interval)
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	lastFrames := int64(-1)
	for {
		select {
		case <-s.stopWatch:
			return
		case <-ticker.C:
			n := s.frames.Load()
			if n != lastFrames {
				daemon.SdNotify(false, daemon.SdNotifyWatchdog)
				lastFrames = n
			}
		}
	}
}
