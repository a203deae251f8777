//go:build !nogst

package gstio

import (
	"context"
	"fmt"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/tinyzimmer/go-gst/gst"
)

// Poll the pipeline bus until ctx is cancelled, or the pipeline fails or ends.
// The terminal error is sent to 'errors', which must have room for it.
func monitorBus(ctx context.Context, log logs.Log, name string, pipeline *gst.Pipeline, errors chan<- error) {
	bus := pipeline.GetPipelineBus()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		// Short timeout so that we notice cancellation promptly
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageEOS:
			log.Infof("%v pipeline: end of stream", name)
			errors <- fmt.Errorf("%v pipeline: end of stream", name)
			return
		case gst.MessageError:
			gerr := msg.ParseError()
			log.Errorf("%v pipeline error: %v (%v)", name, gerr.Error(), gerr.DebugString())
			errors <- fmt.Errorf("%v pipeline: %v", name, gerr.Error())
			return
		case gst.MessageWarning:
			gerr := msg.ParseWarning()
			log.Warnf("%v pipeline warning: %v", name, gerr.Error())
		case gst.MessageStateChanged:
			if msg.Source() == pipeline.GetName() {
				old, cur := msg.ParseStateChanged()
				log.Debugf("%v pipeline state %v -> %v", name, old, cur)
			}
		}
	}
}
