//go:build nogst

package gstio

import (
	"errors"

	"github.com/cyclopcam/logs"
)

var ErrNotAvailable = errors.New("Built without GStreamer support")

type Capture struct{}

func NewCapture(log logs.Log, cfg CaptureConfig) (*Capture, error) {
	return nil, ErrNotAvailable
}

func (c *Capture) OnSample(fn func())    {}
func (c *Capture) Start() error          { return ErrNotAvailable }
func (c *Capture) Errors() <-chan error  { return nil }
func (c *Capture) Pull() (*Frame, error) { return nil, ErrNotAvailable }
func (c *Capture) Close()                {}

type Display struct{}

func NewDisplay(log logs.Log, cfg DisplayConfig) (*Display, error) {
	return nil, ErrNotAvailable
}

func (d *Display) Config() DisplayConfig { return DisplayConfig{} }
func (d *Display) Start() error          { return ErrNotAvailable }
func (d *Display) Errors() <-chan error  { return nil }
func (d *Display) Push(buf []byte) error { return ErrNotAvailable }
func (d *Display) Close()                {}
