//go:build !rknn

package rknn

import (
	"errors"

	"github.com/cyclopcam/rkdetect/pkg/nnaccel"
)

var ErrNotAvailable = errors.New("Built without RKNN support (rebuild with -tags rknn)")

// Context is unusable in builds without the rknn tag
type Context struct{}

func Open(modelPath string, options *Options) (*Context, *nnaccel.ModelMetadata, error) {
	return nil, nil, ErrNotAvailable
}

func Init(blob []byte, options *Options) (*Context, *nnaccel.ModelMetadata, error) {
	return nil, nil, ErrNotAvailable
}

func (c *Context) SetInput(t *nnaccel.Tensor) error {
	return ErrNotAvailable
}

func (c *Context) Run() error {
	return ErrNotAvailable
}

func (c *Context) GetOutputs() ([]nnaccel.OutputTensor, error) {
	return nil, ErrNotAvailable
}

func (c *Context) ReleaseOutputs(outputs []nnaccel.OutputTensor) error {
	return nil
}

func (c *Context) Close() {
}
