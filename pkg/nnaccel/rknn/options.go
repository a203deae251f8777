package rknn

import (
	"fmt"
	"strings"
)

// CoreMask selects which NPU cores of an RK3588 run the model
type CoreMask int

// These values match rknn_core_mask
const (
	CoreAuto CoreMask = 0
	Core0    CoreMask = 1
	Core1    CoreMask = 2
	Core2    CoreMask = 4
	Core01   CoreMask = Core0 | Core1
	Core012  CoreMask = Core0 | Core1 | Core2
)

// Parse a core mask from the config file, eg "auto", "0", "0_1", "0_1_2"
func ParseCoreMask(s string) (CoreMask, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return CoreAuto, nil
	case "0":
		return Core0, nil
	case "1":
		return Core1, nil
	case "2":
		return Core2, nil
	case "0_1":
		return Core01, nil
	case "0_1_2":
		return Core012, nil
	}
	return CoreAuto, fmt.Errorf("Invalid NPU core mask '%v'. Valid values are auto, 0, 1, 2, 0_1, 0_1_2", s)
}

type Options struct {
	CoreMask CoreMask
}

// Error is a failed runtime call
type Error struct {
	Func string
	Code int
}

func (e *Error) Error() string {
	return fmt.Sprintf("%v failed: %v (%v)", e.Func, e.Code, codeName(e.Code))
}

// Names from rknn_api.h
func codeName(code int) string {
	switch code {
	case 0:
		return "RKNN_SUCC"
	case -1:
		return "RKNN_ERR_FAIL"
	case -2:
		return "RKNN_ERR_TIMEOUT"
	case -3:
		return "RKNN_ERR_DEVICE_UNAVAILABLE"
	case -4:
		return "RKNN_ERR_MALLOC_FAIL"
	case -5:
		return "RKNN_ERR_PARAM_INVALID"
	case -6:
		return "RKNN_ERR_MODEL_INVALID"
	case -7:
		return "RKNN_ERR_CTX_INVALID"
	case -8:
		return "RKNN_ERR_INPUT_INVALID"
	case -9:
		return "RKNN_ERR_OUTPUT_INVALID"
	case -10:
		return "RKNN_ERR_DEVICE_UNMATCH"
	case -11:
		return "RKNN_ERR_INCOMPATILE_PRE_COMPILE_MODEL"
	case -12:
		return "RKNN_ERR_INCOMPATILE_OPTIMIZATION_LEVEL_VERSION"
	case -13:
		return "RKNN_ERR_TARGET_PLATFORM_UNMATCH"
	}
	return "unknown"
}
