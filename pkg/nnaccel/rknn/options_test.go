package rknn

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseCoreMask(t *testing.T) {
	for s, expect := range map[string]CoreMask{"": CoreAuto, "auto": CoreAuto, "0": Core0, "2": Core2, "0_1": Core01, "0_1_2": Core012} {
		m, err := ParseCoreMask(s)
		require.NoError(t, err)
		require.Equal(t, expect, m)
	}
	_, err := ParseCoreMask("3")
	require.Error(t, err)
}

func TestErrorString(t *testing.T) {
	err := &Error{Func: "rknn_init", Code: -6}
	require.Equal(t, "rknn_init failed: -6 (RKNN_ERR_MODEL_INVALID)", err.Error())
}
