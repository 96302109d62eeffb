package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailKind
	}{
		{"nil", nil, ""},
		{"classified", Classifyf(FailStaleData, "no candles"), FailStaleData},
		{
			"classified then wrapped",
			fmt.Errorf("mint on 1:0xpool1: %w", Classifyf(FailTxReverted, "execution reverted")),
			FailTxReverted,
		},
		{
			"double wrapped",
			fmt.Errorf("cycle: %w", fmt.Errorf("burn: %w", Classify(FailBridgeTimeout, errors.New("no arrival")))),
			FailBridgeTimeout,
		},
		{"unclassified", errors.New("connection reset"), FailTransientNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestIsFatalThroughWrapping(t *testing.T) {
	err := fmt.Errorf("worker: %w", Classifyf(FailFatal, "lock lost"))
	assert.True(t, IsFatal(err))
	assert.False(t, IsFatal(Classifyf(FailStaleData, "half coverage")))
}

func TestClassifyNilPassthrough(t *testing.T) {
	assert.NoError(t, Classify(FailFatal, nil))
}
