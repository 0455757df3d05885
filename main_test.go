package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConsumerConfig_LeavesGiveUpToJobTable(t *testing.T) {
	cfg := consumerConfig()
	assert.EqualValues(t, 0, cfg.MaxAttempts)
}
