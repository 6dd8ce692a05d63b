package vad

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnergy(t *testing.T) {
	assert.Zero(t, Energy(nil))
	assert.Zero(t, Energy(make([]int16, 160)))

	loud := make([]int16, 160)
	for i := range loud {
		if i%2 == 0 {
			loud[i] = 16384
		} else {
			loud[i] = -16384
		}
	}
	assert.InDelta(t, 0.5, Energy(loud), 1e-9)
}

func TestObserveNeedsConsecutiveFrames(t *testing.T) {
	d := &Detector{config: Config{EnergyThreshold: 0.1, MinSpeechFrames: 3}}

	assert.False(t, d.observe(0.2))
	assert.False(t, d.observe(0.2))
	assert.False(t, d.observe(0.05), "静音帧重新计数")
	assert.False(t, d.observe(0.2))
	assert.False(t, d.observe(0.2))
	assert.True(t, d.observe(0.2))
	assert.True(t, d.observe(0.3))

	d.Reset()
	assert.False(t, d.observe(0.2))
}
