// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package heuristics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"grimm.is/breakwater/internal/engine/types"
)

func defaultDetector(t *testing.T) *Amplification {
	t.Helper()
	a, err := NewAmplification(DefaultAmplificationRules())
	require.NoError(t, err)
	return a
}

func TestAmplification_SizeThreshold(t *testing.T) {
	a := defaultDetector(t)

	// memcached reflections must exceed 100 bytes; the boundary itself
	// passes.
	_, hit := a.Match(types.ProtoUDP, 11211, 100)
	assert.False(t, hit)

	service, hit := a.Match(types.ProtoUDP, 11211, 101)
	require.True(t, hit)
	assert.Equal(t, "memcached", service)

	_, hit = a.Match(types.ProtoUDP, 53, 512)
	assert.False(t, hit)

	service, hit = a.Match(types.ProtoUDP, 53, 513)
	require.True(t, hit)
	assert.Equal(t, "dns", service)
}

func TestAmplification_ChargenAnySize(t *testing.T) {
	a := defaultDetector(t)

	service, hit := a.Match(types.ProtoUDP, 19, 1)
	require.True(t, hit)
	assert.Equal(t, "chargen", service)
}

func TestAmplification_UDPOnly(t *testing.T) {
	a := defaultDetector(t)

	_, hit := a.Match(types.ProtoTCP, 19, 1000)
	assert.False(t, hit)
	_, hit = a.Match(types.ProtoICMP, 19, 1000)
	assert.False(t, hit)
}

func TestAmplification_UnlistedPort(t *testing.T) {
	a := defaultDetector(t)

	_, hit := a.Match(types.ProtoUDP, 443, 1500)
	assert.False(t, hit)
}

func TestNewAmplification_Validation(t *testing.T) {
	_, err := NewAmplification([]AmplificationRule{{Port: 0}})
	assert.Error(t, err)

	_, err = NewAmplification([]AmplificationRule{{Port: 53}, {Port: 53}})
	assert.Error(t, err)

	a, err := NewAmplification(nil)
	require.NoError(t, err)
	_, hit := a.Match(types.ProtoUDP, 53, 5000)
	assert.False(t, hit)
}

func TestAmplification_CustomRules(t *testing.T) {
	a, err := NewAmplification([]AmplificationRule{{Port: 7777, MinSize: 50, Service: "game"}})
	require.NoError(t, err)

	service, hit := a.Match(types.ProtoUDP, 7777, 60)
	require.True(t, hit)
	assert.Equal(t, "game", service)
	assert.Len(t, a.Rules(), 1)
}
