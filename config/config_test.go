package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidateRejectsTooFewSaveSlots(t *testing.T) {
	c := Default()
	c.NumSaveSlots = 1
	require.Error(t, c.Validate())
}

func TestValidateRejectsZeroZoneCount(t *testing.T) {
	c := Default()
	c.ZoneCount = 0
	require.Error(t, c.Validate())
}

func TestValidateRejectsNegativeCheckpointFrequency(t *testing.T) {
	c := Default()
	c.CheckpointFrequency = -1
	require.Error(t, c.Validate())
}
