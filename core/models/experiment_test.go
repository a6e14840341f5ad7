package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrainingConfigUnmarshalKeepsUnsetApart(t *testing.T) {
	var omitted TrainingConfig
	require.NoError(t, json.Unmarshal([]byte(`{"epochs":3}`), &omitted))
	assert.Equal(t, 3, omitted.Epochs)
	assert.Equal(t, -1, omitted.WarmupSteps)
	assert.Equal(t, int64(-1), omitted.Seed)

	var explicit TrainingConfig
	require.NoError(t, json.Unmarshal([]byte(`{"epochs":3,"warmup_steps":0,"seed":0}`), &explicit))
	assert.Equal(t, 0, explicit.WarmupSteps)
	assert.Equal(t, int64(0), explicit.Seed)

	var nested struct {
		Config *TrainingConfig `json:"config"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"config":{"seed":7}}`), &nested))
	require.NotNil(t, nested.Config)
	assert.Equal(t, int64(7), nested.Config.Seed)
	assert.Equal(t, -1, nested.Config.WarmupSteps)
}
