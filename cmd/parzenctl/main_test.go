package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append(args, "--log-level", "error"))
	err := rootCmd.Execute()
	return out.String(), err
}

func TestRunGridStudyJSON(t *testing.T) {
	out, err := execute(t, "run", "-f", "../../internal/study/testdata/quadratic.json", "--json")
	require.NoError(t, err)

	var res map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "grid", res["algorithm"])
	assert.Equal(t, true, res["exhausted"])
	assert.Equal(t, float64(9), res["trials"])

	// Nine grid points over [-3, 3] step by 0.75, so x = 0.75 is closest to 1.
	best := res["best"].(map[string]interface{})
	assert.InDelta(t, 0.0625, best["loss"].(float64), 1e-9)
}

func TestRunOverridesBudget(t *testing.T) {
	outputJSON = false
	out, err := execute(t, "run", "-f", "../../internal/study/testdata/classifier.yaml", "--max-evals", "15", "--seed", "3")
	require.NoError(t, err)
	assert.Contains(t, out, "15 trials")
	assert.Contains(t, out, "seed 3")
	assert.Contains(t, out, "classifier = ")
}

func TestRunMissingFile(t *testing.T) {
	_, err := execute(t, "run", "-f", "does-not-exist.yaml")
	assert.Error(t, err)
}

func TestObjectivesCommand(t *testing.T) {
	out, err := execute(t, "objectives")
	require.NoError(t, err)
	assert.Contains(t, out, "quadratic")
	assert.Contains(t, out, "classifier.svm.C")
}
