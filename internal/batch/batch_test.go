package batch

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	return log
}

func TestExecute_AllSucceed(t *testing.T) {
	stateFile := filepath.Join(t.TempDir(), "queue.json")
	var calls []string
	call := func(toolName string, arguments map[string]interface{}) (interface{}, error) {
		calls = append(calls, toolName)
		return map[string]interface{}{"ok": true}, nil
	}

	ex := New(testLogger(), stateFile, call)
	ops := []Operation{
		{ToolName: "unity_scene_crud", Arguments: map[string]interface{}{"operation": "list"}},
		{ToolName: "unity_gameobject_crud", Arguments: map[string]interface{}{"operation": "list"}},
	}

	report, err := ex.Execute(ops, false, true)
	require.NoError(t, err)
	assert.True(t, report.Completed)
	assert.Len(t, report.CompletedResults, 2)
	assert.Empty(t, report.Errors)
	assert.Equal(t, []string{"unity_scene_crud", "unity_gameobject_crud"}, calls)

	_, statErr := os.Stat(stateFile)
	assert.True(t, os.IsNotExist(statErr), "persisted queue file should be removed on completion")
}

func TestExecute_StopOnErrorPersistsForResume(t *testing.T) {
	stateFile := filepath.Join(t.TempDir(), "queue.json")
	callCount := 0
	call := func(toolName string, arguments map[string]interface{}) (interface{}, error) {
		callCount++
		if toolName == "unity_gameobject_crud" {
			return nil, errors.New("boom")
		}
		return "ok", nil
	}

	ex := New(testLogger(), stateFile, call)
	ops := []Operation{
		{ToolName: "unity_scene_crud"},
		{ToolName: "unity_gameobject_crud"},
		{ToolName: "unity_component_crud"},
	}

	report, err := ex.Execute(ops, false, true)
	require.NoError(t, err)
	assert.False(t, report.Completed)
	assert.Len(t, report.CompletedResults, 1)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, 1, report.Errors[0].Index)
	assert.Equal(t, 2, report.RemainingOperations)
	assert.Equal(t, 2, callCount)

	_, statErr := os.Stat(stateFile)
	require.NoError(t, statErr, "queue file must survive a stop-on-error halt")

	// Resuming retries from the failed index rather than restarting.
	report2, err := ex.Execute(nil, true, true)
	require.NoError(t, err)
	assert.False(t, report2.Completed)
	assert.Equal(t, 3, callCount, "resume must not re-run the already-completed first operation")
}

func TestExecute_ContinueOnErrorRunsToCompletion(t *testing.T) {
	stateFile := filepath.Join(t.TempDir(), "queue.json")
	call := func(toolName string, arguments map[string]interface{}) (interface{}, error) {
		if toolName == "unity_gameobject_crud" {
			return nil, errors.New("boom")
		}
		return "ok", nil
	}

	ex := New(testLogger(), stateFile, call)
	ops := []Operation{
		{ToolName: "unity_scene_crud"},
		{ToolName: "unity_gameobject_crud"},
		{ToolName: "unity_component_crud"},
	}

	report, err := ex.Execute(ops, false, false)
	require.NoError(t, err)
	assert.True(t, report.Completed)
	assert.Len(t, report.CompletedResults, 2)
	assert.Len(t, report.Errors, 1)

	_, statErr := os.Stat(stateFile)
	assert.True(t, os.IsNotExist(statErr))
}

func TestExecute_ResumeWithoutPersistedQueueStartsFresh(t *testing.T) {
	stateFile := filepath.Join(t.TempDir(), "queue.json")
	var calls []string
	call := func(toolName string, arguments map[string]interface{}) (interface{}, error) {
		calls = append(calls, toolName)
		return "ok", nil
	}

	ex := New(testLogger(), stateFile, call)
	ops := []Operation{{ToolName: "unity_scene_crud"}}

	report, err := ex.Execute(ops, true, true)
	require.NoError(t, err)
	assert.True(t, report.Completed)
	assert.Equal(t, []string{"unity_scene_crud"}, calls)
}

func TestExecute_ClearIsIdempotent(t *testing.T) {
	stateFile := filepath.Join(t.TempDir(), "queue.json")
	ex := New(testLogger(), stateFile, func(string, map[string]interface{}) (interface{}, error) {
		return "ok", nil
	})

	require.NoError(t, ex.clear())
	require.NoError(t, ex.clear())
}
