package docs

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSwaggerInfoMetadata verifies that SwaggerInfo carries the correct API
// metadata from the handler annotations.
func TestSwaggerInfoMetadata(t *testing.T) {
	t.Run("title is set correctly", func(t *testing.T) {
		assert.Equal(t, "Dispatch Core API", SwaggerInfo.Title)
	})

	t.Run("version is set correctly", func(t *testing.T) {
		assert.Equal(t, "1.0", SwaggerInfo.Version)
	})

	t.Run("basePath is set correctly", func(t *testing.T) {
		assert.Equal(t, "/", SwaggerInfo.BasePath)
	})

	t.Run("instance name is swagger", func(t *testing.T) {
		assert.Equal(t, "swagger", SwaggerInfo.InfoInstanceName)
	})
}

// TestSwaggerTemplateHasSpecSections verifies that the swagger template
// contains the structure markers expected of a rendered spec.
func TestSwaggerTemplateHasSpecSections(t *testing.T) {
	template := SwaggerInfo.SwaggerTemplate
	require.NotEmpty(t, template, "Swagger template should not be empty")
	assert.Contains(t, template, `"swagger": "2.0"`, "Template should contain swagger version")
	assert.Contains(t, template, `"paths":`, "Template should contain paths section")
	assert.Contains(t, template, `"definitions":`, "Template should contain definitions section")
}

// TestSwaggerInfoReadDoc verifies that ReadDoc returns valid JSON.
func TestSwaggerInfoReadDoc(t *testing.T) {
	doc := SwaggerInfo.ReadDoc()
	require.NotEmpty(t, doc, "ReadDoc should return non-empty string")

	var parsed map[string]interface{}
	err := json.Unmarshal([]byte(doc), &parsed)
	require.NoError(t, err, "ReadDoc should return valid JSON")

	info, ok := parsed["info"].(map[string]interface{})
	require.True(t, ok, "JSON should have info section")
	assert.Equal(t, "Dispatch Core API", info["title"])
	assert.Equal(t, "1.0", info["version"])

	assert.Equal(t, "/", parsed["basePath"])
	assert.Equal(t, "2.0", parsed["swagger"])
}

// TestSwaggerInfoHasEndpoints verifies that the spec contains the worker
// protocol and task surface endpoints.
func TestSwaggerInfoHasEndpoints(t *testing.T) {
	doc := SwaggerInfo.ReadDoc()

	var parsed map[string]interface{}
	err := json.Unmarshal([]byte(doc), &parsed)
	require.NoError(t, err)

	paths, ok := parsed["paths"].(map[string]interface{})
	require.True(t, ok, "JSON should have paths section")

	expectedPaths := []string{
		"/api/worker/register",
		"/api/worker/{workerId}/heartbeat",
		"/api/worker/poll",
		"/api/worker/tasks/{taskId}/claim",
		"/api/worker/tasks/{taskId}/progress",
		"/api/worker/tasks/{taskId}/complete",
		"/api/worker/tasks/{taskId}/fail",
		"/api/tasks",
		"/api/tasks/{taskId}",
		"/events/stream",
	}

	for _, path := range expectedPaths {
		_, exists := paths[path]
		assert.True(t, exists, "Path %s should exist in swagger spec", path)
	}
}

// TestSwaggerInfoHasDefinitions verifies that the spec contains type
// definitions for the worker and task request/response objects.
func TestSwaggerInfoHasDefinitions(t *testing.T) {
	doc := SwaggerInfo.ReadDoc()

	var parsed map[string]interface{}
	err := json.Unmarshal([]byte(doc), &parsed)
	require.NoError(t, err)

	definitions, ok := parsed["definitions"].(map[string]interface{})
	require.True(t, ok, "JSON should have definitions section")

	expectedTypes := []string{
		"workerapi.RegisterRequest",
		"workerapi.TaskView",
		"workerapi.CompleteRequest",
		"taskapi.CreateRequest",
		"taskapi.ListResponse",
	}

	for _, typeName := range expectedTypes {
		_, exists := definitions[typeName]
		assert.True(t, exists, "Type %s should exist in swagger definitions", typeName)
	}
}
