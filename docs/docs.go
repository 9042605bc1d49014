// Package docs carries the Swagger specification served at /swagger/*any.
// Hand-authored from the @Summary/@Router annotations on the workerapi and
// taskapi handlers, mirroring the shape swag init would generate, since the
// swag CLI is not run as part of this build.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
	"swagger": "2.0",
	"info": {
		"title": "{{.Title}}",
		"description": "{{.Description}}",
		"version": "{{.Version}}"
	},
	"basePath": "{{.BasePath}}",
	"paths": {
		"/api/worker/register": {
			"post": {
				"tags": ["worker"],
				"summary": "Register a worker",
				"parameters": [{"in": "body", "name": "request", "required": true, "schema": {"$ref": "#/definitions/workerapi.RegisterRequest"}}],
				"responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/workerapi.RegisterResponse"}}}
			}
		},
		"/api/worker/{workerId}/heartbeat": {
			"post": {
				"tags": ["worker"],
				"summary": "Worker heartbeat",
				"parameters": [
					{"in": "path", "name": "workerId", "required": true, "type": "string"},
					{"in": "body", "name": "request", "required": true, "schema": {"$ref": "#/definitions/workerapi.HeartbeatRequest"}}
				],
				"responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/workerapi.HeartbeatResponse"}}}
			}
		},
		"/api/worker/poll": {
			"get": {
				"tags": ["worker"],
				"summary": "Poll for pending tasks",
				"responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/workerapi.PollResponse"}}}
			}
		},
		"/api/worker/tasks/{taskId}/claim": {
			"post": {
				"tags": ["worker"],
				"summary": "Claim a task",
				"parameters": [
					{"in": "path", "name": "taskId", "required": true, "type": "string"},
					{"in": "query", "name": "workerId", "required": true, "type": "string"}
				],
				"responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/workerapi.TaskView"}}}
			}
		},
		"/api/worker/tasks/{taskId}/progress": {
			"post": {
				"tags": ["worker"],
				"summary": "Report task progress",
				"parameters": [
					{"in": "path", "name": "taskId", "required": true, "type": "string"},
					{"in": "body", "name": "request", "required": true, "schema": {"$ref": "#/definitions/workerapi.ProgressRequest"}}
				],
				"responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/workerapi.TaskView"}}}
			}
		},
		"/api/worker/tasks/{taskId}/complete": {
			"post": {
				"tags": ["worker"],
				"summary": "Complete a task",
				"parameters": [
					{"in": "path", "name": "taskId", "required": true, "type": "string"},
					{"in": "body", "name": "request", "required": true, "schema": {"$ref": "#/definitions/workerapi.CompleteRequest"}}
				],
				"responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/workerapi.TaskView"}}}
			}
		},
		"/api/worker/tasks/{taskId}/fail": {
			"post": {
				"tags": ["worker"],
				"summary": "Fail a task",
				"parameters": [
					{"in": "path", "name": "taskId", "required": true, "type": "string"},
					{"in": "body", "name": "request", "required": true, "schema": {"$ref": "#/definitions/workerapi.FailRequest"}}
				],
				"responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/workerapi.TaskView"}}}
			}
		},
		"/api/tasks": {
			"post": {
				"tags": ["tasks"],
				"summary": "Create a task",
				"parameters": [{"in": "body", "name": "request", "required": true, "schema": {"$ref": "#/definitions/taskapi.CreateRequest"}}],
				"responses": {"201": {"description": "Created"}}
			},
			"get": {
				"tags": ["tasks"],
				"summary": "List tasks",
				"parameters": [{"in": "query", "name": "board_id", "required": true, "type": "string"}],
				"responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/taskapi.ListResponse"}}}
			}
		},
		"/api/tasks/{taskId}": {
			"delete": {
				"tags": ["tasks"],
				"summary": "Cancel a task",
				"parameters": [{"in": "path", "name": "taskId", "required": true, "type": "string"}],
				"responses": {"204": {"description": "No Content"}}
			}
		},
		"/events/stream": {
			"get": {
				"tags": ["stream"],
				"summary": "Subscribe to board/user events",
				"parameters": [{"in": "query", "name": "board_id", "required": false, "type": "string"}],
				"produces": ["text/event-stream"],
				"responses": {"200": {"description": "OK"}}
			}
		}
	},
	"definitions": {
		"workerapi.RegisterRequest": {"type": "object"},
		"workerapi.RegisterResponse": {"type": "object"},
		"workerapi.HeartbeatRequest": {"type": "object"},
		"workerapi.HeartbeatResponse": {"type": "object"},
		"workerapi.PollResponse": {"type": "object"},
		"workerapi.TaskView": {"type": "object"},
		"workerapi.ProgressRequest": {"type": "object"},
		"workerapi.CompleteRequest": {"type": "object"},
		"workerapi.FailRequest": {"type": "object"},
		"taskapi.CreateRequest": {"type": "object"},
		"taskapi.ListResponse": {"type": "object"}
	}
}`

// SwaggerInfo holds the exported Swagger spec metadata consumed by
// gin-swagger's handler at runtime.
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "Dispatch Core API",
	Description:      "Worker protocol, task listing, and event stream surface for the AI-augmented Kanban dispatch core.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
