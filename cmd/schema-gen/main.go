// Schema Generator
//
// Generates JSON Schema files from Go types for use in Node.js Zod schema
// generation on the board frontend. Go is the source of truth for shared
// API types between the dispatch core and the board app.
//
// Usage:
//
//	go run cmd/schema-gen/main.go
//
// Output:
//
//	../../shared/schemas/worker.json
//	../../shared/schemas/tasks.json
//	../../shared/schemas/store.json
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/invopop/jsonschema"

	"github.com/kira-kanban/dispatch-core/internal/httpapi/taskapi"
	"github.com/kira-kanban/dispatch-core/internal/httpapi/workerapi"
	"github.com/kira-kanban/dispatch-core/internal/store"
)

// SchemaGroup represents a group of related schemas.
type SchemaGroup struct {
	Name   string
	Types  []any
	Output string
}

func main() {
	outputDir := "../../shared/schemas"

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create output directory: %v\n", err)
		os.Exit(1)
	}

	groups := []SchemaGroup{
		{
			Name: "worker",
			Types: []any{
				// Request types
				workerapi.RegisterRequest{},
				workerapi.HeartbeatRequest{},
				workerapi.ProgressRequest{},
				workerapi.CompleteRequest{},
				workerapi.FailRequest{},
				// Response types
				workerapi.RegisterResponse{},
				workerapi.HeartbeatResponse{},
				workerapi.TaskView{},
				workerapi.PollResponse{},
			},
			Output: "worker.json",
		},
		{
			Name: "tasks",
			Types: []any{
				// Request types
				taskapi.CreateRequest{},
				taskapi.ListRequest{},
				// Response types
				taskapi.ListResponse{},
			},
			Output: "tasks.json",
		},
		{
			Name: "store",
			Types: []any{
				store.Card{},
				store.Column{},
				store.Task{},
				store.Worker{},
				store.Comment{},
				store.BoardGitlabSettings{},
			},
			Output: "store.json",
		},
	}

	for _, group := range groups {
		schema := generateGroupSchema(group)
		outputPath := filepath.Join(outputDir, group.Output)

		if err := writeSchema(schema, outputPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write %s: %v\n", group.Output, err)
			os.Exit(1)
		}

		fmt.Printf("Generated %s\n", outputPath)
	}

	fmt.Println("Schema generation complete!")
}

// generateGroupSchema creates a combined schema with all types in a group.
func generateGroupSchema(group SchemaGroup) map[string]any {
	reflector := &jsonschema.Reflector{
		DoNotReference: false,
		ExpandedStruct: false,
	}

	definitions := make(map[string]any)

	for _, t := range group.Types {
		schema := reflector.Reflect(t)

		typeName := ""
		if schema.Ref != "" {
			typeName = filepath.Base(schema.Ref)
		}

		for name, def := range schema.Definitions {
			definitions[name] = def
		}

		if typeName != "" && schema.Definitions[typeName] != nil {
			definitions[typeName] = schema.Definitions[typeName]
		}
	}

	return map[string]any{
		"$schema":     "https://json-schema.org/draft/2020-12/schema",
		"$id":         fmt.Sprintf("https://kira-kanban.dev/schemas/%s.json", group.Name),
		"title":       fmt.Sprintf("%s API Types", capitalize(group.Name)),
		"description": fmt.Sprintf("JSON Schema for %s types generated from Go structs", group.Name),
		"$defs":       definitions,
	}
}

// writeSchema writes a schema to a JSON file.
func writeSchema(schema map[string]any, path string) error {
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal schema: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}

func capitalize(s string) string {
	if len(s) == 0 {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
