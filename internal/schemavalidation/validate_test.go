package schemavalidation

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type schemaCase struct {
	name         string
	schemaPath   string
	instancePath string
	refPaths     []string
}

func TestSchemaValidation(t *testing.T) {
	repoRoot := repoRoot(t)
	schemaDir := filepath.Join(repoRoot, "docs", "schema")
	fixtureDir := filepath.Join(repoRoot, "docs", "spec", "fixtures")

	cases := []schemaCase{
		{
			name:         "interaction",
			schemaPath:   filepath.Join(schemaDir, "interaction-v1.schema.json"),
			instancePath: filepath.Join(fixtureDir, "interaction-v1.json"),
		},
		{
			name:         "interaction-batch",
			schemaPath:   filepath.Join(schemaDir, "interaction-batch-v1.schema.json"),
			instancePath: filepath.Join(fixtureDir, "interaction-batch-v1.json"),
			refPaths:     []string{filepath.Join(schemaDir, "interaction-v1.schema.json")},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			schema := compileSchema(t, tc.schemaPath, tc.refPaths...)

			instance := readInstance(t, tc.instancePath)
			if err := schema.Validate(instance); err != nil {
				t.Fatalf("schema validation failed for %s: %v", filepath.Base(tc.instancePath), err)
			}
		})
	}
}

// TestSchemaRejectsIncompleteRecord guards the required-fields list: a push
// payload without the partner hash must not validate.
func TestSchemaRejectsIncompleteRecord(t *testing.T) {
	repoRoot := repoRoot(t)
	schema := compileSchema(t, filepath.Join(repoRoot, "docs", "schema", "interaction-v1.schema.json"))

	var instance any
	bad := []byte(`{
		"id": "9b2f4a1e-3c5d-4f6a-8b7c-1d2e3f4a5b6c",
		"partner_display_name": "Alice's Phone",
		"recorded_at": "2026-02-11T09:41:27Z"
	}`)
	if err := json.Unmarshal(bad, &instance); err != nil {
		t.Fatalf("unmarshal instance: %v", err)
	}

	if err := schema.Validate(instance); err == nil {
		t.Fatal("expected validation to fail without partner_id_hash")
	}
}

func compileSchema(t *testing.T, schemaPath string, refPaths ...string) *jsonschema.Schema {
	t.Helper()

	compiler := jsonschema.NewCompiler()
	for _, path := range append([]string{schemaPath}, refPaths...) {
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read schema: %v", err)
		}
		if err := compiler.AddResource(path, bytes.NewReader(data)); err != nil {
			t.Fatalf("add schema resource: %v", err)
		}
	}

	schema, err := compiler.Compile(schemaPath)
	if err != nil {
		t.Fatalf("compile schema: %v", err)
	}
	return schema
}

func readInstance(t *testing.T, instancePath string) any {
	t.Helper()

	data, err := os.ReadFile(instancePath)
	if err != nil {
		t.Fatalf("read instance: %v", err)
	}

	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		t.Fatalf("unmarshal instance: %v", err)
	}
	return instance
}

func repoRoot(t *testing.T) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("unable to resolve caller path")
	}
	return filepath.Clean(filepath.Join(filepath.Dir(file), "..", ".."))
}
