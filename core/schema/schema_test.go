package schema_test

import (
	"errors"
	"testing"
	"testing/fstest"

	"github.com/relabs-tech/dps/core/schema"
)

const (
	refState = `{ "$id" : "http://example.com/state.json",
		"type" : "object",
		"required" : ["deviceId"],
		"properties" : { "deviceId" : { "type" : "string" } } }`

	topLevel = `
	{ "$id" : "http://example.com/operation.json",
	  "type" : "object",
	  "required" : ["operationId", "status"],
	  "properties" : {
		"operationId" : { "type" : "string" },
		"status" : { "type" : "string" },
		"registrationState" : { "$ref" : "http://example.com/state.json" }
	  }
	}`
)

func TestValidateString(t *testing.T) {
	v, err := schema.NewValidator([]string{topLevel}, []string{refState})
	if err != nil {
		t.Fatalf("No error expected when creating validator, got %v", err)
	}

	schemaID := "http://example.com/operation.json"
	if !v.HasSchema(schemaID) {
		t.Fatalf("schema %s not registered", schemaID)
	}

	valid := `{"operationId":"op","status":"assigning"}`
	if err := v.ValidateString(valid, schemaID); err != nil {
		t.Fatalf("%s is expected to be valid with schema %s. Reported error was: %v", valid, schemaID, err)
	}

	missingStatus := `{"operationId":"op"}`
	err = v.ValidateString(missingStatus, schemaID)
	var verr *schema.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("%s is expected to be invalid with schema %s, got %v", missingStatus, schemaID, err)
	}
	if len(verr.Details) == 0 {
		t.Fatal("expected validation details")
	}

	badState := `{"operationId":"op","status":"assigned","registrationState":{"deviceId":5}}`
	if err := v.ValidateBytes([]byte(badState), schemaID); err == nil {
		t.Fatalf("%s is expected to be invalid with schema %s", badState, schemaID)
	}

	if err := v.ValidateString(valid, "http://example.com/unknown.json"); err == nil {
		t.Fatal("unknown schema must be reported")
	}
}

func TestNewValidatorFromFS(t *testing.T) {
	fsys := fstest.MapFS{
		"schemas/operation.json":  {Data: []byte(topLevel)},
		"schemas/refs/state.json": {Data: []byte(refState)},
		"schemas/README.md":       {Data: []byte("not a schema")},
	}
	v, err := schema.NewValidatorFromFS(fsys, "schemas")
	if err != nil {
		t.Fatal(err)
	}
	if !v.HasSchema("http://example.com/operation.json") {
		t.Fatal("top level schema not loaded")
	}
	if v.HasSchema("http://example.com/state.json") {
		t.Fatal("refs must not be top level schemas")
	}
}

func TestNewValidatorWithoutID(t *testing.T) {
	if _, err := schema.NewValidator([]string{`{"type":"string"}`}, nil); err == nil {
		t.Fatal("schema without $id accepted")
	}
}
