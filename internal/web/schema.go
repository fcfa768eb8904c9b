// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyward Contributors

package web

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/invopop/jsonschema"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/samber/oops"

	"github.com/keyward/keyward/internal/auth"
	"github.com/keyward/keyward/pkg/errutil"
)

// SchemaBaseURL prefixes the $id of every request schema.
const SchemaBaseURL = "https://keyward.dev/schemas/"

// Request schema names, one per route that takes a body.
const (
	SchemaKeyExchange = "key_exchange"
	SchemaRegister    = "register"
	SchemaLogin       = "login"
)

var requestTypes = map[string]struct {
	value any
	title string
}{
	SchemaKeyExchange: {&auth.KeyExchangeRequest{}, "Key exchange request"},
	SchemaRegister:    {&auth.RegisterRequest{}, "Registration request"},
	SchemaLogin:       {&auth.LoginRequest{}, "Login request"},
}

// SchemaNames returns the request schema names in sorted order.
func SchemaNames() []string {
	names := make([]string, 0, len(requestTypes))
	for name := range requestTypes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GenerateSchema reflects the JSON Schema for the named request body.
func GenerateSchema(name string) ([]byte, error) {
	rt, ok := requestTypes[name]
	if !ok {
		return nil, oops.With("schema", name).Errorf("unknown request schema")
	}

	r := jsonschema.Reflector{
		DoNotReference:            true,
		AllowAdditionalProperties: true,
	}
	schema := r.Reflect(rt.value)
	schema.ID = jsonschema.ID(schemaURL(name))
	schema.Title = rt.title

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, oops.With("schema", name).Wrapf(err, "marshal schema")
	}
	return data, nil
}

func schemaURL(name string) string {
	return SchemaBaseURL + name + ".schema.json"
}

// validator holds the compiled request schemas.
type validator struct {
	schemas map[string]*jschema.Schema
}

func newValidator() (*validator, error) {
	c := jschema.NewCompiler()
	for name := range requestTypes {
		data, err := GenerateSchema(name)
		if err != nil {
			return nil, err
		}
		doc, err := jschema.UnmarshalJSON(bytes.NewReader(data))
		if err != nil {
			return nil, oops.With("schema", name).Wrapf(err, "parse schema")
		}
		if err := c.AddResource(schemaURL(name), doc); err != nil {
			return nil, oops.With("schema", name).Wrapf(err, "add schema resource")
		}
	}

	v := &validator{schemas: make(map[string]*jschema.Schema, len(requestTypes))}
	for name := range requestTypes {
		sch, err := c.Compile(schemaURL(name))
		if err != nil {
			return nil, oops.With("schema", name).Wrapf(err, "compile schema")
		}
		v.schemas[name] = sch
	}
	return v, nil
}

// validate checks body against the named schema. Failures carry the
// INVALID_REQUEST code; the validator's detail stays in the error chain and
// never reaches the client.
func (v *validator) validate(name string, body []byte) error {
	doc, err := jschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return oops.Code(errutil.CodeInvalidRequest).
			Public("request body is not valid JSON").
			Errorf("decode request body: %v", err)
	}
	if err := v.schemas[name].Validate(doc); err != nil {
		return oops.Code(errutil.CodeInvalidRequest).
			Public("request body does not match the expected schema").
			With("schema", name).
			Errorf("schema validation failed: %v", err)
	}
	return nil
}
