// Package docs embeds the OpsRelay API description.
package docs

import _ "embed"

// OpenAPISpec is the OpenAPI 3 document served at /api/openapi.yaml
//
//go:embed openapi.yaml
var OpenAPISpec []byte
