// Package docs holds the OpenAPI document served under /swagger when the
// server is built with -tags=swagger. Regenerate with `make swagger-gen`.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/genomes": {
            "get": {
                "produces": ["application/json"],
                "tags": ["genomes"],
                "summary": "List genomes",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.GenomesResponse"}},
                    "500": {"description": "Internal Server Error", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/genomes/{id}": {
            "get": {
                "produces": ["application/json"],
                "tags": ["genomes"],
                "summary": "Get a genome",
                "parameters": [{"type": "string", "description": "Genome ID", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.GenomeInfo"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/genomes/{id}/assemble": {
            "post": {
                "produces": ["application/json"],
                "tags": ["genomes"],
                "summary": "Assemble a genome",
                "parameters": [{"type": "string", "description": "Genome ID", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.AssembleResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "422": {"description": "Unprocessable Entity", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/genomes/{id}/warm": {
            "post": {
                "produces": ["application/json"],
                "tags": ["genomes"],
                "summary": "Warm a genome",
                "parameters": [{"type": "string", "description": "Genome ID", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/types.OpResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/genomes/{id}/cache": {
            "delete": {
                "tags": ["genomes"],
                "summary": "Unload a genome",
                "parameters": [{"type": "string", "description": "Genome ID", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "204": {"description": "No Content"},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/infer": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/x-ndjson"],
                "tags": ["inference"],
                "summary": "Run inference",
                "parameters": [{"description": "Inference request", "name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/types.InferRequest"}}],
                "responses": {
                    "200": {"description": "OK"},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "429": {"description": "Too Many Requests", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/status": {
            "get": {
                "produces": ["application/json"],
                "tags": ["monitoring"],
                "summary": "Runtime status",
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/types.StatusResponse"}}}
            }
        },
        "/stats": {
            "get": {
                "produces": ["application/json"],
                "tags": ["monitoring"],
                "summary": "Runtime counters",
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/types.StatsResponse"}}}
            }
        }
    },
    "definitions": {
        "types.ErrorResponse": {
            "type": "object",
            "properties": {
                "error": {"type": "string"},
                "code": {"type": "integer"},
                "kind": {"type": "string"},
                "diagnostics": {"type": "object"}
            }
        },
        "types.LayerRef": {
            "type": "object",
            "properties": {"layer_id": {"type": "string"}, "weight": {"type": "number"}}
        },
        "types.GenomeInfo": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "base_model": {"type": "string"},
                "layers": {"type": "array", "items": {"$ref": "#/definitions/types.LayerRef"}},
                "updated_unix": {"type": "integer"},
                "readiness": {"type": "string"}
            }
        },
        "types.GenomesResponse": {
            "type": "object",
            "properties": {"genomes": {"type": "array", "items": {"$ref": "#/definitions/types.GenomeInfo"}}}
        },
        "types.AssembleResponse": {
            "type": "object",
            "properties": {
                "genome_id": {"type": "string"},
                "base_model": {"type": "string"},
                "layer_count": {"type": "integer"},
                "total_bytes": {"type": "integer"},
                "duration_ms": {"type": "integer"},
                "cache_hits": {"type": "integer"},
                "cache_misses": {"type": "integer"},
                "checksum": {"type": "string"},
                "reused": {"type": "boolean"}
            }
        },
        "types.OpResponse": {
            "type": "object",
            "properties": {"op_id": {"type": "string"}, "genome_id": {"type": "string"}}
        },
        "types.InferRequest": {
            "type": "object",
            "properties": {
                "genome": {"type": "string"},
                "prompt": {"type": "string"},
                "max_tokens": {"type": "integer"},
                "temperature": {"type": "number"},
                "top_p": {"type": "number"},
                "stop": {"type": "array", "items": {"type": "string"}},
                "seed": {"type": "integer"}
            }
        },
        "types.StatusResponse": {"type": "object"},
        "types.StatsResponse": {"type": "object"}
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it.
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	BasePath:         "/",
	Schemes:          []string{"http"},
	Title:            "genomed API",
	Description:      "HTTP API for genome assembly, readiness and inference.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
