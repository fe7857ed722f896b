package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "Degree Progress API",
        "description": "Grade sheet imports and degree-progress aggregation",
        "version": "1.0.0"
    },
    "basePath": "/api/v1",
    "schemes": [
        "http"
    ],
    "tags": [
        {"name": "Imports", "description": "Grade and registration sheet ingestion"},
        {"name": "Progress", "description": "Per-category degree progress"}
    ],
    "paths": {
        "/health": {
            "get": {
                "summary": "Health check",
                "responses": {
                    "200": {"description": "OK"}
                }
            }
        },
        "/ready": {
            "get": {
                "summary": "Readiness check",
                "responses": {
                    "200": {"description": "Ready"}
                }
            }
        },
        "/imports/results": {
            "post": {
                "tags": ["Imports"],
                "summary": "Import a wide-format results sheet",
                "consumes": ["multipart/form-data"],
                "parameters": [
                    {"name": "program_code", "in": "formData", "type": "string", "required": false},
                    {"name": "file", "in": "formData", "type": "file", "required": true}
                ],
                "responses": {
                    "200": {"description": "Import summary", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "Unknown program"},
                    "422": {"description": "Malformed sheet"}
                }
            }
        },
        "/imports/registrations": {
            "post": {
                "tags": ["Imports"],
                "summary": "Import a registrations sheet",
                "consumes": ["multipart/form-data"],
                "parameters": [
                    {"name": "program_code", "in": "formData", "type": "string", "required": false},
                    {"name": "file", "in": "formData", "type": "file", "required": true}
                ],
                "responses": {
                    "200": {"description": "Import summary", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "422": {"description": "Malformed sheet"}
                }
            }
        },
        "/students/{id}/progress": {
            "get": {
                "tags": ["Progress"],
                "summary": "Per-category degree progress for a student",
                "parameters": [
                    {"name": "id", "in": "path", "type": "string", "required": true}
                ],
                "responses": {
                    "200": {"description": "Progress snapshot", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "Unknown student"}
                }
            }
        },
        "/students/{id}/progress/complete": {
            "get": {
                "tags": ["Progress"],
                "summary": "Degree completeness verdict",
                "parameters": [
                    {"name": "id", "in": "path", "type": "string", "required": true}
                ],
                "responses": {
                    "200": {"description": "Completion verdict", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/students/{id}/progress/export": {
            "get": {
                "tags": ["Progress"],
                "summary": "Export a progress report (csv or pdf)",
                "parameters": [
                    {"name": "id", "in": "path", "type": "string", "required": true},
                    {"name": "format", "in": "query", "type": "string", "required": false}
                ],
                "responses": {
                    "200": {"description": "Signed download URL", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/exports/{token}": {
            "get": {
                "tags": ["Progress"],
                "summary": "Download an exported report",
                "parameters": [
                    {"name": "token", "in": "path", "type": "string", "required": true}
                ],
                "responses": {
                    "200": {"description": "Report file"},
                    "403": {"description": "Invalid or expired token"}
                }
            }
        },
        "/progress/recompute": {
            "post": {
                "tags": ["Progress"],
                "summary": "Queue a progress recompute",
                "parameters": [
                    {
                        "name": "request",
                        "in": "body",
                        "required": false,
                        "schema": {"$ref": "#/definitions/RecomputeRequest"}
                    }
                ],
                "responses": {
                    "202": {"description": "Recompute queued", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        }
    },
    "definitions": {
        "RecomputeRequest": {
            "type": "object",
            "properties": {
                "student_ids": {"type": "array", "items": {"type": "string"}}
            }
        },
        "APIError": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "message": {"type": "string"},
                "status": {"type": "integer"}
            }
        },
        "ResponseEnvelope": {
            "type": "object",
            "properties": {
                "data": {"type": "object"},
                "error": {"$ref": "#/definitions/APIError"},
                "meta": {"type": "object"}
            }
        }
    }
}`

type swaggerDoc struct{}

// ReadDoc returns the Swagger document.
func (s *swaggerDoc) ReadDoc() string {
	return docTemplate
}

func init() {
	swag.Register(swag.Name, &swaggerDoc{})
}
