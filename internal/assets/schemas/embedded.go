// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time so the CLI and library validate
// documents the same way regardless of the working directory or
// installation location.
package schemasassets

import _ "embed"

// StateDocumentSchema is the embedded state-document JSON schema.
//
// The schema only checks structure and JSON types. Enumerations, task id
// format and required fields are left to statedoc.Validate so those
// problems surface as repairable issues instead of load failures.
//
//go:embed state-document.schema.json
var StateDocumentSchema []byte
