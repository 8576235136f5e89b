package wiseauth

import _ "embed"

// Schema is the wa_cert/tasks/thoughts DDL from schema.sql, applied by
// cmd/agentruntime directly against the sqlite connection at startup.
//
//go:embed schema.sql
var Schema string
