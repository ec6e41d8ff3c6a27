// Package dto translates between local records and the remote row format.
//
// A Row is the JSON object the remote backend stores for one record. Encode
// always writes every column, with an explicit null for nil fields, because
// the backend reads an absent key as "leave the column unchanged". Patch
// narrows a full row to the columns that changed since the last row the
// server acknowledged, which gives field-level last-writer-wins on upload.
//
// Decode is lenient: unknown enum values fall back to the documented default
// and come back as Diagnostics instead of failing the whole row.
package dto
