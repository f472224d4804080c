// Package airtable is the tabular-data collaborator behind the tool
// handlers. The tools package consumes the Client interface; the concrete
// HTTP implementation in this package talks to the Airtable Web API. Nothing
// in here knows about sessions or the protocol.
package airtable

import (
	"context"
	"errors"
)

// ErrNotFound marks a base, table, or record the backend does not know.
var ErrNotFound = errors.New("airtable: not found")

// Base is one Airtable base the credential can reach.
type Base struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	PermissionLevel string `json:"permissionLevel,omitempty"`
}

// Field is one column of a table schema.
type Field struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
}

// Table is one table's schema within a base.
type Table struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Description  string  `json:"description,omitempty"`
	PrimaryField string  `json:"primaryFieldId,omitempty"`
	Fields       []Field `json:"fields,omitempty"`
}

// Record is one row. Fields maps column name to value; empty cells are
// absent from the map.
type Record struct {
	ID          string         `json:"id"`
	CreatedTime string         `json:"createdTime,omitempty"`
	Fields      map[string]any `json:"fields"`
}

// Client is the operation set the tool handlers invoke. Implementations own
// their connection pooling; handlers share one Client across sessions and
// never mutate it.
type Client interface {
	ListBases(ctx context.Context) ([]Base, error)
	ListTables(ctx context.Context, baseID string) ([]Table, error)
	ListRecords(ctx context.Context, baseID, table string, maxRecords int) ([]Record, error)
	CreateRecord(ctx context.Context, baseID, table string, fields map[string]any) (Record, error)
	UpdateRecord(ctx context.Context, baseID, table, recordID string, fields map[string]any) (Record, error)
	DeleteRecord(ctx context.Context, baseID, table, recordID string) (string, error)
}
