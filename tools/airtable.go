package tools

import (
	"context"

	"github.com/airtablemcp/server-go/airtable"
	"github.com/airtablemcp/server-go/mcp"
)

type listTablesArgs struct {
	BaseID string `json:"baseId" jsonschema:"description=Base to inspect (app...)"`
}

type listRecordsArgs struct {
	BaseID     string `json:"baseId" jsonschema:"description=Base holding the table (app...)"`
	TableName  string `json:"tableName" jsonschema:"description=Table name or id"`
	MaxRecords int    `json:"maxRecords,omitempty" jsonschema:"minimum=1,description=Cap on returned records; omit for all"`
}

type createRecordArgs struct {
	BaseID    string         `json:"baseId" jsonschema:"description=Base holding the table (app...)"`
	TableName string         `json:"tableName" jsonschema:"description=Table name or id"`
	Fields    map[string]any `json:"fields" jsonschema:"description=Field name to value map for the new record"`
}

type updateRecordArgs struct {
	BaseID    string         `json:"baseId" jsonschema:"description=Base holding the table (app...)"`
	TableName string         `json:"tableName" jsonschema:"description=Table name or id"`
	RecordID  string         `json:"recordId" jsonschema:"description=Record to update (rec...)"`
	Fields    map[string]any `json:"fields" jsonschema:"description=Field name to value map; unnamed fields keep their values"`
}

type deleteRecordArgs struct {
	BaseID    string `json:"baseId" jsonschema:"description=Base holding the table (app...)"`
	TableName string `json:"tableName" jsonschema:"description=Table name or id"`
	RecordID  string `json:"recordId" jsonschema:"description=Record to delete (rec...)"`
}

// NewAirtableTools binds the fixed tool catalogue to the given backend
// client. The returned slice order is the catalogue's registration order.
func NewAirtableTools(client airtable.Client) []Tool {
	return []Tool{
		New("list_bases", func(ctx context.Context, _ struct{}) (*mcp.CallToolResult, error) {
			bases, err := client.ListBases(ctx)
			if err != nil {
				return nil, err
			}
			return JSONResult(bases)
		}, WithDescription("List all bases the configured credential can access")),

		New("list_tables", func(ctx context.Context, args listTablesArgs) (*mcp.CallToolResult, error) {
			tables, err := client.ListTables(ctx, args.BaseID)
			if err != nil {
				return nil, err
			}
			return JSONResult(tables)
		}, WithDescription("List the table schemas of a base")),

		New("list_records", func(ctx context.Context, args listRecordsArgs) (*mcp.CallToolResult, error) {
			records, err := client.ListRecords(ctx, args.BaseID, args.TableName, args.MaxRecords)
			if err != nil {
				return nil, err
			}
			return JSONResult(records)
		}, WithDescription("List records from a table, optionally capped at maxRecords")),

		New("create_record", func(ctx context.Context, args createRecordArgs) (*mcp.CallToolResult, error) {
			rec, err := client.CreateRecord(ctx, args.BaseID, args.TableName, args.Fields)
			if err != nil {
				return nil, err
			}
			return JSONResult(rec)
		}, WithDescription("Create one record in a table")),

		New("update_record", func(ctx context.Context, args updateRecordArgs) (*mcp.CallToolResult, error) {
			rec, err := client.UpdateRecord(ctx, args.BaseID, args.TableName, args.RecordID, args.Fields)
			if err != nil {
				return nil, err
			}
			return JSONResult(rec)
		}, WithDescription("Update named fields of one record, leaving others intact")),

		New("delete_record", func(ctx context.Context, args deleteRecordArgs) (*mcp.CallToolResult, error) {
			id, err := client.DeleteRecord(ctx, args.BaseID, args.TableName, args.RecordID)
			if err != nil {
				return nil, err
			}
			return JSONResult(map[string]any{"id": id, "deleted": true})
		}, WithDescription("Delete one record from a table")),
	}
}
