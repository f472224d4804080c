// Package tools is the registry of remote-invocable operations. Each tool
// pairs a wire descriptor (name, description, input schema) with an async
// handler. The set is fixed at construction: listing is registration-order
// stable, and invocation validates arguments against the declared schema
// before the handler ever runs.
//
// Tool-level failures never become protocol errors. Unknown names, schema
// violations, handler errors, timeouts and panics all come back as results
// with IsError set, so one failing call cannot take down its session.
//
// New reflects a flat object schema from a typed argument struct using
// invopop/jsonschema; NewAirtableTools binds the fixed Airtable catalogue to
// a Client.
package tools
