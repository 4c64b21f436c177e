// Package mcp supervises external tool servers that speak the Model
// Context Protocol. A Manager runs discovery passes across the
// configured servers: each server is connected over stdio or
// streamable HTTP, initialized, asked for its tools, and bridged into
// the shared tool registry. One server failing never holds back the
// others, and a new pass always tears down every previous connection
// first.
//
// Only the client side of MCP is implemented.
package mcp
