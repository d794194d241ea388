// Package mcp exposes session keys, sponsored payments and escrow tasks as
// MCP (Model Context Protocol) tools, so an agent can pay and settle work
// through its tool-calling interface.
//
// The server acts for one principal address, set with WithCaller. Tool
// failures are returned as error results whose structured content is the
// typed error, so the agent sees the same code and details as an HTTP
// client would.
//
//	server := mcp.NewServer(authority, coordinator, engine, 6, mcp.WithCaller(addr))
//	err := server.Run(ctx, &mcpsdk.StdioTransport{})
package mcp
