package server

// openAPISpec is the served API description. Kept deliberately terse: paths
// and auth, not full schemas; the envelope shape is documented once.
const openAPISpec = `{
  "openapi": "3.0.3",
  "info": {
    "title": "ChittyBroker",
    "description": "Context and credential broker for AI sessions. Every JSON route returns {success, data|error, _meta:{requestId, timestamp, service, version}}.",
    "version": "1"
  },
  "components": {
    "securitySchemes": {
      "apiKey": {"type": "apiKey", "in": "header", "name": "X-ChittyOS-API-Key"},
      "bearer": {"type": "http", "scheme": "bearer"}
    }
  },
  "security": [{"apiKey": []}, {"bearer": []}],
  "paths": {
    "/health": {"get": {"summary": "Backend reachability and breaker states", "security": []}},
    "/.well-known/chitty.json": {"get": {"summary": "Service discovery document", "security": []}},
    "/api/v1/auth/token": {"post": {"summary": "Exchange an API key for a short-lived JWT", "security": []}},
    "/api/v1/context/resolve": {"post": {"summary": "Resolve session hints to a context"}},
    "/api/v1/context/bind": {"post": {"summary": "Bind a session, creating the context when requested"}},
    "/api/v1/context/unbind": {"post": {"summary": "Close a binding and roll metrics into the context"}},
    "/api/v1/context/switch": {"post": {"summary": "Atomically move a session between contexts"}},
    "/api/v1/context/expand": {"post": {"summary": "Union an explicit expansion into a context's DNA"}},
    "/api/v1/context/current": {"get": {"summary": "Context a session is bound to"}},
    "/api/v1/context/search": {"get": {"summary": "Search contexts by project or anchors"}},
    "/api/v1/context/summary/{chittyId}": {"get": {"summary": "Entity, DNA, ledger size, trust history, active sessions"}},
    "/api/v1/context/lifecycle": {"post": {"summary": "Create a supernova, fission, derivative, or suspension context"}},
    "/api/v1/context/decommission/preview/{chittyId}": {"get": {"summary": "Preview a decommission"}},
    "/api/v1/context/decommission": {"post": {"summary": "Archive or revoke a context"}},
    "/api/v1/context/trust/{chittyId}": {"get": {"summary": "Trust evolution log"}},
    "/api/v1/context/ledger/{chittyId}": {"get": {"summary": "Ledger entries, optionally chain-verified"}},
    "/api/v1/credentials/provision": {"post": {"summary": "Provision a short-lived credential via the vault"}},
    "/api/v1/credentials/validate": {"post": {"summary": "Validate a provisioned credential"}},
    "/api/v1/credentials/revoke": {"post": {"summary": "Revoke a provisioned credential"}},
    "/api/v1/credentials/audit": {"get": {"summary": "Provisioning audit trail"}},
    "/api/v1/credentials/retrieve": {"post": {"summary": "Resolve the outbound token for a service"}},
    "/api/v1/sessions": {"get": {"summary": "Active bindings for a context"}},
    "/api/v1/sessions/{sessionId}": {"get": {"summary": "Active binding for a session"}},
    "/api/v1/sessions/{sessionId}/touch": {"post": {"summary": "Refresh a binding's last activity"}},
    "/api/v1/documents/{chittyId}/{docType}": {"post": {"summary": "Upload a document"}},
    "/api/v1/documents/{chittyId}/{docType}/{docId}": {"get": {"summary": "Fetch a document"}, "delete": {"summary": "Delete a document"}},
    "/api/v1/documents/uploads": {"post": {"summary": "Issue a one-shot upload token"}},
    "/api/v1/documents/uploads/{token}": {"put": {"summary": "Upload a body against a token"}},
    "/api/v1/keys": {"post": {"summary": "Create an API key"}, "get": {"summary": "List API keys"}},
    "/api/v1/keys/{id}": {"delete": {"summary": "Disable an API key"}},
    "/api/v1/batch": {"post": {"summary": "Execute up to 10 sub-requests; 207 on partial"}},
    "/api/v1/events": {"get": {"summary": "Server-sent context events"}},
    "/api/{service}/{path}": {"description": "Resilient proxy to downstream chitty services with brokered credentials"},
    "/mcp": {"description": "MCP Streamable HTTP transport (JSON-RPC 2.0); session id in the mcp-session-id header"}
  }
}
`
