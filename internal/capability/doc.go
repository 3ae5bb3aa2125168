// Package capability implements the host side of the services a provider
// module may import: outbound HTTP transport, secret lookup and durable
// state.
//
// Guests talk to the host through a single byte-oriented entry point,
// Imports.Call, naming a versioned interface (for example
// "greentic:http/http-client@1.1.0") and a function. Interface names are
// resolved through a Registry of semver constraints, so a guest compiled
// against any supported revision of the transport schema reaches the same
// canonical Request and gets its answer back in its own revision's shape.
//
// Adding a transport revision means registering one more Revision value.
// Nothing outside this package branches on revisions.
package capability
