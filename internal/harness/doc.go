// Package harness runs provider modules through YAML scenarios and checks
// the transport calls they make.
//
// # Scenario Format
//
//	name: dummy_send
//	description: "Bearer token reaches the dummy API"
//	provider: dummy
//	values:
//	  secrets: { TOKEN: abc }
//	  to: { id: room-1 }
//	steps:
//	  - send: { text: hello }
//	    mock:
//	      - status: 200
//	        json: { id: m-1 }
//	  - ingest: { http_in: hook.http-in.json, public_base_url: "https://hooks.test" }
//	    expect: { status: ok, http_status: 200, envelopes: 1 }
//	  - webhook: { public_base_url: "https://hooks.test", dry_run: true }
//	assertions:
//	  - type: call_count
//	    method: POST
//	    count: 1
//	  - type: call_contains
//	    headers: { authorization: "Bearer abc" }
//	  - type: call_order
//	    urls: [https://api.dummy.test/messages]
//	  - type: expr
//	    expr: 'calls.all(c, c.status == 200)'
//
// values_file may replace values. Paths resolve against the scenario file.
//
// # Isolation
//
// Each step opens its own pipeline session: a fresh module instance, a
// fresh mock queue and history, and durable state unavailable. Steps share
// nothing but the values bundle, so a scenario's trace is deterministic
// and can be compared against a golden file (see RunWithGolden).
package harness
