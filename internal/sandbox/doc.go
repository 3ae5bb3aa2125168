// Package sandbox loads provider modules and runs their operations in
// isolation.
//
// A module is located by name or path. Named modules are either registered
// native guests (Go implementations compiled into the harness) or WebAssembly
// images found on the loader's search paths. Each Instantiate yields a fresh
// guest. A guest reaches the host only through the capability.Imports value
// passed to a single Invoke call; nothing else is wired.
//
// WebAssembly guests run on wazero with WASI preview1 and no filesystem or
// network. The guest ABI is:
//
//	memory                                  exported linear memory
//	alloc(size i32) i32                     allocate size bytes, return offset
//	describe() i64                          manifest JSON
//	validate_config(ptr, len i32) i64       config JSON in, result JSON out
//	healthcheck() i64                       health JSON
//	invoke(op_ptr, op_len, in_ptr, in_len i32) i64
//
// Every i64 result packs an output buffer as ptr<<32 | len. invoke returns
// {"ok": <output>} or {"err": "<message>"}. The single host import is
//
//	greentic:host.call(iface_ptr, iface_len, fn_ptr, fn_len, in_ptr, in_len i32) i64
//
// which forwards to capability.Imports.Call and returns the packed result
// buffer, or 0 on a host-level error.
package sandbox
