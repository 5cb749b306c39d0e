/*
Package process hosts WASM processes described in spec §4.D. Each process
is a wazero-sandboxed guest module instantiated with a single imported
host module, "hyperdrive", exposing one call-dispatch function (hd_call)
the guest's wit-generated bindings use to reach send-request,
send-response, send-and-await-response, get-blob, get/our/share-capability
and get/set-state.

Process state lives in an instance: its inbox (also registered with the
router), its table of in-flight send-and-await-response waiters keyed by
message id, and a process-context table. Nothing in the host writes that
table, and a restarted process gets a fresh instance with an empty one;
only the set-state blob carries over a restart (through StateSink).

ABI versioning is a version -> binding-constructor registry (lookupABI);
today only version 1 exists. A guest's declared wit-version selects its
binding at initialize time, not at every call, so a process cannot change
ABI without a restart.
*/
package process
