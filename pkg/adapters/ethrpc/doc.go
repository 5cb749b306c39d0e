// Package ethrpc implements the Ethereum RPC external-interface adapter
// (spec §4.H): Request{method,params}, SubscribeLogs{chain,kind,params}
// and UnsubscribeLogs(sub-id), with subscriptions served either locally
// (a WebSocket pubsub connection this node holds directly to an RPC
// endpoint) or remotely (relayed through another node that holds one, with
// a per-node keepalive and a 2-hour no-updates watchdog).
package ethrpc
