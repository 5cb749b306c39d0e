package types

import "errors"

// Sentinel errors returned by kernel components. Callers match them with
// errors.Is; the router and host translate them into synthetic Response
// bodies (see SendError) when a waiter is present, or log-and-drop when
// there is none.
var (
	ErrOffline           = errors.New("target offline")
	ErrTimeout           = errors.New("send timed out")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrMalformedMessage  = errors.New("malformed message")
	ErrProcessNotFound   = errors.New("process not found")
	ErrProcessExists     = errors.New("process already exists")
	ErrUnsupportedABI    = errors.New("unsupported wit-version")
	ErrSubscriptionClosed = errors.New("subscription closed")
	ErrHashMismatch      = errors.New("hash mismatch")
	ErrNoRpcForChain     = errors.New("no rpc provider configured for chain")
	ErrRpcTimeout        = errors.New("rpc request timed out")
	ErrRpcMalformed      = errors.New("malformed rpc response")
)
