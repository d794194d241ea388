package session

import (
	"context"

	agentpay "github.com/x402-foundation/agentpay"
)

// Replay rebuilds a session key from its recorded events.
func Replay(ctx context.Context, sink agentpay.EventSink, id string) (*SessionKey, error) {
	events, err := sink.List(ctx, agentpay.EntitySessionKey, id)
	if err != nil {
		return nil, err
	}
	var key SessionKey
	found, err := agentpay.LatestSnapshot(events, &key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, agentpay.SessionNotFound(id)
	}
	return &key, nil
}
