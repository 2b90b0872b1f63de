// ABOUTME: Builds the instance/pair snapshot embedded in gateway ready frames
// ABOUTME: from the persistent store.

package forward

import (
	"context"
	"fmt"

	"github.com/quetel/bridge/internal/protocol"
	"github.com/quetel/bridge/internal/store"
)

// Snapshot lists every instance and its forwarding pairs in the shape
// the gateway's ready frame carries.
func Snapshot(ctx context.Context, st store.Store) ([]protocol.InstanceSnapshot, error) {
	instances, err := st.ListInstances(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing instances: %w", err)
	}

	out := make([]protocol.InstanceSnapshot, 0, len(instances))
	for _, inst := range instances {
		pairs, err := st.ListPairs(ctx, inst.ID)
		if err != nil {
			return nil, fmt.Errorf("listing pairs for instance %d: %w", inst.ID, err)
		}
		snap := protocol.InstanceSnapshot{ID: inst.ID, Pairs: make([]protocol.PairSnapshot, 0, len(pairs))}
		for _, p := range pairs {
			snap.Pairs = append(snap.Pairs, protocol.PairSnapshot{
				QQRoomID:   p.QQRoomID,
				TGChatID:   p.TGChatID,
				TGThreadID: p.TGThreadID,
			})
		}
		out = append(out, snap)
	}
	return out, nil
}
