// Package events defines canonical relay audit event names.
//
// The names intentionally remain stable (`relay.*`) so operational
// consumers can rely on them across releases.
package events

const (
	// RoomJoined captures a participant joining a room.
	RoomJoined = "relay.room.joined"
	// RoomLeft captures a participant leaving a room.
	RoomLeft = "relay.room.left"
	// InputRejected captures an input refused by the rollback window or by
	// validation.
	InputRejected = "relay.input.rejected"
	// GrantDenied captures a join grant that failed verification.
	GrantDenied = "relay.grant.denied"
	// RoomFull captures a join refused because the room is at capacity.
	RoomFull = "relay.room.full"
	// ConnRateLimited captures a connection throttled for exceeding frame
	// rate limits.
	ConnRateLimited = "relay.conn.ratelimited"
	// StateDivergence captures a client-reported state hash mismatch.
	StateDivergence = "relay.state.divergence"
)
