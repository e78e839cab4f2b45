// Package rewind manages deterministic rollback state for fixed-tick
// simulations such as networked games.
//
// A Manager records participant inputs against the frame they were issued
// for, and derives simulation state by folding a caller-supplied update
// function over those inputs. Inputs may arrive late: submitting an input
// for a past frame rewrites history, and the next state derivation replays
// forward from a checkpoint as if the input had been present all along.
//
// Replay depth is bounded. The manager keeps a rolling window of at most
// maxHistory frames behind the current frame; as the current frame advances,
// frames falling out of the window are folded into the checkpoint and can no
// longer be contradicted. Submissions below that horizon are rejected with
// InputTooOldError.
//
// For absent inputs the manager predicts by holding each participant's most
// recent known input, so a participant who last acted on frame 3 is assumed
// to still be issuing that input on frames 4, 5, and 6 until contradicted.
//
// The update function must be deterministic and pure: given equal inputs and
// equal state it must return an equal next state, and it must not mutate its
// arguments. The manager replays the same frames repeatedly and relies on
// every replay producing identical results. It performs no synchronization;
// callers that share a Manager across goroutines must serialize access.
package rewind
