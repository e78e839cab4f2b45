package rewind

import "fmt"

// Frame is a zero-based simulation frame index.
type Frame uint64

// Participant identifies an input source within a session.
type Participant string

// UpdateFunc advances state by one frame. The inputs map holds the resolved
// input per participant for the frame being applied; participants with no
// known input are absent. Implementations must be deterministic and must not
// mutate inputs or state.
type UpdateFunc[I, S any] func(inputs map[Participant]I, state S) S

// InputTooOldError reports a submission for a frame below the rollback
// horizon. The recorded history for such frames is already folded into the
// checkpoint and can no longer be revised.
type InputTooOldError struct {
	// Frame is the frame index of the rejected submission.
	Frame Frame
	// OldestValid is the oldest frame that still accepts submissions.
	OldestValid Frame
}

// Error implements the error interface.
func (e *InputTooOldError) Error() string {
	return fmt.Sprintf("input for frame %d is older than oldest valid frame of %d", e.Frame, e.OldestValid)
}

// Manager tracks inputs and derives rollback-corrected state for a single
// session. The zero value is not usable; construct with New.
//
// Manager is not safe for concurrent use. The caller owns serialization,
// typically by guarding the manager with the same lock that guards its
// session.
type Manager[I, S any] struct {
	// current is the frame the simulation has advanced to.
	current Frame
	// oldest is the rollback horizon. Frames below it are settled.
	oldest Frame
	// maxHistory bounds current-oldest after every Advance.
	maxHistory Frame
	// checkpoint is the folded state of all frames before oldest.
	checkpoint S
	// state is the derived state at current, refreshed by Advance.
	state S
	// ledger records raw submissions per frame and participant.
	ledger map[Frame]map[Participant]I
}

// New returns a Manager starting at frame 0 with the given initial state.
// maxHistory bounds how many frames behind the current frame remain
// revisable; values below zero are treated as zero, which settles every
// frame as soon as it is advanced past.
func New[I, S any](initial S, maxHistory int) *Manager[I, S] {
	if maxHistory < 0 {
		maxHistory = 0
	}
	return &Manager[I, S]{
		maxHistory: Frame(maxHistory),
		checkpoint: initial,
		state:      initial,
		ledger:     make(map[Frame]map[Participant]I),
	}
}

// CurrentFrame returns the frame the simulation has advanced to.
func (m *Manager[I, S]) CurrentFrame() Frame { return m.current }

// OldestFrame returns the rollback horizon. Submissions below it are
// rejected and state queries below it return the checkpoint.
func (m *Manager[I, S]) OldestFrame() Frame { return m.oldest }

// MaxHistory returns the configured rollback window size in frames.
func (m *Manager[I, S]) MaxHistory() int { return int(m.maxHistory) }

// CurrentState returns the state derived by the most recent Advance, or the
// initial state if the manager has not advanced yet. Inputs submitted since
// that Advance are not reflected until the next Advance or an explicit
// StateAt.
func (m *Manager[I, S]) CurrentState() S { return m.state }

// Submit records input from a participant for the given frame. Frames at or
// after the rollback horizon are accepted, including frames already
// simulated; the correction takes effect on the next state derivation.
// Resubmitting for the same frame and participant overwrites the earlier
// value. Submissions below the horizon return an *InputTooOldError and leave
// the manager unchanged.
func (m *Manager[I, S]) Submit(frame Frame, id Participant, input I) error {
	if frame < m.oldest {
		return &InputTooOldError{Frame: frame, OldestValid: m.oldest}
	}
	inputs, ok := m.ledger[frame]
	if !ok {
		inputs = make(map[Participant]I)
		m.ledger[frame] = inputs
	}
	inputs[id] = input
	return nil
}

// ResolveInputs returns the effective input per participant at the given
// frame: each participant's most recent submission at or before the frame,
// scanning no further back than the rollback horizon. Participants with no
// submission in that range are absent. The returned map is never nil and is
// owned by the caller.
func (m *Manager[I, S]) ResolveInputs(frame Frame) map[Participant]I {
	resolved := make(map[Participant]I)
	if frame < m.oldest {
		return resolved
	}
	for f := frame; ; f-- {
		for id, input := range m.ledger[f] {
			if _, ok := resolved[id]; !ok {
				resolved[id] = input
			}
		}
		if f == m.oldest {
			return resolved
		}
	}
}

// StateAt derives the state after applying the given frame, replaying from
// the checkpoint through every frame in [oldest, frame] with update. Frames
// below the horizon return the checkpoint unchanged; frames beyond the
// current frame extrapolate using held inputs. Each call re-derives from the
// checkpoint, so equal ledgers always yield equal results.
func (m *Manager[I, S]) StateAt(frame Frame, update UpdateFunc[I, S]) S {
	state := m.checkpoint
	if frame < m.oldest {
		return state
	}
	for f := m.oldest; f <= frame; f++ {
		state = update(m.ResolveInputs(f), state)
	}
	return state
}

// Advance moves the simulation forward one frame, compacts history that
// falls out of the rollback window, and refreshes CurrentState. Inputs
// submitted for past frames since the previous Advance are incorporated by
// the replay.
func (m *Manager[I, S]) Advance(update UpdateFunc[I, S]) {
	m.current++
	m.compact(update)
	m.state = m.StateAt(m.current, update)
}

// compact folds frames below the new horizon into the checkpoint. The
// horizon frame's resolved inputs are pinned into the ledger before the
// horizon moves, so inputs held from settled frames keep predicting at the
// new lower bound.
func (m *Manager[I, S]) compact(update UpdateFunc[I, S]) {
	target := Frame(0)
	if m.current > m.maxHistory {
		target = m.current - m.maxHistory
	}
	if target <= m.oldest {
		return
	}
	state := m.checkpoint
	for f := m.oldest; f < target; f++ {
		state = update(m.ResolveInputs(f), state)
	}
	m.ledger[target] = m.ResolveInputs(target)
	m.oldest = target
	m.checkpoint = state
	for f := range m.ledger {
		if f < target {
			delete(m.ledger, f)
		}
	}
}
