package convstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"basegraph.app/parley/internal/model"
)

// ErrNotActive is returned by Advance when the completed message is not the
// conversation's active message (a redelivered job, or a completion after a reset).
var ErrNotActive = errors.New("message is not the active message")

const keyPrefix = "parley:conv:"

type Outcome int

const (
	OutcomeQueued Outcome = iota
	OutcomeAdmitted
	OutcomeDuplicate
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAdmitted:
		return "admitted"
	case OutcomeQueued:
		return "queued"
	case OutcomeDuplicate:
		return "duplicate"
	}
	return "unknown"
}

type AdmitResult struct {
	Outcome  Outcome
	Position int // 1-based, set when queued or already pending

	// Promoted is set when the conversation was idle with a backlog: the
	// queue head became active and the caller must dispatch it.
	Promoted *model.Envelope
}

type ResetResult struct {
	AbandonedMessageID string
	Pending            int
}

// Machine is the per-conversation admission controller. All mutation goes
// through single-round-trip Lua scripts so concurrent admits and completions
// for one conversation are serialized by Redis.
type Machine struct {
	rdb redis.Cmdable
	ttl time.Duration
	now func() time.Time
}

func New(rdb redis.Cmdable, ttl time.Duration) *Machine {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Machine{rdb: rdb, ttl: ttl, now: time.Now}
}

// TryAdmit makes env the active message if the conversation is idle, or
// appends it to the pending queue. A message that is already active or
// pending is reported as a duplicate and left where it is.
func (m *Machine) TryAdmit(ctx context.Context, env model.Envelope) (AdmitResult, error) {
	entry, err := encodeEntry(env)
	if err != nil {
		return AdmitResult{}, err
	}

	res, err := tryAdmitScript.Run(ctx, m.rdb, keys(env.ConversationID),
		env.MessageID, entry, m.ttlSeconds(), m.now().UnixMilli(),
	).Slice()
	if err != nil {
		return AdmitResult{}, fmt.Errorf("try admit %s: %w", env.ConversationID, err)
	}
	if len(res) != 3 {
		return AdmitResult{}, fmt.Errorf("try admit %s: unexpected reply %v", env.ConversationID, res)
	}

	code, _ := res[0].(int64)
	pos, _ := res[1].(int64)
	promotedEntry, _ := res[2].(string)

	switch code {
	case 1:
		return AdmitResult{Outcome: OutcomeAdmitted}, nil
	case 2:
		return AdmitResult{Outcome: OutcomeDuplicate, Position: int(pos)}, nil
	}

	result := AdmitResult{Outcome: OutcomeQueued, Position: int(pos)}
	if promotedEntry != "" {
		promoted, err := decodeEntry(promotedEntry)
		if err != nil {
			return AdmitResult{}, err
		}
		result.Promoted = &promoted
	}
	return result, nil
}

// Advance completes completedID and promotes the next pending message.
// It returns the promoted envelope, or nil when the conversation is now idle.
// Passing an empty completedID resumes a conversation left idle by ForceReset.
func (m *Machine) Advance(ctx context.Context, conversationID, completedID string) (*model.Envelope, error) {
	res, err := advanceScript.Run(ctx, m.rdb, keys(conversationID),
		completedID, m.ttlSeconds(), m.now().UnixMilli(),
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("advance %s: %w", conversationID, err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("advance %s: unexpected reply %v", conversationID, res)
	}

	code, _ := res[0].(int64)
	switch code {
	case -1:
		active, _ := res[1].(string)
		return nil, fmt.Errorf("advance %s: completed %q, active %q: %w", conversationID, completedID, active, ErrNotActive)
	case 0:
		return nil, nil
	}

	entry, _ := res[1].(string)
	next, err := decodeEntry(entry)
	if err != nil {
		return nil, err
	}
	return &next, nil
}

// ForceReset sets the conversation idle regardless of its state. Pending
// messages are kept; call Advance with an empty id to resume them.
func (m *Machine) ForceReset(ctx context.Context, conversationID string) (ResetResult, error) {
	res, err := forceResetScript.Run(ctx, m.rdb, keys(conversationID),
		m.ttlSeconds(), m.now().UnixMilli(),
	).Slice()
	if err != nil {
		return ResetResult{}, fmt.Errorf("force reset %s: %w", conversationID, err)
	}
	if len(res) != 2 {
		return ResetResult{}, fmt.Errorf("force reset %s: unexpected reply %v", conversationID, res)
	}

	abandoned, _ := res[0].(string)
	pending, _ := res[1].(int64)
	return ResetResult{AbandonedMessageID: abandoned, Pending: int(pending)}, nil
}

// Snapshot reads the current state. A conversation with no state is idle.
func (m *Machine) Snapshot(ctx context.Context, conversationID string) (model.CoordinationState, error) {
	k := keys(conversationID)

	var (
		hash    *redis.MapStringStringCmd
		pending *redis.StringSliceCmd
	)
	_, err := m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		hash = pipe.HGetAll(ctx, k[0])
		pending = pipe.LRange(ctx, k[1], 0, -1)
		return nil
	})
	if err != nil {
		return model.CoordinationState{}, fmt.Errorf("snapshot %s: %w", conversationID, err)
	}

	state := model.CoordinationState{
		ConversationID: conversationID,
		Phase:          model.PhaseIdle,
		Pending:        make([]model.Envelope, 0, len(pending.Val())),
	}

	fields := hash.Val()
	if fields["phase"] == string(model.PhaseProcessing) {
		state.Phase = model.PhaseProcessing
		state.ActiveMessageID = fields["active_message_id"]
	}
	if ms, err := strconv.ParseInt(fields["updated_at"], 10, 64); err == nil {
		t := time.UnixMilli(ms).UTC()
		state.UpdatedAt = &t
	}

	for _, entry := range pending.Val() {
		env, err := decodeEntry(entry)
		if err != nil {
			return model.CoordinationState{}, err
		}
		state.Pending = append(state.Pending, env)
	}

	return state, nil
}

func (m *Machine) ttlSeconds() int64 {
	secs := int64(m.ttl / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// keys share a hash tag so both land on one cluster slot.
func keys(conversationID string) []string {
	base := keyPrefix + "{" + conversationID + "}"
	return []string{base + ":state", base + ":pending"}
}

func encodeEntry(env model.Envelope) (string, error) {
	if env.MessageID == "" || strings.Contains(env.MessageID, "|") {
		return "", fmt.Errorf("encode envelope: invalid message id %q", env.MessageID)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encode envelope: %w", err)
	}
	return env.MessageID + "|" + string(data), nil
}

func decodeEntry(entry string) (model.Envelope, error) {
	_, data, ok := strings.Cut(entry, "|")
	if !ok {
		return model.Envelope{}, fmt.Errorf("decode envelope: malformed entry %q", entry)
	}
	var env model.Envelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		return model.Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}
