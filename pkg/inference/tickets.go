package inference

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/loomery/loom/pkg/config"
	"github.com/loomery/loom/pkg/errkind"
)

// Key prefixes for the ephemeral job records.
const (
	ticketKeyPrefix = "loom:ws_ticket:"
	ownerKeyPrefix  = "loom:job_owner:"
)

const ticketRandBytes = 32

// Ticket is the single-use WebSocket claim minted when a job is
// submitted. The gateway exchanges it for the job id exactly once.
type Ticket struct {
	JobID  uuid.UUID `json:"job_id"`
	UserID uuid.UUID `json:"user_id"`
}

// KV stores job ownership records and WebSocket tickets in Redis.
// Both expire on their own: tickets within seconds, ownership after
// the longest plausible job runtime.
type KV struct {
	rdb          *redis.Client
	ticketTTL    time.Duration
	ownershipTTL time.Duration
}

// NewKV returns a KV using the given Redis client and TTLs from cfg.
func NewKV(rdb *redis.Client, cfg *config.InferenceConfig) *KV {
	return &KV{
		rdb:          rdb,
		ticketTTL:    cfg.TicketTTL,
		ownershipTTL: cfg.OwnershipTTL,
	}
}

// MintTicket creates a single-use ticket bound to the job and its
// owner and stores it with the configured TTL.
func (k *KV) MintTicket(ctx context.Context, jobID, userID uuid.UUID) (string, error) {
	raw := make([]byte, ticketRandBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", errkind.Wrap(errkind.KindInternal, err, "generate ticket")
	}
	ticket := "ws_ticket_" + base64.RawURLEncoding.EncodeToString(raw)

	body, err := json.Marshal(Ticket{JobID: jobID, UserID: userID})
	if err != nil {
		return "", errkind.Wrap(errkind.KindInternal, err, "encode ticket")
	}
	if err := k.rdb.Set(ctx, ticketKeyPrefix+ticket, body, k.ticketTTL).Err(); err != nil {
		return "", errkind.Wrap(errkind.KindUnavailable, err, "store ticket")
	}
	return ticket, nil
}

// ConsumeTicket atomically fetches and deletes a ticket. A ticket that
// is absent, expired, or already consumed yields a not-found error; the
// get-and-delete is what makes tickets single-use under concurrent
// connection attempts.
func (k *KV) ConsumeTicket(ctx context.Context, ticket string) (Ticket, error) {
	body, err := k.rdb.GetDel(ctx, ticketKeyPrefix+ticket).Bytes()
	if errors.Is(err, redis.Nil) {
		return Ticket{}, errkind.NotFound("ticket is invalid, expired, or already used")
	}
	if err != nil {
		return Ticket{}, errkind.Wrap(errkind.KindUnavailable, err, "consume ticket")
	}

	var t Ticket
	if err := json.Unmarshal(body, &t); err != nil {
		return Ticket{}, errkind.Wrap(errkind.KindInternal, err, "decode ticket")
	}
	return t, nil
}

// RecordOwner stores the job_id to user_id ownership record consulted
// by cancellation.
func (k *KV) RecordOwner(ctx context.Context, jobID, userID uuid.UUID) error {
	err := k.rdb.Set(ctx, ownerKey(jobID), userID.String(), k.ownershipTTL).Err()
	if err != nil {
		return errkind.Wrap(errkind.KindUnavailable, err, "record job owner")
	}
	return nil
}

// Owner resolves the recorded owner of a job. Jobs with no record,
// including expired ones, yield a not-found error.
func (k *KV) Owner(ctx context.Context, jobID uuid.UUID) (uuid.UUID, error) {
	val, err := k.rdb.Get(ctx, ownerKey(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, errkind.NotFound("job %s not found", jobID)
	}
	if err != nil {
		return uuid.Nil, errkind.Wrap(errkind.KindUnavailable, err, "look up job owner")
	}

	owner, err := uuid.Parse(val)
	if err != nil {
		return uuid.Nil, errkind.Internal("malformed owner record for job %s", jobID)
	}
	return owner, nil
}

// DeleteOwner removes the ownership record once a job is cancelled.
func (k *KV) DeleteOwner(ctx context.Context, jobID uuid.UUID) error {
	if err := k.rdb.Del(ctx, ownerKey(jobID)).Err(); err != nil {
		return errkind.Wrap(errkind.KindUnavailable, err, "delete job owner")
	}
	return nil
}

func ownerKey(jobID uuid.UUID) string {
	return fmt.Sprintf("%s%s", ownerKeyPrefix, jobID)
}
