/**
 * @description
 * This file implements the idempotency guard that protects mutating
 * endpoints against client retries. Each request carries an opaque key,
 * scoped to the authenticated user; the guard reserves the key, runs the
 * operation exactly once, and persists the exact response for replay.
 *
 * Key properties:
 * - Same key + same request fingerprint: the stored response is replayed
 *   byte-for-byte without re-running the operation.
 * - Same key + different fingerprint: rejected, the key is burned.
 * - Reserved but unfinished key: the request is still in flight and the
 *   retry is told to come back later.
 * - A non-domain failure releases the reservation so the client can retry.
 *
 * @dependencies
 * - context, crypto/sha256, encoding/json, log: Standard Go libraries.
 * - github.com/google/uuid: Key owner scoping.
 * - github.com/prometheus/client_golang: Replay counter.
 * - internal/domain, internal/store: Typed failures and persistence.
 */

package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/atlasbank/ledger-service/internal/domain"
	"github.com/atlasbank/ledger-service/internal/store"
)

var idempotentReplaysTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ledger_idempotent_replays_total",
	Help: "Requests answered from a stored idempotent response",
})

// Outcome is the portion of an HTTP response the guard stores and replays.
type Outcome struct {
	Status int
	Body   json.RawMessage
}

// Guard coordinates exactly-once execution of keyed requests.
type Guard struct {
	ledger store.Ledger
}

// NewGuard creates a new idempotency guard backed by the given ledger store.
func NewGuard(ledger store.Ledger) *Guard {
	return &Guard{ledger: ledger}
}

// Fingerprint derives the request identity the key is bound to. Two
// requests with the same key must produce the same fingerprint to be
// considered retries of each other.
func Fingerprint(method, path string, body []byte) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|", method, path)
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Execute runs op at most once for (owner, key). The returned bool reports
// whether the outcome was replayed from storage. op returns an Outcome for
// every business result, including typed failures; it returns an error only
// for internal faults, which release the reservation.
func (g *Guard) Execute(ctx context.Context, owner uuid.UUID, key, fingerprint string, op func(ctx context.Context) (Outcome, error)) (Outcome, bool, error) {
	record, err := g.ledger.GetIdempotencyRecord(ctx, owner, key)
	switch {
	case err == nil:
		if record.RequestHash != fingerprint {
			return Outcome{}, false, domain.NewError(domain.CodeIdempotencyKeyReuse)
		}
		if record.ResponseStatus == nil {
			return Outcome{}, false, domain.NewError(domain.CodeRequestInProgress)
		}
		idempotentReplaysTotal.Inc()
		return Outcome{Status: *record.ResponseStatus, Body: record.ResponseBody}, true, nil
	case errors.Is(err, store.ErrKeyNotFound):
		// First sighting; fall through to reserve.
	default:
		return Outcome{}, false, fmt.Errorf("idempotency lookup failed: %w", err)
	}

	if err := g.ledger.ReserveIdempotencyKey(ctx, owner, key, fingerprint); err != nil {
		if errors.Is(err, store.ErrKeyReserved) {
			// A concurrent duplicate won the reservation race.
			return Outcome{}, false, domain.NewError(domain.CodeRequestInProgress)
		}
		return Outcome{}, false, fmt.Errorf("idempotency reserve failed: %w", err)
	}

	outcome, opErr := op(ctx)
	if opErr != nil {
		// Internal fault: free the key so the client retry can succeed.
		if relErr := g.ledger.ReleaseIdempotencyKey(ctx, owner, key); relErr != nil {
			log.Printf("level=warn component=idempotency msg=\"key release failed\" owner=%s err=%v", owner, relErr)
		}
		return Outcome{}, false, opErr
	}

	if err := g.ledger.CompleteIdempotencyRecord(ctx, owner, key, outcome.Status, outcome.Body); err != nil {
		// The operation committed; losing the stored response only costs a
		// replay, so the outcome is still returned to the caller.
		log.Printf("level=warn component=idempotency msg=\"response not stored\" owner=%s err=%v", owner, err)
	}
	return outcome, false, nil
}
