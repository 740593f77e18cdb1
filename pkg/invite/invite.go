// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package invite implements the single-use (or bounded-use) invite
// credential described in spec.md §4.3: creation, listing, revocation,
// and rate-limited validation of tokens persisted in the store.
package invite

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"sort"
	"time"

	"github.com/stacklok/demo-session-broker/pkg/errors"
	"github.com/stacklok/demo-session-broker/pkg/metrics"
	"github.com/stacklok/demo-session-broker/pkg/ratelimit"
	"github.com/stacklok/demo-session-broker/pkg/store"
)

// Reason is one of the enumerated non-valid validation outcomes.
type Reason string

const (
	ReasonMissing     Reason = "missing"
	ReasonInvalid     Reason = "invalid"
	ReasonNotFound    Reason = "not_found"
	ReasonExpired     Reason = "expired"
	ReasonUsed        Reason = "used"
	ReasonRevoked     Reason = "revoked"
	ReasonRateLimited Reason = "rate_limited"
)

// Record is an invite token's persisted state.
type Record struct {
	Token     string    `json:"token"`
	Label     string    `json:"label"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Usage     int       `json:"usage"`
	MaxUsages int       `json:"maxUsages"`
	Revoked   bool      `json:"revoked"`
	CreatorID string    `json:"creatorId"`
}

// Result is the outcome of Validate.
type Result struct {
	Valid      bool
	Reason     Reason
	RetryAfter time.Duration
}

// Service creates, lists, revokes, and validates invite tokens.
type Service struct {
	store   store.Store
	limiter *ratelimit.InviteLimiter
	now     func() time.Time
}

// NewService builds an invite Service backed by s, rate-limited by l.
func NewService(s store.Store, l *ratelimit.InviteLimiter) *Service {
	return &Service{store: s, limiter: l, now: time.Now}
}

// Create generates a new invite token with at least 128 bits of
// entropy, persists it with usage=0, and returns the token.
func (svc *Service) Create(ctx context.Context, label string, expiresAt time.Time, maxUsages int) (string, error) {
	if maxUsages < 1 {
		maxUsages = 1
	}
	token, err := generateToken()
	if err != nil {
		return "", errors.New(errors.ErrInternal, "failed to generate invite token", err)
	}
	rec := Record{
		Token:     token,
		Label:     label,
		CreatedAt: svc.now(),
		ExpiresAt: expiresAt,
		Usage:     0,
		MaxUsages: maxUsages,
		Revoked:   false,
	}
	if err := svc.save(ctx, rec); err != nil {
		return "", err
	}
	if err := svc.indexToken(ctx, token); err != nil {
		return "", err
	}
	return token, nil
}

// Revoke marks token as revoked, preserving the record for audit.
func (svc *Service) Revoke(ctx context.Context, token string) error {
	rec, ok, err := svc.load(ctx, token)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New(errors.ErrInviteNotFound, "invite not found", nil)
	}
	rec.Revoked = true
	return svc.save(ctx, rec)
}

// Get returns the persisted record for token, for admin lookup.
func (svc *Service) Get(ctx context.Context, token string) (Record, bool, error) {
	return svc.load(ctx, token)
}

// List returns every invite ever created, oldest first, for the admin
// listing endpoint. Backed by a single JSON-encoded index key rather
// than a store scan, since the Store contract has no scan/keys
// primitive (spec.md §6 "Store keys" lists only the fixed invite and
// rate-limit key shapes). A token whose record has since disappeared
// (none currently do, since Revoke only flips a flag) is skipped
// rather than surfaced as an error.
func (svc *Service) List(ctx context.Context) ([]Record, error) {
	tokens, err := svc.loadIndex(ctx)
	if err != nil {
		return nil, err
	}
	recs := make([]Record, 0, len(tokens))
	for _, token := range tokens {
		rec, ok, err := svc.load(ctx, token)
		if err != nil {
			return nil, err
		}
		if ok {
			recs = append(recs, rec)
		}
	}
	// SliceStable: the index itself is already in creation order, so a
	// CreatedAt tie (possible at low clock resolution) keeps that order
	// rather than an arbitrary one.
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].CreatedAt.Before(recs[j].CreatedAt) })
	return recs, nil
}

// Validate runs the full validation order from spec.md §4.3: rate
// limit, well-formedness, existence, revocation, expiry, then usage.
// On success it increments usage (best-effort, racy under concurrent
// redemption of the same token — see DESIGN.md Open Question). Every
// non-valid outcome is echoed to the invite limiter as a failure,
// except rate_limited itself (already counted).
func (svc *Service) Validate(ctx context.Context, token, ip string) (Result, error) {
	rlRes, err := svc.limiter.Check(ctx, ip)
	if err != nil {
		return Result{}, errors.New(errors.ErrStoreError, "rate limiter unavailable", err)
	}
	if !rlRes.Allowed {
		return Result{Valid: false, Reason: ReasonRateLimited, RetryAfter: rlRes.RetryAfter}, nil
	}

	if token == "" {
		return svc.fail(ctx, ip, ReasonMissing)
	}
	if !wellFormed(token) {
		return svc.fail(ctx, ip, ReasonInvalid)
	}

	rec, ok, err := svc.load(ctx, token)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return svc.fail(ctx, ip, ReasonNotFound)
	}
	if rec.Revoked {
		return svc.fail(ctx, ip, ReasonRevoked)
	}
	if svc.now().After(rec.ExpiresAt) {
		return svc.fail(ctx, ip, ReasonExpired)
	}
	if rec.Usage >= rec.MaxUsages {
		return svc.fail(ctx, ip, ReasonUsed)
	}

	rec.Usage++
	if err := svc.save(ctx, rec); err != nil {
		return Result{}, err
	}
	metrics.InvitesRedeemed.Inc()
	return Result{Valid: true}, nil
}

// ReasonError maps a non-valid Result.Reason to the *errors.Error a
// caller should surface to its client. Shared by pkg/queue (WebSocket
// join rejection) and pkg/api (HTTP invite validation), so the two
// surfaces never drift on wording or status code.
func ReasonError(reason Reason) error {
	switch reason {
	case ReasonMissing:
		return errors.New(errors.ErrInviteMissing, "invite token missing", nil)
	case ReasonInvalid:
		return errors.New(errors.ErrInviteInvalid, "invite token malformed", nil)
	case ReasonNotFound:
		return errors.New(errors.ErrInviteNotFound, "invite token not found", nil)
	case ReasonExpired:
		return errors.New(errors.ErrInviteExpired, "invite token expired", nil)
	case ReasonUsed:
		return errors.New(errors.ErrInviteUsed, "invite token exhausted", nil)
	case ReasonRevoked:
		return errors.New(errors.ErrInviteRevoked, "invite token revoked", nil)
	case ReasonRateLimited:
		return errors.New(errors.ErrRateLimitedInvite, "too many failed invite attempts", nil)
	default:
		return errors.New(errors.ErrInviteInvalid, "invite validation failed", nil)
	}
}

func (svc *Service) fail(ctx context.Context, ip string, reason Reason) (Result, error) {
	if err := svc.limiter.RecordFailure(ctx, ip); err != nil {
		return Result{}, errors.New(errors.ErrStoreError, "failed to record invite attempt", err)
	}
	return Result{Valid: false, Reason: reason}, nil
}

func (svc *Service) load(ctx context.Context, token string) (Record, bool, error) {
	val, ok, err := svc.store.Get(ctx, store.InviteKey(token))
	if err != nil {
		return Record{}, false, err
	}
	if !ok {
		return Record{}, false, nil
	}
	var rec Record
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return Record{}, false, errors.New(errors.ErrInternal, "corrupt invite record", err)
	}
	return rec, true, nil
}

func (svc *Service) save(ctx context.Context, rec Record) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return errors.New(errors.ErrInternal, "failed to serialize invite record", err)
	}
	// Invites persist with no TTL; expiry is enforced by comparing
	// ExpiresAt at validation time, not by store-level eviction, so
	// that a revoked-or-expired record remains readable for audit.
	return svc.store.Set(ctx, store.InviteKey(rec.Token), string(buf), 0)
}

// loadIndex returns the full list of tokens ever created, or an empty
// slice if the index key has never been written.
func (svc *Service) loadIndex(ctx context.Context) ([]string, error) {
	val, ok, err := svc.store.Get(ctx, store.InviteIndexKey())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var tokens []string
	if err := json.Unmarshal([]byte(val), &tokens); err != nil {
		return nil, errors.New(errors.ErrInternal, "corrupt invite index", err)
	}
	return tokens, nil
}

// indexToken appends token to the index. Read-modify-write, not
// atomic: a concurrent Create racing the same read can drop the other
// token from the index, the same accepted tradeoff as Validate's usage
// increment (see DESIGN.md Open Question resolutions) — an admin
// listing tool, not a security boundary.
func (svc *Service) indexToken(ctx context.Context, token string) error {
	tokens, err := svc.loadIndex(ctx)
	if err != nil {
		return err
	}
	tokens = append(tokens, token)
	buf, err := json.Marshal(tokens)
	if err != nil {
		return errors.New(errors.ErrInternal, "failed to serialize invite index", err)
	}
	return svc.store.Set(ctx, store.InviteIndexKey(), string(buf), 0)
}

func generateToken() (string, error) {
	buf := make([]byte, 16) // 128 bits
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// wellFormed checks the token uses only the URL-safe alphabet invite
// tokens are generated from. It intentionally does not enforce a
// minimum length: a short but alphabet-valid guess (e.g. "WRONG" in
// the brute-force scenario) is a malformed-vs-not-found distinction
// the spec reserves for non-alphabet characters, not short strings.
func wellFormed(token string) bool {
	if token == "" {
		return false
	}
	for _, r := range token {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}
