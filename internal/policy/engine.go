// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package policy

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MuzeenMir/sentinel-sub000/internal/clock"
	"github.com/MuzeenMir/sentinel-sub000/internal/errors"
	"github.com/MuzeenMir/sentinel-sub000/internal/logging"
)

// VendorAdapter abstracts one enforcement backend. Adapters live in the
// firewall package; the engine only sees this surface.
type VendorAdapter interface {
	Name() string
	// Available reports whether the backend can be driven right now.
	// Unavailable adapters are skipped and their rules recorded as
	// failed rather than retried.
	Available(ctx context.Context) bool
	// DryRun validates a rule against the backend without applying it.
	DryRun(ctx context.Context, rule Rule) error
	// Apply installs a rule. A non-empty warning means the rule was
	// accepted with degraded semantics (e.g. an inexpressible action).
	Apply(ctx context.Context, rule Rule) (warning string, err error)
	Remove(ctx context.Context, rule Rule) error
	// ListRules returns the rules this adapter has actually installed,
	// served from its local handle cache. Warned no-ops never appear.
	ListRules(ctx context.Context) ([]Rule, error)
	// ClearManaged removes everything this adapter has installed and
	// returns how many rules were removed.
	ClearManaged(ctx context.Context) (int, error)
}

const (
	maxApplyRetries = 3
	retryBaseDelay  = 100 * time.Millisecond
	retryMaxDelay   = 2 * time.Second
	reaperInterval  = 30 * time.Second
)

// Stats are the engine's lifetime counters.
type Stats struct {
	Created    uint64 `json:"policies_created"`
	Updated    uint64 `json:"policies_updated"`
	Deleted    uint64 `json:"policies_deleted"`
	RolledBack uint64 `json:"policies_rolled_back"`
	Expired    uint64 `json:"policies_expired"`
	Conflicts  uint64 `json:"conflicts_detected"`
}

// Engine orchestrates the policy lifecycle: generation, validation,
// conflict detection, vendor fan-out, and versioned persistence.
type Engine struct {
	store    Store
	adapters []VendorAdapter
	logger   *logging.Logger

	mu       sync.Mutex
	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool

	created    atomic.Uint64
	updated    atomic.Uint64
	deleted    atomic.Uint64
	rolledBack atomic.Uint64
	expired    atomic.Uint64
	conflicts  atomic.Uint64
}

// NewEngine creates an engine over the given store and adapters.
func NewEngine(store Store, adapters []VendorAdapter) *Engine {
	return &Engine{
		store:    store,
		adapters: adapters,
		logger:   logging.WithComponent("policy"),
		stopChan: make(chan struct{}),
	}
}

// Start launches the expiry reaper.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	e.running = true
	e.wg.Add(1)
	go e.reapLoop(ctx)
}

// Stop halts background work and waits for it to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stopChan)
	e.mu.Unlock()
	e.wg.Wait()
}

// ValidateIntent generates and validates without persisting anything.
func (e *Engine) ValidateIntent(intent Intent) ([]Rule, ValidationResult) {
	rules := Generate(intent)
	return rules, Validate(rules)
}

// Create generates, validates, applies, and persists a new policy.
// Conflicts abort unless force is set; a vendor failure after at least
// one success persists the policy and reports a partial apply.
func (e *Engine) Create(ctx context.Context, intent Intent, force bool) (*ApplyResult, error) {
	rules := Generate(intent)
	if vres := Validate(rules); !vres.Valid {
		return nil, validationError(vres)
	}
	rules = MergeRules(rules)

	conflicts, err := e.CheckConflicts(ctx, rules)
	if err != nil {
		return nil, err
	}
	if len(conflicts) > 0 {
		e.conflicts.Add(uint64(len(conflicts)))
		if !force {
			return nil, errors.Attr(
				errors.Errorf(errors.KindConflict, "%d conflicting policies; use force to override", len(conflicts)),
				"conflicts", conflicts)
		}
		e.logger.Warn("conflicts overridden", "count", len(conflicts))
	}

	now := clock.Now()
	pol := &Policy{
		ID:        uuid.NewString(),
		Version:   1,
		Status:    StatusActive,
		Intent:    intent,
		Rules:     rules,
		CreatedAt: now,
		UpdatedAt: now,
	}
	var ttl time.Duration
	if intent.DurationSeconds > 0 {
		ttl = time.Duration(intent.DurationSeconds * float64(time.Second))
		exp := now.Add(ttl)
		pol.ExpiresAt = &exp
	}

	if err := e.dryRun(ctx, rules); err != nil {
		return nil, err
	}

	result := &ApplyResult{Policy: pol}
	applyErr := e.applyVendors(ctx, pol, result)
	if applyErr != nil && !result.Partial {
		return result, applyErr
	}

	if err := e.persist(ctx, pol, ttl); err != nil {
		return result, err
	}
	e.created.Add(1)
	e.logger.Info("policy created", "policy_id", pol.ID, "rules", len(pol.Rules), "partial", result.Partial)
	if result.Partial {
		return result, errors.Errorf(errors.KindPartialApply, "policy %s applied to a subset of vendors", pol.ID)
	}
	return result, nil
}

// Update replaces a policy's intent, bumping the version and keeping the
// superseded content in history.
func (e *Engine) Update(ctx context.Context, id string, intent Intent) (*ApplyResult, error) {
	current, err := e.store.GetPolicy(ctx, id)
	if err != nil {
		return nil, err
	}

	rules := Generate(intent)
	if vres := Validate(rules); !vres.Valid {
		return nil, validationError(vres)
	}
	rules = MergeRules(rules)

	if err := e.dryRun(ctx, rules); err != nil {
		return nil, err
	}

	prev := *current
	prev.Status = StatusSuperseded
	if err := e.store.SaveVersion(ctx, &prev); err != nil {
		return nil, err
	}

	e.removeVendors(ctx, current)
	e.deindex(ctx, current)

	now := clock.Now()
	next := &Policy{
		ID:        id,
		Version:   current.Version + 1,
		Status:    StatusActive,
		Intent:    intent,
		Rules:     rules,
		CreatedAt: current.CreatedAt,
		UpdatedAt: now,
	}
	var ttl time.Duration
	if intent.DurationSeconds > 0 {
		ttl = time.Duration(intent.DurationSeconds * float64(time.Second))
		exp := now.Add(ttl)
		next.ExpiresAt = &exp
	}

	result := &ApplyResult{Policy: next}
	applyErr := e.applyVendors(ctx, next, result)
	if applyErr != nil && !result.Partial {
		return result, applyErr
	}

	if err := e.persist(ctx, next, ttl); err != nil {
		return result, err
	}
	e.updated.Add(1)
	e.logger.Info("policy updated", "policy_id", id, "version", next.Version)
	if result.Partial {
		return result, errors.Errorf(errors.KindPartialApply, "policy %s applied to a subset of vendors", id)
	}
	return result, nil
}

// Rollback reinstates the previous version's content as a new version.
// The version counter only moves forward.
func (e *Engine) Rollback(ctx context.Context, id string) (*ApplyResult, error) {
	current, err := e.store.GetPolicy(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Version <= 1 {
		return nil, errors.Errorf(errors.KindValidation, "policy %s has no earlier version to roll back to", id)
	}
	prev, err := e.store.GetVersion(ctx, id, current.Version-1)
	if err != nil {
		return nil, err
	}

	cur := *current
	cur.Status = StatusSuperseded
	if err := e.store.SaveVersion(ctx, &cur); err != nil {
		return nil, err
	}

	e.removeVendors(ctx, current)
	e.deindex(ctx, current)

	now := clock.Now()
	next := &Policy{
		ID:        id,
		Version:   current.Version + 1,
		Status:    StatusActive,
		Intent:    prev.Intent,
		Rules:     prev.Rules,
		CreatedAt: current.CreatedAt,
		UpdatedAt: now,
	}
	var ttl time.Duration
	if prev.Intent.DurationSeconds > 0 {
		ttl = time.Duration(prev.Intent.DurationSeconds * float64(time.Second))
		exp := now.Add(ttl)
		next.ExpiresAt = &exp
	}

	result := &ApplyResult{Policy: next}
	applyErr := e.applyVendors(ctx, next, result)
	if applyErr != nil && !result.Partial {
		return result, applyErr
	}

	if err := e.persist(ctx, next, ttl); err != nil {
		return result, err
	}
	e.rolledBack.Add(1)
	e.logger.Info("policy rolled back", "policy_id", id, "restored_version", current.Version-1, "new_version", next.Version)
	return result, nil
}

// Delete removes a policy from the vendors, the index, and the store.
func (e *Engine) Delete(ctx context.Context, id string) error {
	pol, err := e.store.GetPolicy(ctx, id)
	if err != nil {
		return err
	}

	pol.Status = StatusDeleted
	if err := e.store.SaveVersion(ctx, pol); err != nil {
		return err
	}

	e.removeVendors(ctx, pol)
	e.deindex(ctx, pol)
	if err := e.store.DeletePolicy(ctx, id); err != nil {
		return err
	}
	e.deleted.Add(1)
	e.logger.Info("policy deleted", "policy_id", id)
	return nil
}

// Get returns one policy by id.
func (e *Engine) Get(ctx context.Context, id string) (*Policy, error) {
	return e.store.GetPolicy(ctx, id)
}

// List returns all active policies ordered by descending priority, then
// by id for a stable order.
func (e *Engine) List(ctx context.Context) ([]*Policy, error) {
	policies, err := e.store.ListPolicies(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(policies, func(i, j int) bool {
		if policies[i].Intent.Priority != policies[j].Intent.Priority {
			return policies[i].Intent.Priority > policies[j].Intent.Priority
		}
		return policies[i].ID < policies[j].ID
	})
	return policies, nil
}

// CheckConflicts looks up each rule's selector in the index and reports
// collisions where the actions disagree and neither side is passive.
func (e *Engine) CheckConflicts(ctx context.Context, rules []Rule) ([]Conflict, error) {
	var out []Conflict
	seen := make(map[string]bool)
	for i := range rules {
		r := &rules[i]
		if r.Action.passive() {
			continue
		}
		key := r.SelectorKey()
		ids, err := e.store.IndexGet(ctx, key)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			existing, err := e.store.GetPolicy(ctx, id)
			if err != nil {
				if errors.GetKind(err) == errors.KindNotFound {
					continue // stale index entry
				}
				return nil, err
			}
			for j := range existing.Rules {
				ex := &existing.Rules[j]
				if ex.SelectorKey() != key || ex.Action.passive() || ex.Action == r.Action {
					continue
				}
				mark := key + "|" + id
				if seen[mark] {
					continue
				}
				seen[mark] = true
				out = append(out, Conflict{
					SelectorKey:    key,
					PolicyID:       id,
					ExistingAction: ex.Action,
					ProposedAction: r.Action,
				})
			}
		}
	}
	return out, nil
}

// Statistics snapshots the engine counters.
func (e *Engine) Statistics() Stats {
	return Stats{
		Created:    e.created.Load(),
		Updated:    e.updated.Load(),
		Deleted:    e.deleted.Load(),
		RolledBack: e.rolledBack.Load(),
		Expired:    e.expired.Load(),
		Conflicts:  e.conflicts.Load(),
	}
}

func (e *Engine) persist(ctx context.Context, pol *Policy, ttl time.Duration) error {
	if err := e.store.SavePolicy(ctx, pol, ttl); err != nil {
		return err
	}
	if err := e.store.SaveVersion(ctx, pol); err != nil {
		return err
	}
	for i := range pol.Rules {
		if err := e.store.IndexAdd(ctx, pol.Rules[i].SelectorKey(), pol.ID); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) deindex(ctx context.Context, pol *Policy) {
	for i := range pol.Rules {
		if err := e.store.IndexRemove(ctx, pol.Rules[i].SelectorKey(), pol.ID); err != nil {
			e.logger.Warn("index cleanup failed", "policy_id", pol.ID, "error", err)
		}
	}
}

func (e *Engine) dryRun(ctx context.Context, rules []Rule) error {
	for _, a := range e.adapters {
		if !a.Available(ctx) {
			continue
		}
		for i := range rules {
			if err := a.DryRun(ctx, rules[i]); err != nil {
				return errors.Wrapf(err, errors.KindValidation, "dry run rejected by %s", a.Name())
			}
		}
	}
	return nil
}

// applyVendors fans a policy out to every adapter. It returns an error
// only when no vendor succeeded; otherwise failures are recorded in the
// result and Partial is set.
func (e *Engine) applyVendors(ctx context.Context, pol *Policy, result *ApplyResult) error {
	if len(e.adapters) == 0 {
		return nil
	}

	succeeded := 0
	for _, a := range e.adapters {
		vr := VendorResult{Vendor: a.Name(), Success: true}
		if !a.Available(ctx) {
			vr.Success = false
			vr.Error = a.Name() + " backend unavailable"
			e.logger.Error("vendor unavailable", "vendor", a.Name(), "policy_id", pol.ID)
			result.Vendors = append(result.Vendors, vr)
			continue
		}
		var warnings []string
		for i := range pol.Rules {
			warning, err := e.applyWithRetry(ctx, a, pol.Rules[i])
			if err != nil {
				vr.Success = false
				vr.Error = err.Error()
				break
			}
			if warning != "" {
				warnings = append(warnings, warning)
			}
		}
		if len(warnings) > 0 {
			vr.Warning = warnings[0]
		}
		if vr.Success {
			succeeded++
		} else {
			e.logger.Error("vendor apply failed", "vendor", a.Name(), "policy_id", pol.ID, "error", vr.Error)
		}
		result.Vendors = append(result.Vendors, vr)
	}

	if succeeded == 0 {
		return errors.Errorf(errors.KindAdapterPermanent, "all %d vendors rejected policy %s", len(e.adapters), pol.ID)
	}
	if succeeded < len(e.adapters) {
		result.Partial = true
	}
	return nil
}

func (e *Engine) applyWithRetry(ctx context.Context, a VendorAdapter, rule Rule) (string, error) {
	delay := retryBaseDelay
	var lastErr error
	for attempt := 0; attempt <= maxApplyRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
			delay *= 2
			if delay > retryMaxDelay {
				delay = retryMaxDelay
			}
		}
		warning, err := a.Apply(ctx, rule)
		if err == nil {
			return warning, nil
		}
		lastErr = err
		if errors.GetKind(err) != errors.KindAdapterTransient {
			return "", err
		}
		e.logger.Warn("transient apply failure", "vendor", a.Name(), "rule_id", rule.ID, "attempt", attempt+1, "error", err)
	}
	return "", errors.Wrapf(lastErr, errors.KindAdapterPermanent, "%s: retries exhausted", a.Name())
}

func (e *Engine) removeVendors(ctx context.Context, pol *Policy) {
	for _, a := range e.adapters {
		if !a.Available(ctx) {
			continue
		}
		for i := range pol.Rules {
			if err := a.Remove(ctx, pol.Rules[i]); err != nil {
				e.logger.Warn("vendor remove failed", "vendor", a.Name(), "rule_id", pol.Rules[i].ID, "error", err)
			}
		}
	}
}

func (e *Engine) reapLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(reaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.reapExpired(ctx)
		case <-e.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// reapExpired removes vendor state for policies whose ExpiresAt has
// passed. Store TTLs already evict the records themselves.
func (e *Engine) reapExpired(ctx context.Context) {
	policies, err := e.store.ListPolicies(ctx)
	if err != nil {
		e.logger.Warn("expiry sweep failed", "error", err)
		return
	}
	now := clock.Now()
	for _, pol := range policies {
		if pol.ExpiresAt == nil || now.Before(*pol.ExpiresAt) {
			continue
		}
		e.logger.Info("policy expired", "policy_id", pol.ID)
		e.removeVendors(ctx, pol)
		e.deindex(ctx, pol)
		if err := e.store.DeletePolicy(ctx, pol.ID); err != nil {
			e.logger.Warn("expired policy cleanup failed", "policy_id", pol.ID, "error", err)
			continue
		}
		e.expired.Add(1)
	}
}

func validationError(vres ValidationResult) error {
	msg := "intent produced invalid rules"
	if len(vres.Errors) > 0 {
		msg = vres.Errors[0].Message
	}
	return errors.Attr(errors.Errorf(errors.KindValidation, "%s", msg), "validation", vres)
}
