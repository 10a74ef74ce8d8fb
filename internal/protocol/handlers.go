package protocol

import (
	"fmt"
	"strings"
	"time"

	"github.com/d0labs/taskflow/internal/events"
	"github.com/d0labs/taskflow/internal/runresult"
	"github.com/d0labs/taskflow/internal/store"
)

// maxDelegationDepth caps handoff.request at one level: a task may be
// delegated from its original assignee to one other agent, but that
// agent may not delegate again. Deeper chains are rejected as
// nested_delegation rather than silently truncated, so a runaway
// delegation loop surfaces immediately instead of as a mystery stuck
// task days later.
const maxDelegationDepth = 1

// handleCompletionReport applies the reported outcome to t and, when
// a run result store is configured, persists the report as a durable
// artifact before the task's own status changes — so a daemon that
// crashes mid-reconciliation can recover the report on restart
// instead of losing it.
func (r *Router) handleCompletionReport(t *store.Task, env *Envelope) error {
	outcome := env.Outcome.normalize()

	if r.runs != nil {
		if err := r.runs.Write(runresult.Result{
			TaskID:       t.ID,
			Agent:        env.Agent,
			Outcome:      runresult.Outcome(outcome),
			Summary:      env.Summary,
			Blockers:     env.Blockers,
			ReviewNeeded: env.ReviewRequired != nil && *env.ReviewRequired,
			FinishedAt:   env.SentAt,
		}); err != nil {
			return fmt.Errorf("handle completion.report: write run result: %w", err)
		}
	}

	if err := r.applyCompletionOutcome(t, env.Agent, outcome, env.Summary, env.Blockers, env.ReviewRequired); err != nil {
		return fmt.Errorf("handle completion.report: %w", err)
	}

	if r.runs != nil {
		if err := r.runs.Clear(t.ID); err != nil {
			r.logger.Warn("failed to clear reconciled run result", "task", t.ID, "err", err)
		}
	}
	return nil
}

// applyCompletionOutcome is the transition logic shared by a live
// completion.report and session_end reconciliation of an orphaned run
// result: done moves a task to review (or straight to done when the
// task's own reviewRequired metadata is false and the report didn't
// override it), blocked and partial move it to blocked with the
// reported blockers recorded, and needs_review moves it to review
// with the summary preserved for whichever gate the task's workflow
// places it at next.
func (r *Router) applyCompletionOutcome(t *store.Task, agent string, outcome Outcome, summary string, blockers []string, reviewOverride *bool) error {
	switch outcome {
	case OutcomeDone:
		reviewRequired := t.Metadata.Bool(store.MetaReviewRequired, true)
		if reviewOverride != nil {
			reviewRequired = *reviewOverride
		}
		if err := r.leases.Release(t.ID, agent); err != nil {
			return err
		}
		if reviewRequired {
			updated, err := r.tasks.Transition(t.ID, store.StatusReview)
			if err != nil {
				return err
			}
			r.publish(events.TypeTaskTransitioned, updated, map[string]any{
				"to": string(store.StatusReview), "agent": agent, "summary": summary,
			})
			return nil
		}
		updated, err := r.tasks.Transition(t.ID, store.StatusReview)
		if err != nil {
			return err
		}
		updated, err = r.tasks.Transition(t.ID, store.StatusDone)
		if err != nil {
			return err
		}
		r.publish(events.TypeTaskCompleted, updated, map[string]any{"agent": agent, "summary": summary})
		return nil

	case OutcomeNeedsReview:
		if err := r.leases.Release(t.ID, agent); err != nil {
			return err
		}
		updated, err := r.tasks.Transition(t.ID, store.StatusReview)
		if err != nil {
			return err
		}
		r.publish(events.TypeTaskTransitioned, updated, map[string]any{
			"to": string(store.StatusReview), "agent": agent, "summary": summary, "reviewRequested": true,
		})
		return nil

	case OutcomeBlocked, OutcomePartial:
		reason := strings.Join(blockers, "; ")
		if reason == "" {
			reason = summary
		}
		updated, err := r.tasks.Update(t.ID, func(t *store.Task) error {
			t.Metadata.Set(store.MetaBlockReason, reason)
			t.Metadata.Set(store.MetaLastDispatchReason, summary)
			return t.TransitionTo(store.StatusBlocked)
		})
		if err != nil {
			return err
		}
		if err := r.leases.Release(t.ID, agent); err != nil {
			return fmt.Errorf("release after block: %w", err)
		}
		r.publish(events.TypeTaskBlocked, updated, map[string]any{
			"agent": agent, "outcome": string(outcome), "blockers": blockers,
		})
		return nil

	default:
		return fmt.Errorf("unknown outcome %q", outcome)
	}
}

// handleStatusUpdate renews the sender's lease as a heartbeat and
// records a status note without changing the task's status.
func (r *Router) handleStatusUpdate(t *store.Task, env *Envelope) error {
	if t.Lease != nil && t.Lease.Agent == env.Agent {
		if _, err := r.leases.Renew(t.ID, env.Agent); err != nil {
			return fmt.Errorf("handle status.update: %w", err)
		}
	}
	updated, err := r.tasks.Update(t.ID, func(t *store.Task) error {
		if env.Summary != "" {
			t.Metadata.Set("lastStatusSummary", env.Summary)
		}
		t.Metadata.SetTime(store.MetaLastHeartbeatAt, env.SentAt)
		return nil
	})
	if err != nil {
		return fmt.Errorf("handle status.update: %w", err)
	}
	r.publish(events.TypeLeaseRenewed, updated, map[string]any{"agent": env.Agent, "heartbeat": env.Heartbeat})
	return nil
}

// handleHandoffRequest records the requested delegation target on the
// task without yet moving it; the receiving agent must accept via
// handoff.accepted before routing actually changes. A task already at
// the maximum delegation depth is rejected outright rather than
// silently queued, so a delegation chain can't grow past one hop.
func (r *Router) handleHandoffRequest(t *store.Task, env *Envelope) error {
	depth := t.Metadata.Int(store.MetaDelegationDepth, 0)
	if depth >= maxDelegationDepth {
		r.publish(events.TypeProtocolMessageRejected, t, map[string]any{
			"kind": "handoff.request", "reason": "nested_delegation", "from": env.Agent,
		})
		return fmt.Errorf("handle handoff.request: task %s is already at max delegation depth %d", t.ID, maxDelegationDepth)
	}

	updated, err := r.tasks.Update(t.ID, func(t *store.Task) error {
		t.Metadata.Set("pendingHandoffTo", env.ToAgent)
		t.Metadata.Set("pendingHandoffRole", env.ToRole)
		t.Metadata.Set("pendingHandoffReason", env.Reason)
		t.Metadata.Set("pendingHandoffFrom", env.Agent)
		t.Metadata.SetTime("pendingHandoffRequestedAt", env.SentAt)
		return nil
	})
	if err != nil {
		return fmt.Errorf("handle handoff.request: %w", err)
	}

	if err := writeHandoffArtifacts(r.tasks.Root(), updated.Status, updated.ID, handoffArtifact{
		From:    env.Agent,
		ToAgent: env.ToAgent,
		ToRole:  env.ToRole,
		Reason:  env.Reason,
		SentAt:  env.SentAt,
	}); err != nil {
		r.logger.Warn("failed to write handoff artifacts", "task", t.ID, "err", err)
	}

	r.publish(events.TypeDelegationRequested, updated, map[string]any{
		"from": env.Agent, "toAgent": env.ToAgent, "toRole": env.ToRole, "reason": env.Reason,
	})
	return nil
}

// handleHandoffAccepted finalizes a pending handoff: releases the
// prior agent's lease, repoints routing at the accepting agent, and
// advances the task's recorded delegation depth.
func (r *Router) handleHandoffAccepted(t *store.Task, env *Envelope) error {
	pendingTo := t.Metadata.String("pendingHandoffTo")
	if pendingTo != "" && pendingTo != env.Agent {
		return fmt.Errorf("handle handoff.accepted: task %s handoff was offered to %s, not %s", t.ID, pendingTo, env.Agent)
	}
	fromAgent := t.Metadata.String("pendingHandoffFrom")

	updated, err := r.tasks.Update(t.ID, func(t *store.Task) error {
		t.Routing.Agent = env.Agent
		t.Routing.Role = ""
		t.Routing.Team = ""
		t.Metadata.Set(store.MetaDelegationDepth, t.Metadata.Int(store.MetaDelegationDepth, 0)+1)
		delete(t.Metadata, "pendingHandoffTo")
		delete(t.Metadata, "pendingHandoffRole")
		delete(t.Metadata, "pendingHandoffReason")
		delete(t.Metadata, "pendingHandoffFrom")
		delete(t.Metadata, "pendingHandoffRequestedAt")
		return nil
	})
	if err != nil {
		return fmt.Errorf("handle handoff.accepted: %w", err)
	}
	if fromAgent != "" {
		if err := r.leases.Release(t.ID, fromAgent); err != nil {
			r.logger.Warn("failed to release prior agent's lease on handoff", "task", t.ID, "agent", fromAgent, "err", err)
		}
	}
	r.publish(events.TypeDelegationAccepted, updated, map[string]any{
		"agent": env.Agent, "from": fromAgent,
	})
	return nil
}

// handleHandoffRejected clears a pending handoff offer and moves the
// task to blocked so the scheduler's recovery pass, not a silent
// no-op, decides what happens next — the original agent offered the
// work away for a reason and is not assumed to still be available.
func (r *Router) handleHandoffRejected(t *store.Task, env *Envelope) error {
	updated, err := r.tasks.Update(t.ID, func(t *store.Task) error {
		delete(t.Metadata, "pendingHandoffTo")
		delete(t.Metadata, "pendingHandoffRole")
		delete(t.Metadata, "pendingHandoffReason")
		delete(t.Metadata, "pendingHandoffFrom")
		delete(t.Metadata, "pendingHandoffRequestedAt")
		t.Metadata.Set(store.MetaBlockReason, "handoff rejected: "+env.Reason)
		t.Metadata.SetTime(store.MetaLastBlockedAt, time.Now())
		if t.Status == store.StatusBlocked {
			return nil
		}
		return t.TransitionTo(store.StatusBlocked)
	})
	if err != nil {
		return fmt.Errorf("handle handoff.rejected: %w", err)
	}
	r.publish(events.TypeDelegationRejected, updated, map[string]any{
		"agent": env.Agent, "reason": env.Reason,
	})
	return nil
}

// handleSessionEnd releases the sending agent's lease without
// changing task status, used when an agent process exits cleanly
// mid-task (e.g. a context-window reset) and expects redispatch. A
// session_end that carries a completed run result is reconciled the
// same way a live completion.report would be, by ReconcileSessionEnd
// rather than here, since this handler only runs when a task ID is
// given directly.
func (r *Router) handleSessionEnd(t *store.Task, env *Envelope) error {
	if err := r.leases.Release(t.ID, env.Agent); err != nil {
		return fmt.Errorf("handle session_end: %w", err)
	}
	r.publish(events.TypeLeaseReleased, t, map[string]any{"agent": env.Agent, "reason": "session_end"})
	return nil
}
