package orchestrator

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/riordanpawley/azedarach/internal/event"
	"github.com/riordanpawley/azedarach/internal/session"
)

// Recover rebuilds the registry after a restart. Persisted records whose
// multiplexer session is still alive keep their state and are monitored
// again. Records whose session vanished become Idle with the workspace left
// on disk. Prefixed multiplexer sessions with no record are adopted as Busy.
func (o *Orchestrator) Recover(ctx context.Context) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.recover")
	defer span.End()

	records := make(map[string]*session.Session)
	if o.store != nil {
		loaded, err := o.store.Load()
		if err != nil {
			return fmt.Errorf("failed to load session snapshot: %w", err)
		}
		records = loaded
	}

	names, err := o.mux.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list multiplexer sessions: %w", err)
	}
	live := make(map[string]bool, len(names))
	for _, n := range names {
		live[n] = true
	}

	type change struct {
		old, new session.State
		runID    string
	}
	changes := make(map[string]change)
	claimed := make(map[string]bool)

	now := time.Now().UTC()
	for id, rec := range records {
		name := rec.TmuxSession
		if name == "" {
			name = o.lifecycle.SessionName(id)
		}
		old := rec.State
		switch {
		case live[name]:
			claimed[name] = true
			rec.TmuxSession = name
			if rec.State == session.StateIdle || rec.State == session.StateInitializing {
				rec.State = session.StateBusy
			}
			if rec.WorkspacePath == "" {
				if ws, err := o.lifecycle.Resolve(id); err == nil {
					rec.WorkspacePath, rec.Branch = ws.Path, ws.Branch
				}
			}
			if o.dev != nil {
				if err := o.dev.Restore(id, rec.DevServer); err != nil {
					o.logger.WithTask(id).Warn("dev server port unavailable after restart", "error", err)
					rec.DevServer.Running = false
				}
			}
		case rec.State != session.StateIdle || rec.HasResources():
			rec.State = session.StateIdle
			rec.ClearResources()
		default:
			continue
		}
		rec.UpdatedAt = now
		if old != rec.State {
			changes[id] = change{old: old, new: rec.State, runID: rec.RunID}
		}
	}

	prefix := o.lifecycle.SessionPrefix() + "-"
	for _, name := range names {
		if claimed[name] || !strings.HasPrefix(name, prefix) {
			continue
		}
		id := strings.TrimPrefix(name, prefix)
		if _, ok := records[id]; ok || o.lifecycle.SessionName(id) != name {
			continue
		}
		ws, err := o.lifecycle.Resolve(id)
		if err != nil {
			continue
		}
		rec := session.New(id)
		rec.State = session.StateBusy
		rec.WorkspacePath, rec.Branch, rec.TmuxSession = ws.Path, ws.Branch, name
		rec.UpdatedAt = now
		records[id] = rec
		changes[id] = change{old: session.StateIdle, new: session.StateBusy}
		o.logger.WithTask(id).Info("adopted running session", "session", name)
	}

	o.mu.Lock()
	o.sessions = records
	o.mu.Unlock()

	if o.store != nil {
		o.persistMu.Lock()
		err := o.store.Update(ctx, func(disk map[string]*session.Session) error {
			clear(disk)
			maps.Copy(disk, cloneAll(records))
			return nil
		})
		o.persistMu.Unlock()
		if err != nil {
			o.logger.Warn("failed to persist recovered sessions", "error", err)
		}
	}

	monitored := 0
	for id, rec := range records {
		if rec.State.IsMonitored() {
			o.monitor.StartFrom(id, rec.State)
			monitored++
		}
	}
	for id, c := range changes {
		o.bus.Publish(event.NewStateChangedEvent(id, c.runID, c.old, c.new, event.SourceRecover))
	}
	o.logger.Info("sessions recovered", "records", len(records), "monitored", monitored, "changed", len(changes))
	return nil
}

// Sync adopts records written to the snapshot by another process since this
// one last touched them, and aligns the pollers with the adopted states.
// Records this process wrote itself compare equal and are skipped.
func (o *Orchestrator) Sync(ctx context.Context) error {
	if o.store == nil {
		return nil
	}
	loadedAt := time.Now().UTC()
	records, err := o.store.Load()
	if err != nil {
		return fmt.Errorf("failed to load session snapshot: %w", err)
	}

	o.mu.RLock()
	var ids []string
	for id, rec := range records {
		mem, ok := o.sessions[id]
		if !ok || rec.UpdatedAt.After(mem.UpdatedAt) {
			ids = append(ids, id)
		}
	}
	for id := range o.sessions {
		if _, ok := records[id]; !ok {
			ids = append(ids, id)
		}
	}
	o.mu.RUnlock()

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		o.syncOne(id, records[id], loadedAt)
	}
	return nil
}

// syncOne replaces the record for id with rec, or removes it when rec is nil
// and the in-memory record predates the snapshot read.
func (o *Orchestrator) syncOne(id string, rec *session.Session, loadedAt time.Time) {
	unlock := o.lock(id)
	defer unlock()

	o.mu.Lock()
	mem, had := o.sessions[id]
	stale := had && rec != nil && !rec.UpdatedAt.After(mem.UpdatedAt)
	fresh := had && rec == nil && mem.UpdatedAt.After(loadedAt)
	if stale || fresh || (!had && rec == nil) {
		o.mu.Unlock()
		return
	}
	old, runID := session.StateIdle, ""
	if had {
		old, runID = mem.State, mem.RunID
	}
	next := session.StateIdle
	if rec != nil {
		o.sessions[id] = rec
		next, runID = rec.State, rec.RunID
	} else {
		delete(o.sessions, id)
	}
	o.mu.Unlock()

	if next.IsMonitored() {
		o.monitor.StartFrom(id, next)
	} else {
		o.monitor.Stop(id)
	}
	if o.dev != nil && rec != nil {
		if err := o.dev.Restore(id, rec.DevServer); err != nil {
			o.logger.WithTask(id).Debug("dev server port not restored", "error", err)
		}
	}
	if old != next {
		o.bus.Publish(event.NewStateChangedEvent(id, runID, old, next, event.SourceRecover))
	}
	o.logger.WithTask(id).Debug("session synced from snapshot", "state", next.String())
}

func cloneAll(records map[string]*session.Session) map[string]*session.Session {
	out := make(map[string]*session.Session, len(records))
	for id, s := range records {
		out[id] = s.Clone()
	}
	return out
}
