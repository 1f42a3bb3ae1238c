package engine

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/assocmem/core/pkg/assocerr"
	"github.com/assocmem/core/pkg/scope"
)

const sessionScopeRoot = "session"

// SessionInfo describes one session scope and its age.
type SessionInfo struct {
	ID            string
	Scope         string
	MemoryCount   int
	LastActivity  time.Time
	OldestCreated time.Time
}

// SessionManageResult is the polymorphic result of session_manage;
// only the field matching the requested action is populated.
type SessionManageResult struct {
	CreatedSessionID string
	Sessions         []SessionInfo
	CleanedCount     int
}

// SessionManage implements spec §6 "session_manage": a convenience
// layer over scope naming, not a first-class identity concept (the
// core has no notion of session auth or ownership).
func (e *Engine) SessionManage(ctx context.Context, action, sessionID string, maxAgeDays int) (*SessionManageResult, error) {
	switch action {
	case "create":
		id := sessionID
		if id == "" {
			id = uuid.NewString()
		}
		return &SessionManageResult{CreatedSessionID: id}, nil

	case "list":
		scopes, err := e.metadata.ListScopes(ctx)
		if err != nil {
			return nil, err
		}
		var sessions []SessionInfo
		for _, sc := range scopes {
			if !strings.HasPrefix(sc, sessionScopeRoot+"/") {
				continue
			}
			info, err := e.sessionInfo(ctx, sc)
			if err != nil {
				continue
			}
			sessions = append(sessions, info)
		}
		return &SessionManageResult{Sessions: sessions}, nil

	case "cleanup":
		if maxAgeDays <= 0 {
			maxAgeDays = 30
		}
		cutoff := time.Now().UTC().AddDate(0, 0, -maxAgeDays)
		scopes, err := e.metadata.ListScopes(ctx)
		if err != nil {
			return nil, err
		}
		cleaned := 0
		for _, sc := range scopes {
			if !strings.HasPrefix(sc, sessionScopeRoot+"/") {
				continue
			}
			info, err := e.sessionInfo(ctx, sc)
			if err != nil || info.OldestCreated.After(cutoff) {
				continue
			}
			mems, err := e.metadata.List(ctx, scope.Exact(sc), 10_000, 0)
			if err != nil {
				continue
			}
			for _, m := range mems {
				if err := e.Delete(ctx, m.ID); err == nil {
					cleaned++
				}
			}
		}
		return &SessionManageResult{CleanedCount: cleaned}, nil
	}

	return nil, assocerr.New("engine.session_manage", assocerr.KindValidation, "unknown action: "+action)
}

func (e *Engine) sessionInfo(ctx context.Context, sc string) (SessionInfo, error) {
	mems, err := e.metadata.List(ctx, scope.Exact(sc), 10_000, 0)
	if err != nil {
		return SessionInfo{}, err
	}
	info := SessionInfo{Scope: sc, ID: strings.TrimPrefix(sc, sessionScopeRoot+"/"), MemoryCount: len(mems)}
	for i, m := range mems {
		if i == 0 || m.AccessedAt.After(info.LastActivity) {
			info.LastActivity = m.AccessedAt
		}
		if i == 0 || m.CreatedAt.Before(info.OldestCreated) {
			info.OldestCreated = m.CreatedAt
		}
	}
	return info, nil
}
