package replication

import (
	"fmt"

	"github.com/aretw0/tendril/pkg/codec"
	"github.com/aretw0/tendril/pkg/domain"
	"github.com/aretw0/tendril/pkg/observer"
	"github.com/aretw0/tendril/pkg/session"
)

// FieldInfo is the decoded view of a session field.
type FieldInfo struct {
	Value     any    `json:"value"`
	Kind      string `json:"kind"`
	Timestamp uint64 `json:"ts"`
	Origin    string `json:"origin"`
}

// SessionInfo describes a live session.
type SessionInfo struct {
	ID      string               `json:"id"`
	Handles int                  `json:"handles"`
	Peers   []string             `json:"peers"`
	Keys    []string             `json:"keys,omitempty"`
	Fields  map[string]FieldInfo `json:"fields,omitempty"`
	Size    int                  `json:"size"`
}

// Sessions summarizes every live session, without field values.
func (e *Engine) Sessions() []SessionInfo {
	recs := e.sessions.Records()
	out := make([]SessionInfo, 0, len(recs))
	for _, rec := range recs {
		info, err := e.describe(rec.ID, false)
		if err != nil {
			continue
		}
		out = append(out, info)
	}
	return out
}

// Session describes sessionID including its decoded fields.
func (e *Engine) Session(sessionID string) (SessionInfo, error) {
	return e.describe(sessionID, true)
}

func (e *Engine) describe(sessionID string, withFields bool) (SessionInfo, error) {
	info := SessionInfo{ID: sessionID, Handles: e.sessions.HandleCount(sessionID)}
	raw := make(map[string]domain.Field)
	err := e.sessions.WithRecord(sessionID, func(r *session.Record) error {
		info.Peers = r.Peers().Peers()
		info.Size = r.Fields().Size()
		info.Keys = r.Fields().Keys()
		if withFields {
			for _, k := range info.Keys {
				raw[k], _ = r.Fields().Get(k)
			}
		}
		return nil
	})
	if err != nil {
		return SessionInfo{}, err
	}
	if !withFields {
		info.Keys = nil
		return info, nil
	}

	info.Fields = make(map[string]FieldInfo, len(raw))
	for k, f := range raw {
		v, err := codec.Decode(f.Value)
		if err != nil {
			v = string(f.Value)
		}
		info.Fields[k] = FieldInfo{
			Value:     v,
			Kind:      codec.KindOf(f.Value).String(),
			Timestamp: f.Timestamp,
			Origin:    f.Origin,
		}
	}
	return info, nil
}

// Observe registers fn for both change and status events of sessionID.
// The returned function removes the registrations.
func (e *Engine) Observe(sessionID string, fn observer.Callback) (func(), error) {
	rec, ok := e.sessions.Lookup(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrSessionNotFound, sessionID)
	}
	obs := rec.Observers()
	change := obs.Add(domain.EventChange, fn)
	status := obs.Add(domain.EventStatus, fn)
	return func() {
		obs.Remove(domain.EventChange, change)
		obs.Remove(domain.EventStatus, status)
	}, nil
}
