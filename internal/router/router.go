// Package router turns change records into webhook events and selects the
// subscribers that should receive them.
package router

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"hooktail"
	"hooktail/internal/filter"
)

// payloadFields are the document fields surfaced into the event payload.
var payloadFields = []string{
	"id", "title", "description", "status", "priority", "assignee",
	"project", "createdAt", "modifiedAt", "createdDate", "modifiedDate",
}

// DetectType classifies a change into an event type. Pure in its inputs.
func DetectType(collection string, op hooktail.Operation, update *hooktail.UpdateDescription) string {
	switch strings.ToLower(collection) {
	case "issue", "issues":
		switch op {
		case hooktail.OpInsert:
			return "issue.created"
		case hooktail.OpDelete:
			return "issue.deleted"
		case hooktail.OpUpdate:
			if update != nil {
				if _, ok := update.Updated["status"]; ok {
					return "issue.status_changed"
				}
				if _, ok := update.Updated["assignee"]; ok {
					return "issue.assigned"
				}
			}
			return "issue.updated"
		}
	case "space", "project", "spaces", "projects":
		switch op {
		case hooktail.OpInsert:
			return "project.created"
		case hooktail.OpUpdate:
			return "project.updated"
		case hooktail.OpDelete:
			return "project.archived"
		}
	case "comment", "comments":
		return "comment.created"
	case "attachment", "attachments":
		return "attachment.added"
	}
	return "issue.updated"
}

// Transform derives the webhook event for one change record.
func Transform(rec hooktail.ChangeRecord) hooktail.Event {
	event := hooktail.Event{
		ID:        uuid.NewString(),
		Type:      DetectType(rec.Namespace.Collection, rec.Operation, rec.Update),
		Workspace: workspace(rec),
		Timestamp: eventTime(rec),
		Data:      payload(rec),
		Changes:   changes(rec.Update),
		Source: hooktail.EventSource{
			Database:   rec.Namespace.Database,
			Collection: rec.Namespace.Collection,
			Operation:  rec.Operation,
		},
	}
	return event
}

func eventTime(rec hooktail.ChangeRecord) time.Time {
	if !rec.ClusterTime.IsZero() {
		return rec.ClusterTime.UTC()
	}
	return time.Now().UTC()
}

func payload(rec hooktail.ChangeRecord) map[string]any {
	if rec.Operation == hooktail.OpDelete {
		return map[string]any{"id": rec.DocumentKey, "deleted": true}
	}
	out := map[string]any{"id": rec.DocumentKey}
	for _, f := range payloadFields {
		if v, ok := rec.FullDocument[f]; ok {
			out[f] = v
		}
	}
	if id, ok := rec.FullDocument["_id"]; ok {
		out["id"] = id
	}
	return out
}

func workspace(rec hooktail.ChangeRecord) string {
	for _, f := range []string{"workspace", "space", "tenant"} {
		if v, ok := rec.FullDocument[f].(string); ok && v != "" {
			return v
		}
	}
	return rec.Namespace.Database
}

func changes(update *hooktail.UpdateDescription) map[string]any {
	if update == nil || (len(update.Updated) == 0 && len(update.Removed) == 0) {
		return nil
	}
	out := make(map[string]any, len(update.Updated)+len(update.Removed))
	for field, value := range update.Updated {
		out[field] = map[string]any{"to": value}
	}
	for _, field := range update.Removed {
		out[field] = map[string]any{"removed": true}
	}
	return out
}

// MatchType reports whether an event type matches a subscribed pattern:
// a literal, the bare wildcard "*", or a trailing-wildcard glob ("issue.*").
func MatchType(pattern, eventType string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(eventType, prefix)
	}
	return pattern == eventType
}

// Env builds the evaluation environment a filter expression sees: the full
// event envelope as a tree.
func Env(event hooktail.Event) map[string]any {
	return map[string]any{
		"id":        event.ID,
		"type":      event.Type,
		"workspace": event.Workspace,
		"timestamp": event.Timestamp,
		"data":      event.Data,
		"changes":   event.Changes,
		"source": map[string]any{
			"database":   event.Source.Database,
			"collection": event.Source.Collection,
			"operation":  string(event.Source.Operation),
		},
	}
}

// Router selects subscribers for events.
type Router struct {
	filters *filter.Engine
}

func New(filters *filter.Engine) *Router {
	return &Router{filters: filters}
}

// Match reports whether a subscriber should receive the event. Filter
// evaluation fails closed.
func (r *Router) Match(sub hooktail.Subscriber, event hooktail.Event, collection string) bool {
	if !sub.Enabled {
		return false
	}
	matched := false
	for _, pattern := range sub.Events {
		if MatchType(pattern, event.Type) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}
	if len(sub.Collections) > 0 {
		ok := false
		for _, c := range sub.Collections {
			if strings.EqualFold(c, collection) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if sub.Filter != "" {
		return r.filters.Match(sub.Filter, Env(event))
	}
	return true
}

// Route transforms the record and returns the event together with the
// matching subscribers, in input order.
func (r *Router) Route(rec hooktail.ChangeRecord, subs []hooktail.Subscriber) (hooktail.Event, []hooktail.Subscriber) {
	event := Transform(rec)
	var matched []hooktail.Subscriber
	for _, sub := range subs {
		if r.Match(sub, event, rec.Namespace.Collection) {
			matched = append(matched, sub)
		}
	}
	return event, matched
}
