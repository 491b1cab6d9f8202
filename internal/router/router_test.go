package router

import (
	"testing"
	"time"

	"hooktail"
	"hooktail/internal/filter"
)

func TestDetectType(t *testing.T) {
	up := func(fields ...string) *hooktail.UpdateDescription {
		u := &hooktail.UpdateDescription{Updated: map[string]any{}}
		for _, f := range fields {
			u.Updated[f] = "x"
		}
		return u
	}
	cases := []struct {
		collection string
		op         hooktail.Operation
		update     *hooktail.UpdateDescription
		want       string
	}{
		{"Issue", hooktail.OpInsert, nil, "issue.created"},
		{"Issue", hooktail.OpDelete, nil, "issue.deleted"},
		{"Issue", hooktail.OpUpdate, up("status"), "issue.status_changed"},
		{"Issue", hooktail.OpUpdate, up("status", "assignee"), "issue.status_changed"},
		{"Issue", hooktail.OpUpdate, up("assignee"), "issue.assigned"},
		{"Issue", hooktail.OpUpdate, up("title"), "issue.updated"},
		{"Issue", hooktail.OpUpdate, nil, "issue.updated"},
		{"Project", hooktail.OpInsert, nil, "project.created"},
		{"Space", hooktail.OpUpdate, nil, "project.updated"},
		{"Project", hooktail.OpDelete, nil, "project.archived"},
		{"Comment", hooktail.OpInsert, nil, "comment.created"},
		{"Comment", hooktail.OpDelete, nil, "comment.created"},
		{"Attachment", hooktail.OpUpdate, nil, "attachment.added"},
		{"Unknown", hooktail.OpInsert, nil, "issue.updated"},
	}
	for _, tc := range cases {
		got := DetectType(tc.collection, tc.op, tc.update)
		if got != tc.want {
			t.Errorf("DetectType(%s, %s) = %s, want %s", tc.collection, tc.op, got, tc.want)
		}
	}
}

func TestTransformStatusChange(t *testing.T) {
	rec := hooktail.ChangeRecord{
		Operation:   hooktail.OpUpdate,
		Namespace:   hooktail.Namespace{Database: "tracker", Collection: "Issue"},
		DocumentKey: "ISSUE-42",
		FullDocument: map[string]any{
			"_id":       "ISSUE-42",
			"title":     "Login broken",
			"status":    "InProgress",
			"workspace": "acme",
		},
		Update: &hooktail.UpdateDescription{
			Updated: map[string]any{"status": "InProgress"},
		},
		ClusterTime: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}

	event := Transform(rec)
	if event.Type != "issue.status_changed" {
		t.Errorf("type = %s", event.Type)
	}
	if event.Workspace != "acme" {
		t.Errorf("workspace = %s", event.Workspace)
	}
	change, ok := event.Changes["status"].(map[string]any)
	if !ok || change["to"] != "InProgress" {
		t.Errorf("changes.status = %v", event.Changes["status"])
	}
	if event.Data["id"] != "ISSUE-42" || event.Data["title"] != "Login broken" {
		t.Errorf("data = %v", event.Data)
	}
	if event.Timestamp != rec.ClusterTime {
		t.Errorf("timestamp = %v", event.Timestamp)
	}
}

func TestTransformDelete(t *testing.T) {
	rec := hooktail.ChangeRecord{
		Operation:   hooktail.OpDelete,
		Namespace:   hooktail.Namespace{Database: "tracker", Collection: "Issue"},
		DocumentKey: "ISSUE-7",
	}
	event := Transform(rec)
	if event.Type != "issue.deleted" {
		t.Errorf("type = %s", event.Type)
	}
	if event.Data["id"] != "ISSUE-7" || event.Data["deleted"] != true {
		t.Errorf("data = %v", event.Data)
	}
	// No document, so the workspace falls back to the database.
	if event.Workspace != "tracker" {
		t.Errorf("workspace = %s", event.Workspace)
	}
}

func TestTransformRemovedFields(t *testing.T) {
	rec := hooktail.ChangeRecord{
		Operation: hooktail.OpUpdate,
		Namespace: hooktail.Namespace{Collection: "Issue"},
		Update: &hooktail.UpdateDescription{
			Updated: map[string]any{"priority": "high"},
			Removed: []string{"assignee"},
		},
	}
	event := Transform(rec)
	if got := event.Changes["priority"].(map[string]any)["to"]; got != "high" {
		t.Errorf("changes.priority.to = %v", got)
	}
	if got := event.Changes["assignee"].(map[string]any)["removed"]; got != true {
		t.Errorf("changes.assignee.removed = %v", got)
	}
}

func TestMatchType(t *testing.T) {
	cases := []struct {
		pattern, eventType string
		want               bool
	}{
		{"issue.created", "issue.created", true},
		{"issue.created", "issue.deleted", false},
		{"issue.*", "issue.created", true},
		{"issue.*", "issue.status_changed", true},
		{"issue.*", "project.created", false},
		{"*", "anything.at_all", true},
	}
	for _, tc := range cases {
		if got := MatchType(tc.pattern, tc.eventType); got != tc.want {
			t.Errorf("MatchType(%q, %q) = %v, want %v", tc.pattern, tc.eventType, got, tc.want)
		}
	}
}

func subscriber(patterns ...string) hooktail.Subscriber {
	return hooktail.Subscriber{
		ID:      "sub-1",
		URL:     "https://example.test/hook",
		Events:  patterns,
		Enabled: true,
	}
}

func TestMatchFilterAndEnabled(t *testing.T) {
	r := New(filter.NewEngine())
	event := hooktail.Event{
		Type: "issue.created",
		Data: map[string]any{"priority": "high"},
	}

	sub := subscriber("issue.*")
	if !r.Match(sub, event, "Issue") {
		t.Error("pattern issue.* should match issue.created")
	}

	sub.Enabled = false
	if r.Match(sub, event, "Issue") {
		t.Error("disabled subscriber must not match")
	}
	sub.Enabled = true

	sub.Filter = `data.priority == "high" || data.priority == "urgent"`
	if !r.Match(sub, event, "Issue") {
		t.Error("priority filter should admit high")
	}
	event.Data["priority"] = "low"
	if r.Match(sub, event, "Issue") {
		t.Error("priority filter should reject low")
	}

	// A broken filter fails closed.
	sub.Filter = `data.priority ==`
	event.Data["priority"] = "high"
	if r.Match(sub, event, "Issue") {
		t.Error("unparseable filter must reject")
	}
}

func TestMatchCollectionFilter(t *testing.T) {
	r := New(filter.NewEngine())
	event := hooktail.Event{Type: "comment.created"}

	sub := subscriber("*")
	sub.Collections = []string{"Comment"}
	if !r.Match(sub, event, "Comment") {
		t.Error("collection in filter list should match")
	}
	if r.Match(sub, event, "Issue") {
		t.Error("collection outside filter list must not match")
	}
}

func TestRouteOrder(t *testing.T) {
	r := New(filter.NewEngine())
	rec := hooktail.ChangeRecord{
		Operation:    hooktail.OpInsert,
		Namespace:    hooktail.Namespace{Database: "tracker", Collection: "Issue"},
		DocumentKey:  "ISSUE-1",
		FullDocument: map[string]any{"_id": "ISSUE-1", "title": "t"},
	}
	a, b, c := subscriber("issue.*"), subscriber("project.*"), subscriber("*")
	a.ID, b.ID, c.ID = "a", "b", "c"

	event, matched := r.Route(rec, []hooktail.Subscriber{a, b, c})
	if event.Type != "issue.created" {
		t.Errorf("type = %s", event.Type)
	}
	if len(matched) != 2 || matched[0].ID != "a" || matched[1].ID != "c" {
		t.Errorf("matched = %+v", matched)
	}
}
