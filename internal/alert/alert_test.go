package alert

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_KeepsMostRecent(t *testing.T) {
	r := NewRecorder(2)
	for _, id := range []string{"a", "b", "c"} {
		r.Emit(context.Background(), Alert{GroupID: id})
	}
	got := r.Recent()
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].GroupID)
	assert.Equal(t, "c", got[1].GroupID)
}

func TestChannel_DropsWhenFull(t *testing.T) {
	c := NewChannel(1)
	c.Emit(context.Background(), Alert{GroupID: "1"})
	c.Emit(context.Background(), Alert{GroupID: "2"})
	assert.Len(t, c.C, 1)
	assert.Equal(t, "1", (<-c.C).GroupID)
}

func TestFanout(t *testing.T) {
	a, b := NewRecorder(4), NewRecorder(4)
	Fanout{a, nil, b, LogSink{}}.Emit(context.Background(), Alert{Severity: SeverityCritical, Kind: KindRollbackFailed, GroupID: "g"})
	assert.Len(t, a.Recent(), 1)
	assert.Len(t, b.Recent(), 1)
}

func TestWebhookSink_PostsJSON(t *testing.T) {
	got := make(chan Alert, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var a Alert
		if err := json.NewDecoder(r.Body).Decode(&a); err == nil {
			got <- a
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	NewWebhookSink(srv.URL, time.Second).Emit(context.Background(), Alert{
		Severity: SeverityCritical,
		Kind:     KindRollbackFailed,
		GroupID:  "g-42",
		Message:  "reversing order rejected",
	})
	select {
	case a := <-got:
		assert.Equal(t, KindRollbackFailed, a.Kind)
		assert.Equal(t, "g-42", a.GroupID)
	case <-time.After(2 * time.Second):
		t.Fatal("webhook not called")
	}
}
