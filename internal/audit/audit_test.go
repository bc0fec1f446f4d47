package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/idp/internal/store"
)

func TestRecord(t *testing.T) {
	db := store.NewMemoryDB()
	r := NewRecorder(db, nil)
	ctx := context.Background()

	r.Record(ctx, Event{UserID: "u1", ClientID: "sso_a", Action: store.ActionConsent, IPAddress: "1.2.3.4", UserAgent: "test"})
	r.Record(ctx, Event{ClientID: "sso_a", Action: store.ActionToken})

	logs, total, err := db.ListAuthLogs(ctx, "u1", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, logs, 1)
	assert.Equal(t, store.ActionConsent, logs[0].Action)
	assert.Equal(t, "1.2.3.4", logs[0].IPAddress)
	assert.NotEmpty(t, logs[0].ID)
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() { r.Record(context.Background(), Event{UserID: "u1"}) })
}
