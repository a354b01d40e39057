//go:build integration
// +build integration

package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/ssuji15/ciwatch/internal/aggregator"
	"github.com/ssuji15/ciwatch/internal/classifier"
	"github.com/ssuji15/ciwatch/internal/component"
	"github.com/ssuji15/ciwatch/internal/config"
	"github.com/ssuji15/ciwatch/internal/dataset"
	"github.com/ssuji15/ciwatch/internal/db"
	"github.com/ssuji15/ciwatch/internal/snapshot"
	"github.com/ssuji15/ciwatch/model"
	tdb "github.com/ssuji15/ciwatch/tests/integration_test/infra/db"
	tjetstream "github.com/ssuji15/ciwatch/tests/integration_test/infra/jetstream"
)

var (
	testDB        *db.DB
	dbContainer   testcontainers.Container
	natsContainer testcontainers.Container
	JETSTREAM_URL string
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	dbContainer, testDB, _ = tdb.SetupContainer(ctx)
	natsContainer, JETSTREAM_URL = tjetstream.SetupContainer(ctx)

	code := m.Run()
	testDB.Close()
	_ = natsContainer.Terminate(ctx)
	_ = dbContainer.Terminate(ctx)
	os.Exit(code)
}

func setServerEnv() {
	os.Setenv("SERVICE_NAME", "ci_server")
	os.Setenv("STORAGE_TYPE", "postgres")
	os.Setenv("QUEUE_TYPE", "jetstream")
	os.Setenv("CACHE_TYPE", "none")
	os.Setenv("JETSTREAM_URL", JETSTREAM_URL)
	os.Setenv("JETSTREAM_STREAM", "CI_SNAPSHOTS_WEB")
	os.Setenv("JETSTREAM_SUBJECT", "ci.web.snapshots")
}

func TestServer_PostgresAndJetStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setServerEnv()

	cfg, err := config.GetConfig()
	require.NoError(t, err)

	store, err := component.GetStore(ctx, cfg)
	require.NoError(t, err)

	seed := dataset.New(nil)
	dataset.Merge(seed, []model.JobRecord{
		completedJob(101, 1, now.Add(-48*time.Hour)),
		completedJob(102, 2, now.Add(-24*time.Hour)),
	})
	require.NoError(t, store.Save(ctx, seed))

	q, err := component.GetQueue(cfg.QUEUE_TYPE)
	require.NoError(t, err)
	defer q.Shutdown()

	s, err := NewServer(ctx, Deps{
		Store:     store,
		Rules:     classifier.DefaultRules(),
		Snapshots: snapshot.NewLog(filepath.Join(t.TempDir(), "health.jsonl")),
		Queue:     q,
		Now:       func() time.Time { return now },
	})
	require.NoError(t, err)
	defer s.Close()

	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/daily")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rep aggregator.Report
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rep))
	require.Equal(t, 2, rep.TotalJobs)
	require.Len(t, rep.Days, 2)

	require.NoError(t, q.PublishSnapshot(ctx, model.Snapshot{Timestamp: now, JobsQueued: 7}))

	require.Eventually(t, func() bool {
		resp, err := http.Get(srv.URL + "/api/snapshots/latest")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return false
		}
		var snap model.Snapshot
		if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
			return false
		}
		return snap.JobsQueued == 7
	}, 5*time.Second, 100*time.Millisecond)
}
