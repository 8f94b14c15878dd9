package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func TestRepairLogSeenSurvivesReopen(t *testing.T) {
	fs := afero.NewMemMapFs()
	log, err := NewRepairLog(fs, "repairlog", 0)
	require.NoError(t, err)

	manifest := shardID(0, []byte("object"))
	require.NoError(t, log.Append(RepairEntry{
		Manifest: manifest.String(),
		Chunk:    2,
		Shard:    5,
		Outcome:  OutcomeRepaired,
	}))
	require.True(t, log.Seen(manifest, 2, 5))
	require.False(t, log.Seen(manifest, 2, 6))

	reopened, err := NewRepairLog(fs, "repairlog", 0)
	require.NoError(t, err)
	require.True(t, reopened.Seen(manifest, 2, 5))
}

func TestRepairLogFailuresNotSeen(t *testing.T) {
	log, err := NewRepairLog(afero.NewMemMapFs(), "repairlog", 0)
	require.NoError(t, err)

	manifest := shardID(0, []byte("object"))
	require.NoError(t, log.Append(RepairEntry{
		Manifest: manifest.String(),
		Chunk:    0,
		Shard:    0,
		Outcome:  OutcomeFailed,
		Reason:   "too few shards",
	}))
	require.False(t, log.Seen(manifest, 0, 0))
}

func TestRepairLogPruneKeepsNewest(t *testing.T) {
	fs := afero.NewMemMapFs()
	log, err := NewRepairLog(fs, "repairlog", 0)
	require.NoError(t, err)

	// One entry per day for three weeks.
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for day := 0; day < 21; day++ {
		require.NoError(t, log.Append(RepairEntry{
			Time:     base.AddDate(0, 0, day).Unix(),
			Manifest: fmt.Sprintf("m-%d", day),
			Outcome:  OutcomeRepaired,
		}))
	}
	files, err := log.logFiles()
	require.NoError(t, err)
	require.Len(t, files, 21)

	require.NoError(t, log.Prune())
	files, err = log.logFiles()
	require.NoError(t, err)
	require.Len(t, files, defaultKeepLogs)

	// The newest file survives, the oldest is gone.
	require.Contains(t, files, "repair-20260821.jsonl")
	require.NotContains(t, files, "repair-20260801.jsonl")

	exists, err := afero.Exists(fs, filepath.Join("repairlog", "repair-20260821.jsonl"))
	require.NoError(t, err)
	require.True(t, exists)
}

func TestRepairLogTornTailTolerated(t *testing.T) {
	fs := afero.NewMemMapFs()
	log, err := NewRepairLog(fs, "repairlog", 0)
	require.NoError(t, err)
	manifest := shardID(0, []byte("object"))
	require.NoError(t, log.Append(RepairEntry{
		Manifest: manifest.String(),
		Outcome:  OutcomeRepaired,
	}))

	// Simulate a crash mid-append.
	files, err := log.logFiles()
	require.NoError(t, err)
	require.Len(t, files, 1)
	path := filepath.Join("repairlog", files[0])
	f, err := fs.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0600)
	require.NoError(t, err)
	_, err = f.Write([]byte(`{"time": 17`))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := NewRepairLog(fs, "repairlog", 0)
	require.NoError(t, err)
	require.True(t, reopened.Seen(manifest, 0, 0))
}
