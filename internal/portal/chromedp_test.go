package portal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStepError(t *testing.T) {
	reset := stepError(StepLogin, errors.New("page load error net::ERR_CONNECTION_RESET"))
	var network *NetworkError
	require.ErrorAs(t, reset, &network)
	require.Equal(t, StepLogin, network.Step)
	require.True(t, IsTransient(reset))

	dns := stepError(StepMenu, fmt.Errorf("wrapped: %w", errors.New("page load error net::ERR_NAME_NOT_RESOLVED")))
	require.ErrorAs(t, dns, &network)
	require.True(t, IsTransient(dns))

	aborted := stepError(StepLogin, errors.New("page load error net::ERR_ABORTED"))
	require.False(t, errors.As(aborted, &network))
	require.False(t, IsTransient(aborted))
	require.ErrorContains(t, aborted, "net::ERR_ABORTED")

	var nav *NavigationTimeout
	slow := stepError(StepReportTab, context.DeadlineExceeded)
	require.ErrorAs(t, slow, &nav)
	require.Equal(t, StepReportTab, nav.Step)

	other := stepError(StepMenu, errors.New("could not find node"))
	require.False(t, IsTransient(other))
	require.ErrorContains(t, other, "menu: could not find node")
}

func TestMoveDownloadKeepsExistingFiles(t *testing.T) {
	downloads := t.TempDir()
	raw := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(raw, "a_skill.csv"), []byte("taken"), 0644))

	src := filepath.Join(downloads, "guid-1")
	require.NoError(t, os.WriteFile(src, []byte("new"), 0644))

	dst, err := moveDownload(src, raw, "a_skill", ".csv")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(raw, "a_skill-2.csv"), dst)

	content, err := os.ReadFile(filepath.Join(raw, "a_skill.csv"))
	require.NoError(t, err)
	require.Equal(t, "taken", string(content))
	content, err = os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, "new", string(content))

	_, err = os.Stat(src)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestMoveDownloadInParallel(t *testing.T) {
	downloads := t.TempDir()
	raw := t.TempDir()

	const n = 16
	dsts := make([]string, n)
	errs := make([]error, n)
	wg := sync.WaitGroup{}
	for i := range n {
		src := filepath.Join(downloads, fmt.Sprintf("guid-%d", i))
		require.NoError(t, os.WriteFile(src, []byte(fmt.Sprint(i)), 0644))
		wg.Add(1)
		go func() {
			defer wg.Done()
			dsts[i], errs[i] = moveDownload(src, raw, "a_skill", ".csv")
		}()
	}
	wg.Wait()

	seen := map[string]bool{}
	for i := range n {
		require.NoError(t, errs[i])
		require.False(t, seen[dsts[i]], "%s was claimed twice", dsts[i])
		seen[dsts[i]] = true

		content, err := os.ReadFile(dsts[i])
		require.NoError(t, err)
		require.Equal(t, fmt.Sprint(i), string(content))
	}
	entries, err := os.ReadDir(raw)
	require.NoError(t, err)
	require.Len(t, entries, n)
}
