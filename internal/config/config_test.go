package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"classreports/internal/filter"
	"classreports/internal/normalize"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	config, err := Load(filepath.Join(t.TempDir(), "classreports.json5"))
	require.NoError(t, err)
	require.Equal(t, Defaults().ReportsDir, config.ReportsDir)
	require.Equal(t, 15*time.Second, config.Browser.NavigationTimeout.Std())
	require.Equal(t, 10*time.Minute, config.PipelineConfig().AccountTimeout)
	require.Equal(t, 2, config.PipelineConfig().Retries)
	require.Nil(t, config.Notify)
	require.Nil(t, config.Archive)
	require.Equal(t, filepath.Join("reports", ".filter.json"), config.FilterPath())
	require.Equal(t, filepath.Join("reports", ".run.lock"), config.LockPath())

	sel, err := config.Selection()
	require.NoError(t, err)
	require.Equal(t, []filter.ReportType{filter.StudentUsage}, sel.ReportTypes())
}

func TestFilterStoreFallsBackToConfig(t *testing.T) {
	config := Defaults()
	config.ReportsDir = t.TempDir()

	store, err := config.FilterStore()
	require.NoError(t, err)
	sel, err := store.Selection()
	require.NoError(t, err)
	require.Equal(t, []filter.ReportType{filter.StudentUsage}, sel.ReportTypes())

	_, err = store.Save(filter.Config{DateRange: "today", ReportTypes: map[string]bool{"skill": true}})
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(config.ReportsDir, ".filter.json"))

	// a fresh store, as the next process would build it
	store, err = config.FilterStore()
	require.NoError(t, err)
	sel, err = store.Selection()
	require.NoError(t, err)
	require.Equal(t, "today", sel.DateRange().Name())
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "classreports.json5")
	require.NoError(t, os.WriteFile(path, []byte(`{
		// reports land on the shared drive
		reports_dir: "/srv/reports",
		timezone: "America/Chicago",
		filter: {
			date_range: "custom",
			start: "2024-01-01",
			end: "2024-01-31",
			report_types: { skill: true, "Level Up Progress": true },
		},
		browser: { download_timeout: '45s' },
		pipeline: { workers: 3, retries: 0, overwrite_policy: "replace" },
	}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "classreports.local.json5"), []byte(`{
		notify: { smtp: { server: "smtp.school.org", port: 587, email_address: "reports@school.org" }, to: ["admin@school.org"] },
	}`), 0644))

	config, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "/srv/reports", config.ReportsDir)
	require.Equal(t, 45*time.Second, config.ChromeConfig().DownloadTimeout)
	require.Equal(t, 15*time.Second, config.ChromeConfig().NavigationTimeout)
	require.True(t, config.ChromeConfig().Headless)
	require.Equal(t, 3, config.PipelineConfig().Workers)
	require.Zero(t, config.PipelineConfig().Retries)
	require.Equal(t, normalize.OverwriteReplace, config.OverwritePolicy())
	require.NotNil(t, config.Notify)
	require.Equal(t, []string{"admin@school.org"}, config.Notify.To)

	sel, err := config.Selection()
	require.NoError(t, err)
	require.Equal(t, []filter.ReportType{filter.Skill, filter.LevelUpProgress}, sel.ReportTypes())
	require.Equal(t, "custom", sel.DateRange().Name())
}

func TestLoadRejects(t *testing.T) {
	cases := map[string]string{
		"policy":   `{ pipeline: { overwrite_policy: "sometimes" } }`,
		"timezone": `{ timezone: "Mars/Olympus" }`,
		"cron":     `{ schedule: { enabled: true, cron: "mondays" } }`,
		"workers":  `{ pipeline: { workers: 9 } }`,
		"duration": `{ browser: { download_timeout: "soon" } }`,
		"filter":   `{ filter: { date_range: "custom", start: "2024-02-01", end: "2024-01-01" } }`,
		"types":    `{ filter: { report_types: { grades: true } } }`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "classreports.json5")
			require.NoError(t, os.WriteFile(path, []byte(content), 0644))
			_, err := Load(path)
			require.Error(t, err)
		})
	}
}

func TestLoadReportTypesReplaceDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "classreports.json5")
	require.NoError(t, os.WriteFile(path, []byte(`{
		filter: { date_range: "today", report_types: { skill: true } },
	}`), 0644))

	config, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, map[string]bool{"skill": true}, config.Filter.ReportTypes)

	sel, err := config.Selection()
	require.NoError(t, err)
	require.Equal(t, []filter.ReportType{filter.Skill}, sel.ReportTypes())

	// loading again must not see the previous load's map
	defaults := Defaults()
	require.Equal(t, map[string]bool{"student_usage": true}, defaults.Filter.ReportTypes)
}
