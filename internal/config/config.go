// Package config loads classreports.json5, the single configuration file of
// every command.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"time"

	"classreports/internal/archive"
	"classreports/internal/components/chrono"
	"classreports/internal/filter"
	"classreports/internal/normalize"
	"classreports/internal/notify"
	"classreports/internal/pipeline"
	"classreports/internal/portal"
	"classreports/internal/scheduler"
	"classreports/pkg/configutil"
	"classreports/pkg/migrations"

	"dario.cat/mergo"
	"github.com/titanous/json5"
)

const DefaultPath = "classreports.json5"

// Duration reads "15s", "10m"... from json.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var text string
	err := json5.Unmarshal(data, &text)
	if err != nil {
		return fmt.Errorf("durations are strings like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type BrowserConfig struct {
	LoginURL string `json:"login_url"`
	ExecPath string `json:"exec_path"`
	// ShowBrowser runs chrome with a window, for debugging selectors.
	ShowBrowser       bool     `json:"show_browser"`
	UserAgent         string   `json:"user_agent"`
	NavigationTimeout Duration `json:"navigation_timeout"`
	LoginTimeout      Duration `json:"login_timeout"`
	DownloadTimeout   Duration `json:"download_timeout"`
	SkipProbe         bool     `json:"skip_probe"`
}

type PipelineConfig struct {
	Workers         int      `json:"workers"`
	Retries         *int     `json:"retries"`
	RetryBackoff    Duration `json:"retry_backoff"`
	AccountTimeout  Duration `json:"account_timeout"`
	GracePeriod     Duration `json:"grace_period"`
	OverwritePolicy string   `json:"overwrite_policy"`
}

type ScheduleConfig struct {
	Enabled bool     `json:"enabled"`
	Cron    string   `json:"cron"`
	Timeout Duration `json:"timeout"`
}

type ServerConfig struct {
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins"`
}

// LockConfig locates the run lock. File (.run.lock in the reports directory
// by default) serializes processes on this host, the redis lock is shared by
// every process pointing at the same redis.
type LockConfig struct {
	File          string   `json:"file"`
	RedisAddr     string   `json:"redis_addr"`
	RedisPassword string   `json:"redis_password"`
	RedisDB       int      `json:"redis_db"`
	Key           string   `json:"key"`
	TTL           Duration `json:"ttl"`
}

type NotifyConfig struct {
	Smtp         notify.SmtpConfig `json:"smtp"`
	To           []string          `json:"to"`
	OnlyProblems bool              `json:"only_problems"`
}

type Config struct {
	ReportsDir string `json:"reports_dir"`
	WorkDir    string `json:"work_dir"`
	UsersFile  string `json:"users_file"`
	Timezone   string `json:"timezone"`
	// FilterFile keeps the filter saved through the api, it takes precedence
	// over Filter once it exists. Defaults to .filter.json in ReportsDir.
	FilterFile string `json:"filter_file"`

	Filter   filter.Config     `json:"filter"`
	Browser  BrowserConfig     `json:"browser"`
	Pipeline PipelineConfig    `json:"pipeline"`
	Schedule ScheduleConfig    `json:"schedule"`
	Server   ServerConfig      `json:"server"`
	History  migrations.Config `json:"history"`
	Lock     LockConfig        `json:"lock"`
	Notify   *NotifyConfig     `json:"notify"`
	Archive  *archive.Config   `json:"archive"`
}

// Defaults is what every missing setting falls back to.
func Defaults() Config {
	return Config{
		ReportsDir: "reports",
		WorkDir:    filepath.Join("reports", ".work"),
		UsersFile:  "users.json",
		Timezone:   "Local",
		Filter: filter.Config{
			DateRange: "last_7_days",
			ReportTypes: map[string]bool{
				filter.StudentUsage.String(): true,
			},
		},
		Browser: BrowserConfig{
			LoginURL:          portal.DefaultLoginURL,
			NavigationTimeout: Duration(portal.DefaultNavigationTimeout),
			LoginTimeout:      Duration(portal.DefaultLoginTimeout),
			DownloadTimeout:   Duration(portal.DefaultDownloadTimeout),
		},
		Pipeline: PipelineConfig{
			Workers:         2,
			RetryBackoff:    Duration(portal.DefaultBackoff),
			AccountTimeout:  Duration(pipeline.DefaultAccountTimeout),
			GracePeriod:     Duration(pipeline.DefaultGracePeriod),
			OverwritePolicy: string(normalize.OverwriteSuffix),
		},
		Schedule: ScheduleConfig{
			Cron:    scheduler.DefaultSpec,
			Timeout: Duration(scheduler.DefaultTimeout),
		},
		Server: ServerConfig{
			Port: 8000,
		},
		History: migrations.Config{
			File: filepath.Join("reports", ".history.db"),
		},
		Lock: LockConfig{
			Key: "classreports:run",
		},
	}
}

// Load reads path (and its .local override) and fills in defaults. A
// missing file is not an error, every setting has a default.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultPath
	}
	config, err := configutil.ReadConfig[Config](path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, err
	}

	// a configured set of report types replaces the default one instead of
	// being merged with it, mergo adds missing keys to the map in place
	types := maps.Clone(config.Filter.ReportTypes)
	err = mergo.Merge(&config, Defaults())
	if err != nil {
		return Config{}, fmt.Errorf("apply defaults: %w", err)
	}
	if len(types) > 0 {
		config.Filter.ReportTypes = types
	}
	err = config.Validate()
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return config, nil
}

// Validate rejects settings that would only fail once a run starts.
func (c Config) Validate() error {
	_, err := normalize.ParseOverwritePolicy(c.Pipeline.OverwritePolicy)
	if err != nil {
		return err
	}
	_, err = chrono.NewStandardImpl(c.Timezone)
	if err != nil {
		return err
	}
	if c.Schedule.Enabled {
		err = chrono.ValidateSpec(c.Schedule.Cron)
		if err != nil {
			return fmt.Errorf("schedule: %w", err)
		}
	}
	_, err = c.Selection()
	if err != nil {
		return fmt.Errorf("filter: %w", err)
	}
	if c.Pipeline.Workers > pipeline.MaxWorkers {
		return fmt.Errorf("pipeline: at most %d workers are allowed, got %d", pipeline.MaxWorkers, c.Pipeline.Workers)
	}
	return nil
}

func (c Config) FilterPath() string {
	if c.FilterFile != "" {
		return c.FilterFile
	}
	return filepath.Join(c.ReportsDir, ".filter.json")
}

func (c Config) LockPath() string {
	if c.Lock.File != "" {
		return c.Lock.File
	}
	return filepath.Join(c.ReportsDir, ".run.lock")
}

// FilterStore is the saved filter, falling back to the configured one.
func (c Config) FilterStore() (*filter.Store, error) {
	clock, err := c.Clock()
	if err != nil {
		return nil, err
	}
	return filter.NewStore(c.FilterPath(), c.Filter, clock.Location()), nil
}

func (c Config) Clock() (chrono.StandardImpl, error) {
	return chrono.NewStandardImpl(c.Timezone)
}

// Selection is the configured filter resolved in the configured time zone.
func (c Config) Selection() (filter.Selection, error) {
	clock, err := c.Clock()
	if err != nil {
		return filter.Selection{}, err
	}
	return c.Filter.Selection(clock.Location())
}

func (c Config) ChromeConfig() portal.ChromeConfig {
	return portal.ChromeConfig{
		LoginURL:          c.Browser.LoginURL,
		WorkDir:           c.WorkDir,
		RawDir:            filepath.Join(c.WorkDir, "raw"),
		ExecPath:          c.Browser.ExecPath,
		Headless:          !c.Browser.ShowBrowser,
		UserAgent:         c.Browser.UserAgent,
		NavigationTimeout: c.Browser.NavigationTimeout.Std(),
		LoginTimeout:      c.Browser.LoginTimeout.Std(),
		DownloadTimeout:   c.Browser.DownloadTimeout.Std(),
		SkipProbe:         c.Browser.SkipProbe,
	}
}

func (c Config) PipelineConfig() pipeline.Config {
	retries := portal.DefaultRetries
	if c.Pipeline.Retries != nil {
		retries = *c.Pipeline.Retries
	}
	return pipeline.Config{
		Workers:        c.Pipeline.Workers,
		Retries:        retries,
		RetryBackoff:   c.Pipeline.RetryBackoff.Std(),
		AccountTimeout: c.Pipeline.AccountTimeout.Std(),
		GracePeriod:    c.Pipeline.GracePeriod.Std(),
	}
}

func (c Config) OverwritePolicy() normalize.OverwritePolicy {
	policy, _ := normalize.ParseOverwritePolicy(c.Pipeline.OverwritePolicy)
	return policy
}
