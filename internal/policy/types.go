package policy

// Policy is the parsed run policy file. It is bookkeeping around the run:
// the harness core only ever sees the RunContext derived from it.
type Policy struct {
	Run     RunConfig     `yaml:"run"`
	Journal JournalConfig `yaml:"journal"`
	API     APIConfig     `yaml:"api,omitempty"`
	Stages  []StageConfig `yaml:"stages"`
}

// RunConfig defines core run settings.
type RunConfig struct {
	// Workers is the total process-group capacity reserved for the run:
	// one coordinator plus Workers-1 worker processes.
	Workers int `yaml:"workers"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// WorkerExec is the worker bootstrap executable. Defaults to the
	// lockstep-worker binary next to the coordinator.
	WorkerExec string `yaml:"worker_exec"`

	// StopFile, when set, is polled between stages: its existence requests
	// an early orderly shutdown.
	StopFile string `yaml:"stop_file,omitempty"`

	// LockPath guards against two coordinators sharing a journal directory.
	LockPath string `yaml:"lock_path,omitempty"`
}

// JournalConfig defines run-history storage settings.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines the read-only status API server settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// StageConfig defines one stage in the ordered stage list.
type StageConfig struct {
	Name string `yaml:"name"`

	// SyncAfter marks the stage boundary as needing inter-worker exchange.
	SyncAfter bool `yaml:"sync_after,omitempty"`

	// Exec, when set, is the shell command a worker runs for this stage.
	// Empty means the stage is a no-op placeholder.
	Exec string `yaml:"exec,omitempty"`
}

// Defaults returns a Policy with sensible defaults.
func Defaults() *Policy {
	return &Policy{
		Run: RunConfig{
			Workers:   2,
			LogLevel:  "info",
			LogFormat: "json",
		},
		Journal: JournalConfig{
			Path: "./data/journal.db",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
	}
}
