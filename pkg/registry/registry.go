package registry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Registry holds the current agent-profile and pipeline-template snapshot.
//
// Reads are safe from many goroutines while a background watcher reloads the
// files. No snapshot isolation is promised across two calls: a pipeline run
// re-resolves its agent profile at every step and must tolerate the contents
// changing in between.
type Registry struct {
	agentsPath    string
	templatesPath string
	logger        *slog.Logger
	validate      *validator.Validate

	mu     sync.RWMutex
	config *Config
}

// New creates a registry and performs the initial load. The initial load is
// strict: the process should not start with invalid configuration.
func New(logger *slog.Logger, agentsPath, templatesPath string) (*Registry, error) {
	r := &Registry{
		agentsPath:    agentsPath,
		templatesPath: templatesPath,
		logger:        logger,
		validate:      validator.New(validator.WithRequiredStructEnabled()),
	}

	config, err := r.load()
	if err != nil {
		return nil, err
	}

	r.config = config

	return r, nil
}

// NewFromConfig wraps an already-built snapshot. The returned registry has no
// file paths and cannot be watched; it is used for tests and ephemeral merges.
func NewFromConfig(logger *slog.Logger, config *Config) *Registry {
	return &Registry{
		logger:   logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		config:   config,
	}
}

// Agent resolves an agent profile by name, or nil if unknown.
func (r *Registry) Agent(name string) *AgentProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := range r.config.Agents {
		if r.config.Agents[i].Name == name {
			agent := r.config.Agents[i]

			return &agent
		}
	}

	return nil
}

// Template resolves a pipeline template by name, or nil if unknown.
func (r *Registry) Template(name string) *PipelineTemplate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := range r.config.Templates {
		if r.config.Templates[i].Name == name {
			template := r.config.Templates[i]

			return &template
		}
	}

	return nil
}

// Agents returns the agent profiles of the current snapshot.
func (r *Registry) Agents() []AgentProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.config.Agents
}

// Templates returns the pipeline templates of the current snapshot.
func (r *Registry) Templates() []PipelineTemplate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.config.Templates
}

// Reload re-reads the configuration files and swaps the snapshot. A failed
// reload keeps the prior valid snapshot and only logs.
func (r *Registry) Reload(ctx context.Context) {
	config, err := r.load()
	if err != nil {
		r.logger.WarnContext(ctx, "Registry reload failed, keeping previous snapshot", "error", err)

		return
	}

	r.mu.Lock()
	r.config = config
	r.mu.Unlock()

	r.logger.InfoContext(ctx, "Registry reloaded",
		"agents", len(config.Agents),
		"templates", len(config.Templates))
}

// Watch monitors the configuration files and reloads on change. It blocks
// until ctx is cancelled and is meant to run as a background goroutine.
func (r *Registry) Watch(ctx context.Context) error {
	if r.agentsPath == "" || r.templatesPath == "" {
		return fmt.Errorf("registry has no file paths to watch")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}

	defer func() {
		if err := watcher.Close(); err != nil {
			r.logger.WarnContext(ctx, "Failed to close config watcher", "error", err)
		}
	}()

	// Watch the parent directories: editors replace files on save, which
	// delivers Create/Rename rather than Write on the file itself.
	dirs := map[string]bool{
		filepath.Dir(r.agentsPath):    true,
		filepath.Dir(r.templatesPath): true,
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	watched := map[string]bool{
		filepath.Clean(r.agentsPath):    true,
		filepath.Clean(r.templatesPath): true,
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if !watched[filepath.Clean(event.Name)] {
				continue
			}

			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			r.logger.InfoContext(ctx, "Registry config file changed", "path", event.Name)
			r.Reload(ctx)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			r.logger.WarnContext(ctx, "Config watcher error", "error", err)
		}
	}
}

func (r *Registry) load() (*Config, error) {
	agents, err := loadSection[struct {
		Agents []AgentProfile `yaml:"agents"`
	}](r.agentsPath)
	if err != nil {
		return nil, err
	}

	templates, err := loadSection[struct {
		Pipelines []PipelineTemplate `yaml:"pipelines"`
	}](r.templatesPath)
	if err != nil {
		return nil, err
	}

	config := &Config{
		Agents:    agents.Agents,
		Templates: templates.Pipelines,
	}

	if err := config.Validate(r.validate); err != nil {
		return nil, err
	}

	return config, nil
}

func loadSection[T any](path string) (*T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var section T
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &section); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	return &section, nil
}
