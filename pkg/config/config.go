package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// AppConfig is read from a YAML file under the user's home directory.
// All fields are optional; defaults are applied by the accessor methods.
//
// Example (~/.tabot/config.yaml):
//
// server:
//   port: 8088
// assistant:
//   backend: openai
//   model: gpt-4o
//   poll_interval: 5s
// question_centers:
//   DS:
//     forum_id: "1081063200377806899"
//     ta_role_id: "1194665960376901773"
// relay:
//   reconnect_interval: 5s
//   sources:
//     - name: grading
//       url: wss://grading.example.com/ws
//
// Notes:
// - If the config file does not exist, Load returns defaults without error.
// - If the config file exists but cannot be parsed, Load returns an error.
// - Secrets may come from the environment (or a .env file) instead of YAML.
type AppConfig struct {
	Server          ServerConfig              `yaml:"server"`
	Log             LogConfig                 `yaml:"log"`
	Discord         DiscordConfig             `yaml:"discord"`
	Assistant       AssistantConfig           `yaml:"assistant"`
	Knowledge       KnowledgeConfig           `yaml:"knowledge"`
	GitHub          GitHubConfig              `yaml:"github"`
	QuestionCenters map[string]QuestionCenter `yaml:"question_centers"`
	FeedbackChannel string                    `yaml:"feedback_channel_id"`
	ForumMirrors    []ForumMirror             `yaml:"forum_mirrors"`
	Relay           RelayConfig               `yaml:"relay"`
}

type ServerConfig struct {
	Host *string `yaml:"host"`
	Port *int    `yaml:"port"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type DiscordConfig struct {
	Token string `yaml:"token"`
}

// AssistantConfig selects and configures the conversational backend.
type AssistantConfig struct {
	Backend          string         `yaml:"backend"` // openai (hosted threads/runs) or eino (local emulation)
	APIKey           string         `yaml:"api_key"`
	BaseURL          string         `yaml:"base_url"`
	Model            string         `yaml:"model"`
	Name             string         `yaml:"name"`
	AssistantID      string         `yaml:"assistant_id"`
	InstructionsFile string         `yaml:"instructions_file"`
	DocsDir          string         `yaml:"docs_dir"`
	PollInterval     *time.Duration `yaml:"poll_interval"`
	PollTimeout      *time.Duration `yaml:"poll_timeout"`
	ChatModel        ChatModel      `yaml:"chat_model"`
}

// ChatModel configures the eino chat model used by the local backend.
type ChatModel struct {
	Provider string         `yaml:"provider"`
	Model    string         `yaml:"model"`
	APIKey   string         `yaml:"api_key"`
	BaseURL  string         `yaml:"base_url"`
	Extra    map[string]any `yaml:"extra"`
}

type KnowledgeConfig struct {
	Enabled    *bool          `yaml:"enabled"`
	Path       string         `yaml:"path"`
	Collection string         `yaml:"collection"`
	Embedding  EmbeddingModel `yaml:"embedding"`
	ChunkSize  int            `yaml:"chunk_size"`
}

type EmbeddingModel struct {
	Provider string `yaml:"provider"` // openai, ollama, ark, dashscope or gemini
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
}

type GitHubConfig struct {
	Token  string `yaml:"token"`
	APIURL string `yaml:"api_url"`
}

// QuestionCenter routes one forum to the staff role that answers it.
type QuestionCenter struct {
	ForumID        string `yaml:"forum_id"`
	TARoleID       string `yaml:"ta_role_id"`
	StaffChannelID string `yaml:"staff_channel_id"`
}

// ForumMirror clones new posts from the source forums into a target forum.
type ForumMirror struct {
	SourceForumIDs []string `yaml:"source_forum_ids"`
	TargetForumID  string   `yaml:"target_forum_id"`
	TagIDs         []string `yaml:"tag_ids"`
}

type RelayConfig struct {
	ReconnectInterval   *time.Duration `yaml:"reconnect_interval"`
	Sources             []RelaySource  `yaml:"sources"`
	SubmissionChannelID string         `yaml:"submission_channel_id"`
	HelpChannelID       string         `yaml:"help_channel_id"`
	BroadcastChannelID  string         `yaml:"broadcast_channel_id"`
	GradingURL          string         `yaml:"grading_url"`
}

type RelaySource struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

const (
	DefaultHost              = "127.0.0.1"
	DefaultPort              = 8088
	DefaultBackend           = "openai"
	DefaultModel             = "gpt-4o"
	DefaultAssistantName     = "Data Science Teaching Assistant"
	DefaultPollInterval      = 5 * time.Second
	DefaultReconnectInterval = 5 * time.Second
	DefaultGitHubAPIURL      = "https://api.github.com"
	DefaultCollection        = "course_docs"
	DefaultChunkSize         = 1500
)

// DefaultPaths returns the config dir and config file path.
func DefaultPaths() (configDir string, configFile string, err error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("get user home dir: %w", err)
	}
	configDir = filepath.Join(home, ".tabot")
	configFile = filepath.Join(configDir, "config.yaml")
	return configDir, configFile, nil
}

// Load reads ~/.tabot/config.yaml.
// If the file doesn't exist, it returns a default config and nil error.
func Load() (*AppConfig, string, error) {
	_, configFile, err := DefaultPaths()
	if err != nil {
		return nil, "", err
	}
	return LoadFrom(configFile)
}

// LoadFrom reads the given config file and applies environment overrides.
func LoadFrom(configFile string) (*AppConfig, string, error) {
	// A missing .env is the normal case outside development.
	_ = godotenv.Load()

	cfg := &AppConfig{}

	b, err := os.ReadFile(configFile)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, "", fmt.Errorf("read config file %s: %w", configFile, err)
	}
	if err == nil {
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, "", fmt.Errorf("parse yaml config %s: %w", configFile, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("%w in %s", err, configFile)
	}
	return cfg, configFile, nil
}

func (c *AppConfig) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("DISCORD_TOKEN")); v != "" {
		c.Discord.Token = v
	}
	if v := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); v != "" && c.Assistant.APIKey == "" {
		c.Assistant.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("GITHUB_TOKEN")); v != "" {
		c.GitHub.Token = v
	}
	if v := strings.TrimSpace(os.Getenv("TABOT_RELAY_URLS")); v != "" {
		c.Relay.Sources = nil
		for i, u := range strings.Split(v, ",") {
			if u = strings.TrimSpace(u); u != "" {
				c.Relay.Sources = append(c.Relay.Sources, RelaySource{Name: fmt.Sprintf("relay-%d", i+1), URL: u})
			}
		}
	}
}

// Validate checks values that have no sensible default.
func (c *AppConfig) Validate() error {
	if strings.TrimSpace(c.Host()) == "" {
		return errors.New("invalid server.host (empty)")
	}
	if port := c.Port(); port < 1 || port > 65535 {
		return fmt.Errorf("invalid server.port %d", port)
	}
	switch c.Assistant.BackendName() {
	case "openai", "eino":
	default:
		return fmt.Errorf("invalid assistant.backend %q", c.Assistant.Backend)
	}
	if c.Assistant.PollEvery() <= 0 {
		return errors.New("invalid assistant.poll_interval (must be positive)")
	}
	if c.Relay.ReconnectEvery() <= 0 {
		return errors.New("invalid relay.reconnect_interval (must be positive)")
	}
	for name, qc := range c.QuestionCenters {
		if qc.ForumID == "" {
			return fmt.Errorf("question center %s has no forum_id", name)
		}
	}
	for i, src := range c.Relay.Sources {
		if strings.TrimSpace(src.URL) == "" {
			return fmt.Errorf("relay source %d has no url", i)
		}
	}
	return nil
}

// EnsureDefaultConfig writes a default config file if it doesn't already exist.
// It is safe to call on startup.
func EnsureDefaultConfig() (string, error) {
	configDir, configFile, err := DefaultPaths()
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(configFile); err == nil {
		return configFile, nil
	}

	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return "", fmt.Errorf("create config dir %s: %w", configDir, err)
	}

	poll := DefaultPollInterval
	reconnect := DefaultReconnectInterval
	defaultCfg := AppConfig{
		Server: ServerConfig{Host: ptr(DefaultHost), Port: ptr(DefaultPort)},
		Log:    LogConfig{Level: "info", Format: "console"},
		Assistant: AssistantConfig{
			Backend:      DefaultBackend,
			Model:        DefaultModel,
			PollInterval: &poll,
		},
		Relay: RelayConfig{ReconnectInterval: &reconnect},
	}
	b, err := yaml.Marshal(&defaultCfg)
	if err != nil {
		return "", fmt.Errorf("marshal default config: %w", err)
	}

	// Write with restrictive permissions.
	if err := os.WriteFile(configFile, b, 0o600); err != nil {
		return "", fmt.Errorf("write default config file %s: %w", configFile, err)
	}

	return configFile, nil
}

func (c *AppConfig) Host() string {
	if c == nil || c.Server.Host == nil {
		return DefaultHost
	}
	v := strings.TrimSpace(*c.Server.Host)
	if v == "" {
		return DefaultHost
	}
	return v
}

func (c *AppConfig) Port() int {
	if c == nil || c.Server.Port == nil {
		return DefaultPort
	}
	return *c.Server.Port
}

// ForumRoles returns forum id -> TA role id for every question center.
func (c *AppConfig) ForumRoles() map[string]string {
	out := make(map[string]string, len(c.QuestionCenters))
	for _, qc := range c.QuestionCenters {
		out[qc.ForumID] = qc.TARoleID
	}
	return out
}

func (a AssistantConfig) BackendName() string {
	v := strings.ToLower(strings.TrimSpace(a.Backend))
	if v == "" {
		return DefaultBackend
	}
	return v
}

func (a AssistantConfig) ModelName() string {
	if a.Model == "" {
		return DefaultModel
	}
	return a.Model
}

func (a AssistantConfig) AssistantName() string {
	if a.Name == "" {
		return DefaultAssistantName
	}
	return a.Name
}

func (a AssistantConfig) PollEvery() time.Duration {
	if a.PollInterval == nil {
		return DefaultPollInterval
	}
	return *a.PollInterval
}

// PollDeadline returns zero when runs may poll forever.
func (a AssistantConfig) PollDeadline() time.Duration {
	if a.PollTimeout == nil {
		return 0
	}
	return *a.PollTimeout
}

func (r RelayConfig) ReconnectEvery() time.Duration {
	if r.ReconnectInterval == nil {
		return DefaultReconnectInterval
	}
	return *r.ReconnectInterval
}

func (k KnowledgeConfig) IsEnabled() bool {
	if k.Enabled == nil {
		return k.Path != ""
	}
	return *k.Enabled
}

func (k KnowledgeConfig) CollectionName() string {
	if k.Collection == "" {
		return DefaultCollection
	}
	return k.Collection
}

func (k KnowledgeConfig) ChunkChars() int {
	if k.ChunkSize <= 0 {
		return DefaultChunkSize
	}
	return k.ChunkSize
}

func (g GitHubConfig) BaseURL() string {
	if g.APIURL == "" {
		return DefaultGitHubAPIURL
	}
	return strings.TrimRight(g.APIURL, "/")
}

func ptr[T any](v T) *T { return &v }
