//go:build no_automation

// Package automation is compiled out in this build; every operation reports
// that automation is disabled.
package automation

import (
	"log/slog"
	"time"
)

// ScriptMeta holds user-editable metadata for a script.
type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// Script is an automation script.
type Script struct {
	ID       string     `json:"id"`
	Meta     ScriptMeta `json:"meta"`
	LuaCode  string     `json:"lua_code"`
	FilePath string     `json:"-"`
}

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// SystemConfig holds system exec settings.
type SystemConfig struct {
	ExecAllowlist []string
	ExecTimeout   time.Duration
}

// TelegramConfig holds Telegram bot settings.
type TelegramConfig struct {
	BotToken string
	ChatIDs  []string
}

// Controller is accepted for signature compatibility.
type Controller any

// Manager is nil in this build.
type Manager struct{}

// NewManager returns a nil manager.
func NewManager(string, *slog.Logger) (*Manager, error) { return nil, nil }

func (m *Manager) List() ([]*Script, error)        { return nil, nil }
func (m *Manager) Get(string) (*Script, error)     { return nil, nil }
func (m *Manager) Save(s *Script) (*Script, error) { return s, nil }
func (m *Manager) Delete(string) error             { return nil }

// Engine does nothing in this build.
type Engine struct{}

// NewEngine returns a no-op engine.
func NewEngine(Controller, *Manager, *slog.Logger, SystemConfig, TelegramConfig) *Engine {
	return &Engine{}
}

func (e *Engine) Start()                    {}
func (e *Engine) Stop()                     {}
func (e *Engine) Running() int              { return 0 }
func (e *Engine) ReloadScript(string) error { return nil }
func (e *Engine) StopScript(string)         {}

func (e *Engine) RunScript(string) *RunResult {
	return &RunResult{Error: "automation disabled"}
}

func (e *Engine) RunLuaCode(string) *RunResult {
	return &RunResult{Error: "automation disabled"}
}
