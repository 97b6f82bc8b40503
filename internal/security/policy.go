// Package security implements the policy engine (C1): tool, path and
// command gating plus resource-usage checks consulted before and during
// every task run.
package security

import (
	"path/filepath"
	"strings"
	"sync"

	"github.com/basestar-sh/agentforge/internal/common/config"
	apperrors "github.com/basestar-sh/agentforge/internal/common/errors"
	"github.com/basestar-sh/agentforge/internal/common/logger"
)

// Policy is the contract C6 consults before dispatching a tool call,
// touching a path, or running a shell command on behalf of an agent.
type Policy interface {
	AllowTool(tool string) *apperrors.AppError
	AllowPath(path string) *apperrors.AppError
	AllowCommand(command string) *apperrors.AppError
	ResourceUsageOK(agentID string, rss int64, cpuPercent float64) bool
	MaxConcurrentAgents() int
}

// DefaultPolicy is the stock implementation: an allow-list of tools, a
// deny-list of path prefixes, and a deny-list of dangerous command
// substrings. The tool allow-list and the path deny-list are mutable at
// runtime; the command deny-list is fixed at construction.
type DefaultPolicy struct {
	mu sync.RWMutex

	allowedTools    map[string]bool
	forbiddenPaths  []string
	dangerousCmds   []string
	maxConcurrent   int
	maxCPUPercent   float64
	maxRSSBytes     int64
	log             *logger.Logger
}

// NewDefaultPolicy builds a policy from configuration.
func NewDefaultPolicy(cfg config.SecurityConfig, log *logger.Logger) *DefaultPolicy {
	allowed := make(map[string]bool, len(cfg.AllowedTools))
	for _, t := range cfg.AllowedTools {
		allowed[t] = true
	}
	return &DefaultPolicy{
		allowedTools:   allowed,
		forbiddenPaths: append([]string(nil), cfg.ForbiddenPaths...),
		dangerousCmds:  append([]string(nil), cfg.DangerousCommandPatterns...),
		maxConcurrent:  cfg.MaxConcurrentAgents,
		maxCPUPercent:  cfg.MaxCPUPercent,
		maxRSSBytes:    cfg.MaxRSSBytes,
		log:            log,
	}
}

// AllowTool reports whether a tool name is in the allow-list.
func (p *DefaultPolicy) AllowTool(tool string) *apperrors.AppError {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.allowedTools[tool] {
		return apperrors.PolicyDenied("tool not permitted: " + tool)
	}
	return nil
}

// AllowPath reports whether a path falls outside every forbidden prefix.
// Matching is prefix-based against both the raw and tilde-expanded form,
// mirroring the forbidden_paths semantics this is grounded on. The path
// is first made absolute and cleaned, so ".." segments cannot step out
// of an allowed prefix into a forbidden one.
func (p *DefaultPolicy) AllowPath(path string) *apperrors.AppError {
	p.mu.RLock()
	defer p.mu.RUnlock()

	expanded := expandHome(path)
	if abs, err := filepath.Abs(expanded); err == nil {
		expanded = abs
	}
	for _, forbidden := range p.forbiddenPaths {
		forbiddenExpanded := expandHome(forbidden)
		if strings.HasPrefix(expanded, forbiddenExpanded) {
			return apperrors.PolicyDenied("path is forbidden: " + path)
		}
	}
	return nil
}

// AllowCommand rejects a shell command if it contains any dangerous
// pattern. The command is lower-cased and trimmed exactly once up
// front, then each dangerous pattern (itself already lower-case) is
// tested against both the raw command and the lowered command — this
// resolves the case-sensitivity ambiguity by always matching on the
// normalized form while still permitting dangerous patterns that are
// not purely alphabetic (e.g. "rm -rf /") to match verbatim.
func (p *DefaultPolicy) AllowCommand(command string) *apperrors.AppError {
	p.mu.RLock()
	defer p.mu.RUnlock()

	commandLower := strings.ToLower(strings.TrimSpace(command))
	for _, pattern := range p.dangerousCmds {
		if strings.Contains(commandLower, pattern) || strings.Contains(command, pattern) {
			return apperrors.PolicyDenied("command matches a forbidden pattern: " + pattern)
		}
	}
	return nil
}

// ResourceUsageOK checks observed RSS/CPU against configured ceilings.
// If the caller has no observation (both values zero), this fails open
// for availability rather than denying a run on missing telemetry, and
// logs the condition for operators to investigate.
func (p *DefaultPolicy) ResourceUsageOK(agentID string, rss int64, cpuPercent float64) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if rss == 0 && cpuPercent == 0 {
		p.log.WithAgentID(agentID).Debug("resource usage unavailable, failing open")
		return true
	}
	if p.maxRSSBytes > 0 && rss > p.maxRSSBytes {
		return false
	}
	if p.maxCPUPercent > 0 && cpuPercent > p.maxCPUPercent {
		return false
	}
	return true
}

// MaxConcurrentAgents returns the configured concurrency ceiling C6
// enforces on CreateAgent.
func (p *DefaultPolicy) MaxConcurrentAgents() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.maxConcurrent
}

// AddAllowedTool grants a tool at runtime.
func (p *DefaultPolicy) AddAllowedTool(tool string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.allowedTools[tool] = true
}

// RemoveAllowedTool revokes a tool at runtime.
func (p *DefaultPolicy) RemoveAllowedTool(tool string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.allowedTools, tool)
}

// AddForbiddenPath extends the deny-list at runtime.
func (p *DefaultPolicy) AddForbiddenPath(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forbiddenPaths = append(p.forbiddenPaths, path)
}

// RemoveForbiddenPath shrinks the deny-list at runtime.
func (p *DefaultPolicy) RemoveForbiddenPath(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, fp := range p.forbiddenPaths {
		if fp == path {
			p.forbiddenPaths = append(p.forbiddenPaths[:i], p.forbiddenPaths[i+1:]...)
			return
		}
	}
}

func expandHome(path string) string {
	home := homeDir()
	if home == "" {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return home + path[1:]
	}
	return path
}
