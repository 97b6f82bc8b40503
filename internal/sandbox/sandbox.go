// Package sandbox manages per-agent workspace directories (C2): creation,
// teardown, path validation and orphan reclamation.
package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/basestar-sh/agentforge/internal/common/config"
	apperrors "github.com/basestar-sh/agentforge/internal/common/errors"
	"github.com/basestar-sh/agentforge/internal/common/logger"
)

// Sandbox describes one agent's isolated workspace on disk.
type Sandbox struct {
	AgentID      string
	DirName      string // agent-<id>-<rand8>, the RootPath basename
	RootPath     string
	WorkspaceDir string
	LogsDir      string
	TempDir      string
	CreatedAt    time.Time
}

// Stats reports disk usage for a sandbox, consulted by EnforceQuota.
type Stats struct {
	AgentID   string
	TotalSize int64
	FileCount int
}

// Manager creates, validates and reclaims per-agent sandboxes under a
// single base directory.
type Manager struct {
	mu       sync.RWMutex
	baseDir  string
	quota    int64
	orphanTTL time.Duration
	sandboxes map[string]*Sandbox
	log      *logger.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager constructs a sandbox manager rooted at cfg.BaseDir.
func NewManager(cfg config.SandboxConfig, log *logger.Logger) (*Manager, error) {
	base := expandHome(cfg.BaseDir)
	if err := os.MkdirAll(base, 0o700); err != nil {
		return nil, fmt.Errorf("create sandbox base dir %s: %w", base, err)
	}
	return &Manager{
		baseDir:   base,
		quota:     cfg.QuotaBytes,
		orphanTTL: cfg.OrphanTTLDuration(),
		sandboxes: make(map[string]*Sandbox),
		log:       log,
		stopCh:    make(chan struct{}),
	}, nil
}

// CreateSandbox creates (or returns, idempotently) the workspace for an
// agent: <base>/agent-<id>-<rand8>/{workspace,logs,temp}, with modes
// 0700/0755/0750/0700 on root/workspace/logs/temp respectively, a
// .gitignore excluding logs/temp, and an identity file recording the
// agent id for operators inspecting the directory tree directly. The
// random suffix is generated once per agent and then reused for every
// idempotent re-creation, since the map lookup above already returns
// the same *Sandbox for repeat calls.
func (m *Manager) CreateSandbox(agentID string) (*Sandbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sb, ok := m.sandboxes[agentID]; ok {
		return sb, nil
	}

	dirName := fmt.Sprintf("agent-%s-%s", sanitizeID(agentID), randomSuffix())
	root := filepath.Join(m.baseDir, dirName)
	workspace := filepath.Join(root, "workspace")
	logs := filepath.Join(root, "logs")
	temp := filepath.Join(root, "temp")

	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create sandbox root: %w", err)
	}
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace dir: %w", err)
	}
	if err := os.MkdirAll(logs, 0o750); err != nil {
		return nil, fmt.Errorf("create logs dir: %w", err)
	}
	if err := os.MkdirAll(temp, 0o700); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}

	gitignore := filepath.Join(root, ".gitignore")
	if err := os.WriteFile(gitignore, []byte("logs/\ntemp/\n*.log\n*.tmp\n"), 0o644); err != nil {
		return nil, fmt.Errorf("write .gitignore: %w", err)
	}
	identity := filepath.Join(root, ".agentforge-sandbox")
	if err := os.WriteFile(identity, []byte(agentID+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("write sandbox identity file: %w", err)
	}

	sb := &Sandbox{
		AgentID:      agentID,
		DirName:      dirName,
		RootPath:     root,
		WorkspaceDir: workspace,
		LogsDir:      logs,
		TempDir:      temp,
		CreatedAt:    time.Now().UTC(),
	}
	m.sandboxes[agentID] = sb
	m.log.WithAgentID(agentID).Info("sandbox created", zap.String("root", root))
	return sb, nil
}

// CleanupSandbox removes an agent's sandbox directory tree entirely.
func (m *Manager) CleanupSandbox(agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sb, ok := m.sandboxes[agentID]
	if !ok {
		return nil
	}
	if err := os.RemoveAll(sb.RootPath); err != nil {
		return fmt.Errorf("remove sandbox for %s: %w", agentID, err)
	}
	delete(m.sandboxes, agentID)
	m.log.WithAgentID(agentID).Info("sandbox cleaned up")
	return nil
}

// ValidatePath confirms a path lies within the agent's own sandbox tree,
// rejecting attempts to traverse above it even via "..".
func (m *Manager) ValidatePath(agentID, path string) *apperrors.AppError {
	m.mu.RLock()
	sb, ok := m.sandboxes[agentID]
	m.mu.RUnlock()
	if !ok {
		return apperrors.NotFound("sandbox", agentID)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return apperrors.Validation("invalid path: " + path)
	}
	root, err := filepath.Abs(sb.RootPath)
	if err != nil {
		return apperrors.Internal("resolve sandbox root", err)
	}
	if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return apperrors.PolicyDenied("path escapes sandbox: " + path)
	}
	return nil
}

// SandboxStats reports disk usage for an agent's sandbox.
func (m *Manager) SandboxStats(agentID string) (*Stats, error) {
	m.mu.RLock()
	sb, ok := m.sandboxes[agentID]
	m.mu.RUnlock()
	if !ok {
		return nil, apperrors.NotFound("sandbox", agentID)
	}

	var total int64
	var count int
	err := filepath.Walk(sb.RootPath, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
			count++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk sandbox %s: %w", agentID, err)
	}
	return &Stats{AgentID: agentID, TotalSize: total, FileCount: count}, nil
}

// EnforceQuota reports whether an agent's sandbox is within its disk
// quota. A zero quota disables the check.
func (m *Manager) EnforceQuota(agentID string) (*apperrors.AppError, error) {
	if m.quota <= 0 {
		return nil, nil
	}
	stats, err := m.SandboxStats(agentID)
	if err != nil {
		return nil, err
	}
	if stats.TotalSize > m.quota {
		return apperrors.CapacityExceeded(fmt.Sprintf(
			"sandbox for %s exceeds quota: %d > %d bytes", agentID, stats.TotalSize, m.quota)), nil
	}
	return nil, nil
}

// Sandbox returns the tracked sandbox for an agent, if any.
func (m *Manager) Sandbox(agentID string) (*Sandbox, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sb, ok := m.sandboxes[agentID]
	return sb, ok
}

// ListActive returns every sandbox this manager currently tracks.
func (m *Manager) ListActive() []*Sandbox {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Sandbox, 0, len(m.sandboxes))
	for _, sb := range m.sandboxes {
		out = append(out, sb)
	}
	return out
}

// StartOrphanSweep launches a background goroutine that periodically
// reclaims sandbox directories on disk with no tracked owner and whose
// mtime exceeds the configured orphan TTL (default 24h, matching the
// grounding source's threshold).
func (m *Manager) StartOrphanSweep(interval time.Duration) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.sweepOrphans()
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop halts the orphan sweep goroutine and waits for it to exit.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Manager) sweepOrphans() {
	entries, err := os.ReadDir(m.baseDir)
	if err != nil {
		m.log.WithError(err).Warn("orphan sweep: failed to list sandbox base dir")
		return
	}

	m.mu.RLock()
	tracked := make(map[string]bool, len(m.sandboxes))
	for _, sb := range m.sandboxes {
		tracked[sb.DirName] = true
	}
	m.mu.RUnlock()

	now := time.Now()
	for _, entry := range entries {
		if !entry.IsDir() || tracked[entry.Name()] {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < m.orphanTTL {
			continue
		}
		path := filepath.Join(m.baseDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			m.log.WithError(err).Warn("orphan sweep: failed to remove stale sandbox")
			continue
		}
		m.log.Info("orphan sweep: removed stale sandbox directory")
	}
}

// sanitizeID defends against path-traversal agent ids; agent ids are
// normally uuids but this keeps a malformed id from escaping baseDir.
func sanitizeID(id string) string {
	return filepath.Base(filepath.Clean(id))
}

// randomSuffix returns an 8-character hex suffix for a sandbox
// directory name, matching the grounding source's
// uuid.uuid4().hex[:8] convention.
func randomSuffix() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			if path == "~" {
				return home
			}
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
