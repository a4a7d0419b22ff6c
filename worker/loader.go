package worker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/barrhawk/labcore/core"
)

const (
	toolFileExt   = ".lua"
	watchDebounce = 100 * time.Millisecond
)

// Loader watches the tools directory and keeps the dynamic tool table in
// sync with it. It holds exclusive write access during create and delete
// and refuses concurrent creates to the same name.
type Loader struct {
	dir     string
	logger  core.Logger
	onEvent EventFunc

	mu       sync.RWMutex
	tools    map[string]*DynamicTool
	byPath   map[string]string // path -> tool name
	hashes   map[string]string // path -> content hash
	warnings map[string][]ScanFinding
	loadErr  error

	// onChange fires after the tool set mutates (debounced callers'
	// responsibility).
	onChange func()

	// createMu serializes Create and Delete end to end.
	createMu sync.Mutex

	watcher  *fsnotify.Watcher
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewLoader creates a loader over dir, creating it if missing.
func NewLoader(dir string, logger core.Logger) (*Loader, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, core.NewCoreError("worker.NewLoader", core.KindFatal, err)
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Loader{
		dir:      dir,
		logger:   core.ComponentLogger(logger, "worker/loader"),
		tools:    make(map[string]*DynamicTool),
		byPath:   make(map[string]string),
		hashes:   make(map[string]string),
		warnings: make(map[string][]ScanFinding),
		stopCh:   make(chan struct{}),
	}, nil
}

// SetOnChange registers the tool-set change callback.
func (l *Loader) SetOnChange(fn func()) {
	l.mu.Lock()
	l.onChange = fn
	l.mu.Unlock()
}

// SetOnEvent wires handler-emitted events through to the worker.
func (l *Loader) SetOnEvent(fn EventFunc) {
	l.mu.Lock()
	l.onEvent = fn
	l.mu.Unlock()
}

// Watch starts the fsnotify loop. Events are debounced before a rescan so
// editors writing in multiple syscalls trigger one reload.
func (l *Loader) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return core.NewCoreError("worker.Loader.Watch", core.KindFatal, err)
	}
	if err := watcher.Add(l.dir); err != nil {
		_ = watcher.Close()
		return core.NewCoreError("worker.Loader.Watch", core.KindFatal, err)
	}
	l.watcher = watcher

	go func() {
		var timer *time.Timer
		fire := make(chan struct{}, 1)
		for {
			select {
			case <-l.stopCh:
				return
			case _, ok := <-watcher.Events:
				if !ok {
					return
				}
				if timer == nil {
					timer = time.AfterFunc(watchDebounce, func() {
						select {
						case fire <- struct{}{}:
						default:
						}
					})
				} else {
					timer.Reset(watchDebounce)
				}
			case <-fire:
				timer = nil
				if err := l.Rescan(); err != nil {
					l.logger.Error("Tool rescan failed", map[string]interface{}{"error": err})
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.logger.Warn("Watcher error", map[string]interface{}{"error": err})
			}
		}
	}()
	return nil
}

// Stop halts the watcher.
func (l *Loader) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
		if l.watcher != nil {
			_ = l.watcher.Close()
		}
	})
}

// Rescan reconciles the tool table against the directory contents.
func (l *Loader) Rescan() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return core.NewCoreError("worker.Loader.Rescan", core.KindToolLoad, err)
	}

	seen := make(map[string]bool)
	changed := false
	var firstErr error

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), toolFileExt) {
			continue
		}
		path := filepath.Join(l.dir, entry.Name())
		seen[path] = true
		loaded, err := l.loadFile(path)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		changed = changed || loaded
	}

	// Files removed on disk unregister their tools.
	l.mu.Lock()
	for path, name := range l.byPath {
		if !seen[path] {
			delete(l.byPath, path)
			delete(l.hashes, path)
			delete(l.warnings, path)
			delete(l.tools, name)
			changed = true
			l.logger.Info("Tool removed (file deleted)", map[string]interface{}{
				"tool": name, "path": path,
			})
		}
	}
	l.loadErr = firstErr
	cb := l.onChange
	l.mu.Unlock()

	if changed && cb != nil {
		cb()
	}
	return firstErr
}

// loadFile loads one tool module; returns whether the tool set changed.
func (l *Loader) loadFile(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, core.NewCoreError("worker.Loader.loadFile", core.KindToolLoad, err)
	}
	hash := contentHash(data)

	l.mu.RLock()
	prev, known := l.hashes[path]
	l.mu.RUnlock()
	if known && prev == hash {
		return false, nil
	}

	source := string(data)
	findings := ScanSource(source)
	if HasError(findings) {
		// File stays in place; the tool is simply not registered.
		l.logger.Error("Tool load rejected by security scan", map[string]interface{}{
			"path":     path,
			"findings": FormatFindings(findings),
		})
		return false, core.NewCoreError("worker.Loader.loadFile", core.KindToolLoad,
			fmt.Errorf("%w: %s", core.ErrToolLoadRejected, FormatFindings(findings)))
	}

	proto, err := compileLuaModule(source, path)
	if err != nil {
		return false, err
	}
	manifest, err := loadLuaManifest(proto)
	if err != nil {
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Name collisions keep the older tool and reject the newer load.
	if existing, dup := l.tools[manifest.Name]; dup && existing.SourcePath != path {
		l.logger.Warn("Tool name collision, keeping older tool", map[string]interface{}{
			"tool":     manifest.Name,
			"existing": existing.SourcePath,
			"rejected": path,
		})
		return false, core.NewCoreError("worker.Loader.loadFile", core.KindToolLoad,
			fmt.Errorf("%w: %q", core.ErrToolExists, manifest.Name))
	}

	// A file may be renamed to a new tool name; drop its old registration.
	if oldName, ok := l.byPath[path]; ok && oldName != manifest.Name {
		delete(l.tools, oldName)
	}

	tool := &DynamicTool{
		Name:        manifest.Name,
		Description: manifest.Description,
		InputSchema: manifest.Schema,
		Permissions: manifest.Permissions,
		SourcePath:  path,
		ContentHash: hash,
		LoadedAt:    time.Now(),
		Handler:     &luaTool{name: manifest.Name, proto: proto, onEvent: l.onEvent},
	}
	l.tools[manifest.Name] = tool
	l.byPath[path] = manifest.Name
	l.hashes[path] = hash
	l.warnings[path] = findings

	fields := map[string]interface{}{
		"tool": manifest.Name,
		"path": path,
		"hash": hash[:12],
	}
	if len(findings) > 0 {
		fields["warnings"] = FormatFindings(findings)
	}
	l.logger.Info("Tool loaded", fields)
	return true, nil
}

// Create writes a new tool module and loads it synchronously. The watcher
// will observe the write too; the content-hash check makes that a no-op.
func (l *Loader) Create(name, description string, schema map[string]interface{}, code string, permissions []string) (*DynamicTool, error) {
	if !ToolNamePattern.MatchString(name) {
		return nil, core.NewCoreError("worker.Loader.Create", core.KindValidation,
			fmt.Errorf("invalid tool name %q", name))
	}
	l.createMu.Lock()
	defer l.createMu.Unlock()
	l.mu.RLock()
	_, exists := l.tools[name]
	l.mu.RUnlock()
	if exists {
		return nil, core.NewCoreError("worker.Loader.Create", core.KindValidation,
			fmt.Errorf("%w: %q", core.ErrToolExists, name))
	}

	// Full modules declare their own handle function; bare handler bodies
	// get wrapped in a generated module.
	source := code
	if !strings.Contains(code, "function handle") {
		source = renderToolModule(name, description, schema, permissions, code)
	}

	findings := ScanSource(source)
	if HasError(findings) {
		return nil, core.NewCoreError("worker.Loader.Create", core.KindToolLoad,
			fmt.Errorf("%w: %s", core.ErrToolLoadRejected, FormatFindings(findings)))
	}

	path := filepath.Join(l.dir, name+toolFileExt)
	if _, err := os.Stat(path); err == nil {
		return nil, core.NewCoreError("worker.Loader.Create", core.KindValidation,
			fmt.Errorf("%w: file for %q already present", core.ErrToolExists, name))
	}
	if err := os.WriteFile(path, []byte(source), 0o644); err != nil {
		return nil, core.NewCoreError("worker.Loader.Create", core.KindToolLoad, err)
	}

	if _, err := l.loadFile(path); err != nil {
		_ = os.Remove(path)
		return nil, err
	}

	l.mu.Lock()
	tool := l.tools[name]
	cb := l.onChange
	l.mu.Unlock()
	if cb != nil {
		cb()
	}
	return tool, nil
}

// Update rewrites an existing dynamic tool's module in place. The
// content-hash check makes the watcher's follow-up event a no-op.
func (l *Loader) Update(name, description string, schema map[string]interface{}, code string, permissions []string) (*DynamicTool, error) {
	l.mu.RLock()
	existing, ok := l.tools[name]
	l.mu.RUnlock()
	if !ok {
		return nil, core.NewCoreError("worker.Loader.Update", core.KindValidation,
			fmt.Errorf("%w: %q", core.ErrToolNotFound, name))
	}

	source := code
	if !strings.Contains(code, "function handle") {
		source = renderToolModule(name, description, schema, permissions, code)
	}
	findings := ScanSource(source)
	if HasError(findings) {
		return nil, core.NewCoreError("worker.Loader.Update", core.KindToolLoad,
			fmt.Errorf("%w: %s", core.ErrToolLoadRejected, FormatFindings(findings)))
	}

	previous, err := os.ReadFile(existing.SourcePath)
	if err != nil {
		return nil, core.NewCoreError("worker.Loader.Update", core.KindToolLoad, err)
	}
	if err := os.WriteFile(existing.SourcePath, []byte(source), 0o644); err != nil {
		return nil, core.NewCoreError("worker.Loader.Update", core.KindToolLoad, err)
	}
	if _, err := l.loadFile(existing.SourcePath); err != nil {
		// Roll the file back so the registered tool and its source agree.
		_ = os.WriteFile(existing.SourcePath, previous, 0o644)
		return nil, err
	}

	l.mu.Lock()
	tool := l.tools[name]
	cb := l.onChange
	l.mu.Unlock()
	if tool == nil {
		// The new source renamed the tool; treat it as an invalid update.
		return nil, core.NewCoreError("worker.Loader.Update", core.KindValidation,
			fmt.Errorf("updated module no longer declares tool %q", name))
	}
	if cb != nil {
		cb()
	}
	return tool, nil
}

// Delete removes a dynamic tool and its file. Protection is enforced by
// the worker, which also knows the configured protected names.
func (l *Loader) Delete(name string) error {
	l.createMu.Lock()
	defer l.createMu.Unlock()
	l.mu.Lock()
	tool, ok := l.tools[name]
	if !ok {
		l.mu.Unlock()
		return core.NewCoreError("worker.Loader.Delete", core.KindValidation,
			fmt.Errorf("%w: %q", core.ErrToolNotFound, name))
	}
	delete(l.tools, name)
	delete(l.byPath, tool.SourcePath)
	delete(l.hashes, tool.SourcePath)
	delete(l.warnings, tool.SourcePath)
	cb := l.onChange
	l.mu.Unlock()

	if tool.SourcePath != "" {
		if err := os.Remove(tool.SourcePath); err != nil && !os.IsNotExist(err) {
			return core.NewCoreError("worker.Loader.Delete", core.KindToolLoad, err)
		}
	}
	if cb != nil {
		cb()
	}
	return nil
}

// Get returns a loaded tool by name.
func (l *Loader) Get(name string) *DynamicTool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tools[name]
}

// List returns loaded tools ordered by name.
func (l *Loader) List() []*DynamicTool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*DynamicTool, 0, len(l.tools))
	for _, t := range l.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// LoadError returns the pending load error from the last rescan, if any.
func (l *Loader) LoadError() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.loadErr
}

// contentHash is the stable identity of a tool file's bytes.
func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// renderToolModule wraps a bare Lua handler body into a full module.
func renderToolModule(name, description string, schema map[string]interface{}, permissions []string, body string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "tool = {\n")
	fmt.Fprintf(&sb, "  name = %q,\n", name)
	fmt.Fprintf(&sb, "  description = %q,\n", description)
	sb.WriteString("  schema = " + luaLiteral(schema) + ",\n")
	if len(permissions) > 0 {
		sb.WriteString("  permissions = {")
		for i, p := range permissions {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%q", p)
		}
		sb.WriteString("},\n")
	}
	sb.WriteString("}\n\nfunction handle(args)\n")
	sb.WriteString(body)
	sb.WriteString("\nend\n")
	return sb.String()
}

// luaLiteral renders Go data as a Lua table literal.
func luaLiteral(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return "{}"
	case string:
		return fmt.Sprintf("%q", t)
	case bool:
		return fmt.Sprintf("%v", t)
	case float64:
		return fmt.Sprintf("%v", t)
	case int:
		return fmt.Sprintf("%d", t)
	case []interface{}:
		parts := make([]string, len(t))
		for i, e := range t {
			parts[i] = luaLiteral(e)
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case []string:
		parts := make([]string, len(t))
		for i, e := range t {
			parts[i] = fmt.Sprintf("%q", e)
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = fmt.Sprintf("[%q] = %s", k, luaLiteral(t[k]))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	default:
		return fmt.Sprintf("%q", fmt.Sprintf("%v", t))
	}
}
