package scripting

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/cory-johannsen/gridlock/internal/dice"
)

// Manager owns one sandboxed LState holding every loaded script and exposes
// hook dispatch. It is safe for concurrent use; calls are serialized.
type Manager struct {
	mu     sync.Mutex
	state  *lua.LState
	limit  int
	src    dice.Source
	logger *zap.Logger
}

// NewManager creates a Manager with no scripts loaded.
//
// Precondition: src and logger must be non-nil.
// Postcondition: Returns a non-nil Manager; CallHook is a no-op until Load succeeds.
func NewManager(src dice.Source, logger *zap.Logger) *Manager {
	return &Manager{src: src, logger: logger}
}

// Load creates a fresh sandboxed VM, registers the engine.* modules, then
// executes every *.lua file in scriptDir in lexicographic order. A previous
// VM is replaced only when every file loads.
//
// Precondition: scriptDir must be a readable directory; instLimit >= 0.
// Postcondition: Returns an error on a read or Lua load failure, leaving the
// previous VM in place.
func (m *Manager) Load(scriptDir string, instLimit int) error {
	L := NewSandboxedState()
	m.RegisterModules(L)

	entries, err := os.ReadDir(scriptDir)
	if err != nil {
		L.Close()
		return fmt.Errorf("scripting: reading script dir %q: %w", scriptDir, err)
	}

	var luaFiles []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".lua" {
			luaFiles = append(luaFiles, filepath.Join(scriptDir, e.Name()))
		}
	}
	sort.Strings(luaFiles)

	for _, path := range luaFiles {
		if err := RunLimited(L, instLimit, func() error { return L.DoFile(path) }); err != nil {
			L.Close()
			return fmt.Errorf("scripting: loading %q: %w", path, err)
		}
	}

	m.mu.Lock()
	if m.state != nil {
		m.state.Close()
	}
	m.state = L
	m.limit = instLimit
	m.mu.Unlock()

	m.logger.Info("scripts loaded",
		zap.String("dir", scriptDir),
		zap.Int("files", len(luaFiles)),
	)
	return nil
}

// Has reports whether a global function named hook is defined.
func (m *Manager) Has(hook string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return false
	}
	_, ok := m.state.GetGlobal(hook).(*lua.LFunction)
	return ok
}

// CallHook calls the named Lua global function. Returns (LNil, nil) if the
// hook is not defined or nothing is loaded. Lua runtime errors, including an
// exhausted instruction budget, are logged at Warn level and never propagated.
//
// Precondition: args must be valid lua.LValue instances.
// Postcondition: Returns the first return value of the hook, or LNil.
func (m *Manager) CallHook(hook string, args ...lua.LValue) (lua.LValue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callLocked(hook, args...)
}

func (m *Manager) callLocked(hook string, args ...lua.LValue) (lua.LValue, error) {
	L := m.state
	if L == nil {
		return lua.LNil, nil
	}
	fn := L.GetGlobal(hook)
	if fn == lua.LNil {
		return lua.LNil, nil
	}

	err := RunLimited(L, m.limit, func() error {
		return L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, args...)
	})
	if err != nil {
		m.logger.Warn("scripting: Lua runtime error",
			zap.String("hook", hook),
			zap.Error(err),
		)
		return lua.LNil, nil
	}

	ret := L.Get(-1)
	L.Pop(1)
	return ret, nil
}

// CallTable calls hook with one table built from in and converts a returned
// table back. Supported values are strings, bools, ints, int64s and float64s.
//
// Postcondition: Returns false when the hook is missing, fails, or does not
// return a table.
func (m *Manager) CallTable(hook string, in map[string]any) (map[string]any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return nil, false
	}
	arg := m.state.NewTable()
	for k, v := range in {
		m.state.SetField(arg, k, toLua(v))
	}
	ret, _ := m.callLocked(hook, arg)
	tbl, ok := ret.(*lua.LTable)
	if !ok {
		return nil, false
	}
	out := make(map[string]any)
	tbl.ForEach(func(k, v lua.LValue) {
		key, ok := k.(lua.LString)
		if !ok {
			return
		}
		out[string(key)] = fromLua(v)
	})
	return out, true
}

// Close releases the VM.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != nil {
		m.state.Close()
		m.state = nil
	}
}

func toLua(v any) lua.LValue {
	switch x := v.(type) {
	case string:
		return lua.LString(x)
	case bool:
		return lua.LBool(x)
	case int:
		return lua.LNumber(x)
	case int64:
		return lua.LNumber(x)
	case float64:
		return lua.LNumber(x)
	}
	return lua.LNil
}

func fromLua(v lua.LValue) any {
	switch x := v.(type) {
	case lua.LString:
		return string(x)
	case lua.LBool:
		return bool(x)
	case lua.LNumber:
		return float64(x)
	}
	return nil
}
