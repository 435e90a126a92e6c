package scripting

import (
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// RegisterModules registers the engine.* Lua tables into L:
//
//	engine.log.debug|info|warn|error(msg)
//	engine.random(n) -> integer in [1, n]
//
// Precondition: L must be from NewSandboxedState.
// Postcondition: engine global is defined in L.
func (m *Manager) RegisterModules(L *lua.LState) {
	engine := L.NewTable()

	log := L.NewTable()
	levels := map[string]func(string, ...zap.Field){
		"debug": m.logger.Debug,
		"info":  m.logger.Info,
		"warn":  m.logger.Warn,
		"error": m.logger.Error,
	}
	for name, fn := range levels {
		L.SetField(log, name, L.NewFunction(func(L *lua.LState) int {
			fn("lua: "+L.CheckString(1), zap.String("source", "script"))
			return 0
		}))
	}
	L.SetField(engine, "log", log)

	L.SetField(engine, "random", L.NewFunction(func(L *lua.LState) int {
		n := L.CheckInt(1)
		if n < 1 {
			L.ArgError(1, "n must be >= 1")
			return 0
		}
		L.Push(lua.LNumber(m.src.Intn(n) + 1))
		return 1
	}))

	L.SetGlobal("engine", engine)
}
