package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/barrhawk/labcore/core"
)

// EventFunc receives events emitted by tool handlers via the emit_event
// host function. The worker broadcasts them on the bus.
type EventFunc func(kind, tool string, detail map[string]interface{})

// luaTool is a Handler backed by a compiled Lua module. Each Run executes
// in a fresh sandboxed state, so handlers are isolated and reentrant.
type luaTool struct {
	name    string
	proto   *lua.FunctionProto
	onEvent EventFunc
}

// compileLuaModule parses and compiles tool source without executing it.
func compileLuaModule(source, path string) (*lua.FunctionProto, error) {
	chunk, err := parse.Parse(strings.NewReader(source), path)
	if err != nil {
		return nil, core.NewCoreError("worker.compileLuaModule", core.KindToolLoad, err)
	}
	proto, err := lua.Compile(chunk, path)
	if err != nil {
		return nil, core.NewCoreError("worker.compileLuaModule", core.KindToolLoad, err)
	}
	return proto, nil
}

// newSandboxedState opens only the safe libraries and strips the runtime
// loaders the scanner also rejects.
func newSandboxedState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.open))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	for _, name := range []string{"load", "loadstring", "loadfile", "dofile", "require", "collectgarbage"} {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}

// luaManifest is the validated tool table a module must declare.
type luaManifest struct {
	Name        string
	Description string
	Schema      map[string]interface{}
	Permissions []string
}

// loadLuaManifest executes the module once in a sandbox and validates its
// exported tool record: name regex, non-empty description, schema table,
// callable handle function.
func loadLuaManifest(proto *lua.FunctionProto) (*luaManifest, error) {
	L := newSandboxedState()
	defer L.Close()

	L.Push(L.NewFunctionFromProto(proto))
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		return nil, core.NewCoreError("worker.loadLuaManifest", core.KindToolLoad, err)
	}

	toolVal := L.GetGlobal("tool")
	toolTbl, ok := toolVal.(*lua.LTable)
	if !ok {
		return nil, core.NewCoreError("worker.loadLuaManifest", core.KindToolLoad,
			fmt.Errorf("%w: module does not declare a tool table", core.ErrToolLoadRejected))
	}

	m := &luaManifest{}
	if s, ok := toolTbl.RawGetString("name").(lua.LString); ok {
		m.Name = string(s)
	}
	if s, ok := toolTbl.RawGetString("description").(lua.LString); ok {
		m.Description = string(s)
	}
	if !ToolNamePattern.MatchString(m.Name) {
		return nil, core.NewCoreError("worker.loadLuaManifest", core.KindToolLoad,
			fmt.Errorf("%w: invalid tool name %q", core.ErrToolLoadRejected, m.Name))
	}
	if m.Description == "" {
		return nil, core.NewCoreError("worker.loadLuaManifest", core.KindToolLoad,
			fmt.Errorf("%w: empty description", core.ErrToolLoadRejected))
	}

	if schemaTbl, ok := toolTbl.RawGetString("schema").(*lua.LTable); ok {
		if schema, ok := luaToGo(schemaTbl).(map[string]interface{}); ok {
			m.Schema = schema
		}
	}
	if m.Schema == nil {
		return nil, core.NewCoreError("worker.loadLuaManifest", core.KindToolLoad,
			fmt.Errorf("%w: schema must be a table", core.ErrToolLoadRejected))
	}

	if permsTbl, ok := toolTbl.RawGetString("permissions").(*lua.LTable); ok {
		if perms, ok := luaToGo(permsTbl).([]interface{}); ok {
			for _, p := range perms {
				if s, ok := p.(string); ok {
					m.Permissions = append(m.Permissions, s)
				}
			}
		}
	}

	if _, ok := L.GetGlobal("handle").(*lua.LFunction); !ok {
		return nil, core.NewCoreError("worker.loadLuaManifest", core.KindToolLoad,
			fmt.Errorf("%w: handle must be a function", core.ErrToolLoadRejected))
	}
	return m, nil
}

// Run executes the tool's handle function with args.
func (t *luaTool) Run(ctx context.Context, args map[string]interface{}) (string, error) {
	L := newSandboxedState()
	defer L.Close()
	L.SetContext(ctx)

	if t.onEvent != nil {
		emit := t.onEvent
		name := t.name
		L.SetGlobal("emit_event", L.NewFunction(func(L *lua.LState) int {
			kind := L.CheckString(1)
			var detail map[string]interface{}
			if L.GetTop() >= 2 {
				if tbl, ok := L.Get(2).(*lua.LTable); ok {
					detail, _ = luaToGo(tbl).(map[string]interface{})
				}
			}
			emit(kind, name, detail)
			return 0
		}))
	}

	L.Push(L.NewFunctionFromProto(t.proto))
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		return "", core.NewCoreError("worker.luaTool.Run", core.KindToolRuntime, err)
	}

	handle := L.GetGlobal("handle")
	if err := L.CallByParam(lua.P{Fn: handle, NRet: 1, Protect: true}, goToLua(L, args)); err != nil {
		return "", core.NewCoreError("worker.luaTool.Run", core.KindToolRuntime, err)
	}
	ret := L.Get(-1)
	L.Pop(1)

	switch v := ret.(type) {
	case lua.LString:
		return string(v), nil
	case *lua.LTable:
		data, err := json.Marshal(luaToGo(v))
		if err != nil {
			return "", core.NewCoreError("worker.luaTool.Run", core.KindToolRuntime, err)
		}
		return string(data), nil
	case *lua.LNilType:
		return "", nil
	default:
		return v.String(), nil
	}
}

// luaToGo converts a Lua value to plain Go data. Tables with consecutive
// integer keys from 1 become slices, everything else becomes a map.
func luaToGo(v lua.LValue) interface{} {
	switch t := v.(type) {
	case lua.LString:
		return string(t)
	case lua.LNumber:
		return float64(t)
	case lua.LBool:
		return bool(t)
	case *lua.LTable:
		length := t.Len()
		if length > 0 {
			arr := make([]interface{}, 0, length)
			isArray := true
			t.ForEach(func(k, _ lua.LValue) {
				if _, ok := k.(lua.LNumber); !ok {
					isArray = false
				}
			})
			if isArray {
				for i := 1; i <= length; i++ {
					arr = append(arr, luaToGo(t.RawGetInt(i)))
				}
				return arr
			}
		}
		m := make(map[string]interface{})
		t.ForEach(func(k, val lua.LValue) {
			m[k.String()] = luaToGo(val)
		})
		return m
	default:
		return nil
	}
}

// goToLua converts plain Go data to a Lua value on L.
func goToLua(L *lua.LState, v interface{}) lua.LValue {
	switch t := v.(type) {
	case nil:
		return lua.LNil
	case string:
		return lua.LString(t)
	case bool:
		return lua.LBool(t)
	case int:
		return lua.LNumber(t)
	case int64:
		return lua.LNumber(t)
	case float64:
		return lua.LNumber(t)
	case json.Number:
		f, _ := t.Float64()
		return lua.LNumber(f)
	case []interface{}:
		tbl := L.NewTable()
		for _, e := range t {
			tbl.Append(goToLua(L, e))
		}
		return tbl
	case map[string]interface{}:
		tbl := L.NewTable()
		for k, val := range t {
			tbl.RawSetString(k, goToLua(L, val))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprintf("%v", t))
	}
}
