// Package script sandboxes script-task bodies (§4.4) using an
// embedded Lua interpreter: context variables are exposed as Lua
// globals, the snippet runs to completion or error, and the `result`
// global (if set) becomes the task's output, merged back into the
// workflow context.
//
// Grounded on cuemby-warren's indirect dependency on
// github.com/yuin/gopher-lua for embedded scripting.
package script

import (
	"context"
	"fmt"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// Run executes source with vars exposed as Lua globals, under ctx's
// deadline. Returns the value of the `result` global if set
// (unmarshaled into Go primitives/maps/slices), or nil if the script
// never assigned it.
func Run(ctx context.Context, source string, vars map[string]any) (any, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: false})
	defer L.Close()

	L.SetContext(ctx) // gopher-lua polls ctx.Done() between VM steps and aborts execution

	for k, v := range vars {
		L.SetGlobal(k, toLua(L, v))
	}

	done := make(chan error, 1)
	go func() {
		done <- L.DoString(source)
	}()

	select {
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("script: execution failed: %w", err)
		}
	case <-ctx.Done():
		// The VM aborts on ctx cancellation; wait for DoString to return
		// before the deferred L.Close tears the state down.
		<-done
		return nil, fmt.Errorf("script: execution cancelled: %w", ctx.Err())
	}

	result := L.GetGlobal("result")
	if result == lua.LNil {
		return nil, nil
	}
	return fromLua(result), nil
}

// RunWithTimeout is a convenience wrapper for callers that only need a
// plain deadline rather than an existing context.
func RunWithTimeout(source string, vars map[string]any, timeout time.Duration) (any, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return Run(ctx, source, vars)
}

// RunVars executes source the same way Run does, then re-reads every
// global named in vars in addition to `result`, so mutations the
// script made to its injected locals are merged back into the
// workflow context (§4.4: "mutations re-merged on completion").
// Returns a map keyed by variable name (including "result" when set)
// holding the current Lua-side value of every injected variable that
// is not nil, whether or not the script changed it, so a no-op script
// still round-trips its inputs.
func RunVars(ctx context.Context, source string, vars map[string]any) (map[string]any, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: false})
	defer L.Close()

	L.SetContext(ctx)

	for k, v := range vars {
		L.SetGlobal(k, toLua(L, v))
	}

	done := make(chan error, 1)
	go func() {
		done <- L.DoString(source)
	}()

	select {
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("script: execution failed: %w", err)
		}
	case <-ctx.Done():
		<-done // see Run: let the aborted VM return before L.Close
		return nil, fmt.Errorf("script: execution cancelled: %w", ctx.Err())
	}

	out := make(map[string]any, len(vars)+1)
	for k := range vars {
		if v := L.GetGlobal(k); v != lua.LNil {
			out[k] = fromLua(v)
		}
	}
	if result := L.GetGlobal("result"); result != lua.LNil {
		out["result"] = fromLua(result)
	}
	return out, nil
}

func toLua(L *lua.LState, v any) lua.LValue {
	switch x := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(x)
	case string:
		return lua.LString(x)
	case int:
		return lua.LNumber(x)
	case int64:
		return lua.LNumber(x)
	case float64:
		return lua.LNumber(x)
	case map[string]any:
		t := L.NewTable()
		for k, v := range x {
			L.SetField(t, k, toLua(L, v))
		}
		return t
	case []any:
		t := L.NewTable()
		for i, v := range x {
			L.RawSetInt(t, i+1, toLua(L, v))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", x))
	}
}

func fromLua(v lua.LValue) any {
	switch x := v.(type) {
	case lua.LBool:
		return bool(x)
	case lua.LNumber:
		return float64(x)
	case lua.LString:
		return string(x)
	case *lua.LTable:
		// A table with a contiguous 1..N integer key sequence and no
		// other keys is treated as an array; otherwise as a map.
		maxN := x.Len()
		isArray := maxN > 0
		out := make(map[string]any)
		arr := make([]any, 0, maxN)
		x.ForEach(func(key, val lua.LValue) {
			if isArray {
				if n, ok := key.(lua.LNumber); ok && int(n) >= 1 && int(n) <= maxN {
					return
				}
				isArray = false
			}
			out[key.String()] = fromLua(val)
		})
		if isArray {
			for i := 1; i <= maxN; i++ {
				arr = append(arr, fromLua(x.RawGetInt(i)))
			}
			return arr
		}
		return out
	default:
		return nil
	}
}
