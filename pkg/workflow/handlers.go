// SPDX-License-Identifier: Apache-2.0
package workflow

import (
	"context"
	"strings"
	"text/template"

	lua "github.com/yuin/gopher-lua"

	"github.com/jllopis/kairos-runner/pkg/agent"
	"github.com/jllopis/kairos-runner/pkg/errors"
	"github.com/jllopis/kairos-runner/pkg/mcp"
)

// Render expands a step template against state. Templates see .Input, .Last
// and .Outputs.
func Render(text string, state *State) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}
	tmpl, err := template.New("step").Option("missingkey=zero").Parse(text)
	if err != nil {
		return "", errors.New(errors.CodeInvalidInput, "parse step template", err)
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, state); err != nil {
		return "", errors.New(errors.CodeInvalidInput, "render step template", err)
	}
	return b.String(), nil
}

// AgentHandler runs agent steps. base supplies the working directory and
// connections; emit receives every message so the caller can build one trace.
func AgentHandler(runner agent.Runner, base agent.Request, emit func(agent.Message)) Handler {
	return func(ctx context.Context, step Step, state *State) (string, error) {
		prompt, err := Render(step.Prompt, state)
		if err != nil {
			return "", err
		}
		system, err := Render(step.SystemPrompt, state)
		if err != nil {
			return "", err
		}

		req := base
		req.Prompt = prompt
		if system != "" {
			req.SystemPrompt = joinNonEmpty(base.SystemPrompt, system)
		}
		if step.Model != "" {
			req.Model = step.Model
		}

		var result string
		err = runner.Run(ctx, req, func(m agent.Message) {
			if m.Type == agent.TypeResult {
				result = m.Result
			}
			if emit != nil {
				emit(m)
			}
		})
		if err != nil {
			return "", err
		}
		return result, nil
	}
}

// ToolHandler calls a tool on one of the run's connections. String argument
// values are rendered as templates.
func ToolHandler(pool *mcp.Pool) Handler {
	return func(ctx context.Context, step Step, state *State) (string, error) {
		client, err := pool.Get(ctx, step.Connection)
		if err != nil {
			return "", err
		}
		args := make(map[string]any, len(step.Args))
		for k, v := range step.Args {
			if s, ok := v.(string); ok {
				if v, err = Render(s, state); err != nil {
					return "", err
				}
			}
			args[k] = v
		}
		return client.CallText(ctx, step.Tool, args)
	}
}

// ScriptHandler runs Lua transforms in a sandbox without file, OS or module
// access. The chunk sees the globals input, last and outputs and its first
// return value becomes the step output.
func ScriptHandler() Handler {
	return func(ctx context.Context, step Step, state *State) (string, error) {
		L := lua.NewState(lua.Options{SkipOpenLibs: true})
		defer L.Close()
		L.SetContext(ctx)
		openSafeLibs(L)

		L.SetGlobal("input", lua.LString(state.Input))
		L.SetGlobal("last", lua.LString(state.Last))
		outputs := L.NewTable()
		for id, out := range state.Outputs {
			L.SetField(outputs, id, lua.LString(out))
		}
		L.SetGlobal("outputs", outputs)

		top := L.GetTop()
		if err := L.DoString(step.Script); err != nil {
			return "", errors.New(errors.CodeAgentError, "script failed", err)
		}
		if L.GetTop() == top {
			return "", nil
		}
		ret := L.Get(top + 1)
		if ret == lua.LNil {
			return "", nil
		}
		return ret.String(), nil
	}
}

func openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)
	for _, name := range []string{"loadfile", "dofile", "load", "loadstring", "print", "require", "module"} {
		L.SetGlobal(name, lua.LNil)
	}
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
}

func joinNonEmpty(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "\n\n")
}
