package jsrt

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPrelude = `globalThis.__blocks = {
  greeting: function () {
    return globalThis.__blockBridgeHook("blocks/greeting.block.js", "0", Array.prototype.slice.call(arguments));
  }
};`

func TestRenderPage(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "page.render.js", `export default (blocks, page) => "<h1>" + page.title + "</h1><p>" + blocks.greeting("a") + "</p>";`)

	var calls []string
	hook := func(modulePath, id, args string) (json.RawMessage, error) {
		calls = append(calls, modulePath+"|"+id+"|"+args)
		return json.RawMessage(`"hello world a"`), nil
	}

	html, err := NewRenderer(nil).RenderPage(context.Background(), RenderRequest{
		BasePath:   dir,
		ScriptPath: "page.render.js",
		Prelude:    testPrelude,
		Page:       json.RawMessage(`{"title":"About"}`),
		Hook:       hook,
		Timeout:    5 * time.Second,
	})

	require.NoError(t, err)
	assert.Equal(t, "<h1>About</h1><p>hello world a</p>", html)
	assert.Equal(t, []string{`blocks/greeting.block.js|0|["a"]`}, calls)
}

func TestRenderPageHookFailure(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "page.render.js", `export default (blocks) => {
  try { return blocks.greeting("a"); } catch (e) { return "caught: " + e; }
};`)

	hook := func(string, string, string) (json.RawMessage, error) {
		return nil, errors.New("boom")
	}

	html, err := NewRenderer(nil).RenderPage(context.Background(), RenderRequest{
		BasePath:   dir,
		ScriptPath: "page.render.js",
		Prelude:    testPrelude,
		Hook:       hook,
	})

	require.NoError(t, err)
	assert.Equal(t, "caught: boom", html)
}

func TestRenderPageAsync(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "page.render.js", `export default async (blocks, page) => "<ul>" + page.items.map((i) => "<li>" + i + "</li>").join("") + "</ul>";`)

	html, err := NewRenderer(nil).RenderPage(context.Background(), RenderRequest{
		BasePath:   dir,
		ScriptPath: "page.render.js",
		Page:       json.RawMessage(`{"items":[1,2]}`),
	})

	require.NoError(t, err)
	assert.Equal(t, "<ul><li>1</li><li>2</li></ul>", html)
}

func TestRenderPageErrors(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "number.render.js", `export default () => 42;`)
	writeModule(t, dir, "throws.render.js", `export default () => { throw new Error("bad page"); };`)
	writeModule(t, dir, "nodefault.render.js", `export const x = 1;`)

	tests := []struct {
		name   string
		script string
		errMsg string
	}{
		{name: "non string output", script: "number.render.js", errMsg: ErrRenderOutput.Error()},
		{name: "throws", script: "throws.render.js", errMsg: "bad page"},
		{name: "no default export", script: "nodefault.render.js", errMsg: "no default export"},
		{name: "missing script", script: "missing.render.js", errMsg: "failed to load render script"},
	}

	r := NewRenderer(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.RenderPage(context.Background(), RenderRequest{BasePath: dir, ScriptPath: tt.script})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestRenderPageTimeoutCountsHookCalls(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "slow.render.js", `export default (blocks) => {
  const value = blocks.greeting("a");
  let n = 0;
  for (let i = 0; i < 100000; i++) { n += i; }
  return "<p>" + value + n + "</p>";
};`)

	hook := func(string, string, string) (json.RawMessage, error) {
		time.Sleep(300 * time.Millisecond)
		return json.RawMessage(`"late"`), nil
	}

	_, err := NewRenderer(nil).RenderPage(context.Background(), RenderRequest{
		BasePath:   dir,
		ScriptPath: "slow.render.js",
		Prelude:    testPrelude,
		Hook:       hook,
		Timeout:    100 * time.Millisecond,
	})

	require.ErrorIs(t, err, ErrRenderTimeout)
	assert.NotContains(t, err.Error(), "block timed out")
}
