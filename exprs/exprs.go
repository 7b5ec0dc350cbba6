// Package exprs lets guards, assigns, log values, and delays be authored
// as ECMAScript source strings. Scripts run on goja with three globals:
// ctx, a copy of the machine context; event, the causing event as
// {type, ...payload}; and cronNext, which returns the next firing time
// of a crontab expression. Scripts return their result with an explicit
// return statement, e.g. "return ctx.count > 0".
package exprs

import (
	"fmt"
	"time"

	"github.com/dop251/goja"
	"github.com/gorhill/cronexpr"

	"github.com/anggasct/harel"
)

func wrapSrc(src string) string {
	return fmt.Sprintf("(function() {\n%s\n}());\n", src)
}

type program struct {
	src      string
	compiled *goja.Program
	err      error
}

func compile(src string) *program {
	p := &program{src: src}
	compiled, err := goja.Compile("", wrapSrc(src), true)
	if err != nil {
		p.err = fmt.Errorf("bad script %q: %w", src, err)
		return p
	}
	p.compiled = compiled
	return p
}

// run evaluates the program against a fresh runtime. goja runtimes are
// not safe for reuse across goroutines, so each evaluation gets its own.
func (p *program) run(ctx harel.Context, event harel.Event) (goja.Value, error) {
	if p.err != nil {
		return nil, p.err
	}
	o := goja.New()
	if err := o.Set("ctx", map[string]any(ctx.Clone())); err != nil {
		return nil, err
	}
	if err := o.Set("event", eventObject(event)); err != nil {
		return nil, err
	}
	if err := o.Set("cronNext", cronNext(o)); err != nil {
		return nil, err
	}
	value, err := o.RunProgram(p.compiled)
	if err != nil {
		return nil, fmt.Errorf("script %q: %w", p.src, err)
	}
	return value, nil
}

func eventObject(event harel.Event) map[string]any {
	obj := make(map[string]any, len(event.Data)+1)
	for key, value := range event.Data {
		obj[key] = value
	}
	obj["type"] = event.Type
	return obj
}

// cronNext parses its argument as a crontab expression and returns the
// next firing time formatted as RFC3339Nano in UTC.
func cronNext(o *goja.Runtime) func(goja.Value) any {
	return func(v goja.Value) any {
		expr, ok := v.Export().(string)
		if !ok {
			panic(o.ToValue("cronNext: not a string"))
		}
		c, err := cronexpr.Parse(expr)
		if err != nil {
			panic(o.ToValue(err.Error()))
		}
		return c.Next(time.Now()).UTC().Format(time.RFC3339Nano)
	}
}

// Guard compiles a script into a guard predicate. The script's return
// value is coerced to a boolean; compile and runtime errors surface
// through the guard's error return.
func Guard(src string) harel.GuardFunc {
	p := compile(src)
	return func(ctx harel.Context, event harel.Event) (bool, error) {
		value, err := p.run(ctx, event)
		if err != nil {
			return false, err
		}
		return value.ToBoolean(), nil
	}
}

// Assign compiles a script into an assign action. The script returns an
// object whose entries are merged into the context. Script failures
// leave the context unchanged.
func Assign(src string) harel.Action {
	p := compile(src)
	return harel.Assign(func(ctx harel.Context, event harel.Event) harel.Context {
		value, err := p.run(ctx, event)
		if err != nil {
			return ctx
		}
		updates, ok := value.Export().(map[string]any)
		if !ok {
			return ctx
		}
		return ctx.Merge(harel.Context(updates))
	})
}

// Log compiles a script into a log action emitting the script's return
// value. Script failures emit the error text instead.
func Log(src string) harel.Action {
	p := compile(src)
	return harel.Log(func(ctx harel.Context, event harel.Event) any {
		value, err := p.run(ctx, event)
		if err != nil {
			return err.Error()
		}
		return value.Export()
	})
}

// Delay compiles a script into a named delay implementation. The script
// returns the delay in milliseconds; failures resolve to zero.
func Delay(src string) harel.DelayFunc {
	p := compile(src)
	return func(ctx harel.Context, event harel.Event) time.Duration {
		value, err := p.run(ctx, event)
		if err != nil {
			return 0
		}
		return time.Duration(value.ToFloat() * float64(time.Millisecond))
	}
}

// CronDelay builds a delay implementation firing at the next time the
// crontab expression matches, measured from the wall clock.
func CronDelay(expr string) (harel.DelayFunc, error) {
	c, err := cronexpr.Parse(expr)
	if err != nil {
		return nil, err
	}
	return func(ctx harel.Context, event harel.Event) time.Duration {
		return time.Until(c.Next(time.Now()))
	}, nil
}
