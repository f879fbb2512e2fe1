package session

import (
	"github.com/gin-contrib/sessions"
)

// detached はストアを持たないセッションです。値はリクエストの間だけ保持されます。
type detached struct {
	values  map[any]any
	flashes map[string][]any
}

var _ sessions.Session = (*detached)(nil)

func newDetached() *detached {
	return &detached{
		values:  make(map[any]any),
		flashes: make(map[string][]any),
	}
}

func (d *detached) ID() string { return "" }

func (d *detached) Get(key any) any { return d.values[key] }

func (d *detached) Set(key, val any) { d.values[key] = val }

func (d *detached) Delete(key any) { delete(d.values, key) }

func (d *detached) Clear() {
	d.values = make(map[any]any)
}

func (d *detached) AddFlash(value any, vars ...string) {
	key := flashKey(vars)
	d.flashes[key] = append(d.flashes[key], value)
}

func (d *detached) Flashes(vars ...string) []any {
	key := flashKey(vars)
	f := d.flashes[key]
	delete(d.flashes, key)
	return f
}

func (d *detached) Options(sessions.Options) {}

func (d *detached) Save() error { return nil }

func flashKey(vars []string) string {
	if len(vars) > 0 {
		return vars[0]
	}
	return "_flash"
}
