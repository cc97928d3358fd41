package serialmux

import (
	"context"
	"errors"
	"net/http"
)

// ErrNoBridge is returned by Disabled.SendCommand.
var ErrNoBridge = errors.New("no sensor bridge configured")

// Disabled stands in for the bridge when samples arrive over OSC only.
// Subscriptions stay open until Unsubscribe or Close so consumers wired
// the same way as for a real bridge shut down cleanly.
type Disabled struct {
	subs *fanout
}

func NewDisabled() *Disabled {
	return &Disabled{subs: newFanout()}
}

func (d *Disabled) Subscribe(kinds ...string) (string, <-chan string) {
	return d.subs.subscribe(kinds)
}

func (d *Disabled) Unsubscribe(id string) { d.subs.unsubscribe(id) }

func (d *Disabled) SendCommand(string) error { return ErrNoBridge }

func (d *Disabled) Initialize() error { return nil }

func (d *Disabled) Monitor(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (d *Disabled) Close() error {
	d.subs.close()
	return nil
}

func (d *Disabled) AttachAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/debug/serial-stats", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, ErrNoBridge.Error(), http.StatusNotFound)
	})
}
