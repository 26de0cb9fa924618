package server

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"mania-rpc/codec"
	"mania-rpc/message"
)

// Dedicated is a small in-memory model of a dedicated server's XML-RPC
// surface: enough of the handshake, map directory and map list for a
// controller to run against.
type Dedicated struct {
	srv      *Server
	mapsDir  string
	user     string
	password string

	mu            sync.Mutex
	apiVersion    string
	authenticated bool
	callbacks     bool
	maps          []string
	current       int
}

// NewDedicated registers the model's methods on srv. mapsDir must exist;
// InsertMap only accepts files present in it.
func NewDedicated(srv *Server, mapsDir, user, password string) (*Dedicated, error) {
	abs, err := filepath.Abs(mapsDir)
	if err != nil {
		return nil, err
	}
	d := &Dedicated{
		srv:      srv,
		mapsDir:  abs + string(filepath.Separator),
		user:     user,
		password: password,
	}
	if err := srv.Register(d); err != nil {
		return nil, err
	}
	return d, nil
}

func permissionDenied() error {
	return &message.Fault{Code: FaultGeneric, String: "Permission denied."}
}

func (d *Dedicated) GetVersion(params []any) (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return map[string]any{
		"Name":       "ManiaPlanet",
		"TitleId":    "TMStadium@nadeo",
		"Version":    "3.3.0",
		"Build":      "2019-10-23_20_00",
		"ApiVersion": d.apiVersion,
	}, nil
}

func (d *Dedicated) SetApiVersion(params []any) (any, error) {
	if len(params) != 1 {
		return nil, &message.Fault{Code: FaultGeneric, String: "Wrong parameter count."}
	}
	version, err := codec.String(params[0])
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.apiVersion = version
	d.mu.Unlock()
	return true, nil
}

func (d *Dedicated) Authenticate(params []any) (any, error) {
	if len(params) != 2 {
		return nil, &message.Fault{Code: FaultGeneric, String: "Wrong parameter count."}
	}
	user, _ := codec.String(params[0])
	password, _ := codec.String(params[1])
	if user != d.user || password != d.password {
		return nil, permissionDenied()
	}
	d.mu.Lock()
	d.authenticated = true
	d.mu.Unlock()
	return true, nil
}

func (d *Dedicated) EnableCallbacks(params []any) (any, error) {
	if len(params) != 1 {
		return nil, &message.Fault{Code: FaultGeneric, String: "Wrong parameter count."}
	}
	enable, err := codec.Bool(params[0])
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.authenticated {
		return nil, permissionDenied()
	}
	d.callbacks = enable
	return true, nil
}

func (d *Dedicated) GetMapsDirectory(params []any) (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.authenticated {
		return nil, permissionDenied()
	}
	return d.mapsDir, nil
}

// InsertMap adds a file from the maps directory right after the current map.
func (d *Dedicated) InsertMap(params []any) (any, error) {
	if len(params) != 1 {
		return nil, &message.Fault{Code: FaultGeneric, String: "Wrong parameter count."}
	}
	name, err := codec.String(params[0])
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.authenticated {
		return nil, permissionDenied()
	}
	if _, err := os.Stat(filepath.Join(d.mapsDir, name)); err != nil {
		return nil, &message.Fault{Code: FaultGeneric, String: "Challenge not found."}
	}
	for _, m := range d.maps {
		if m == name {
			return nil, &message.Fault{Code: FaultGeneric, String: "Challenge already added."}
		}
	}

	at := 0
	if len(d.maps) > 0 {
		at = d.current + 1
	}
	d.maps = append(d.maps, "")
	copy(d.maps[at+1:], d.maps[at:])
	d.maps[at] = name
	return true, nil
}

// NextMap switches to the following map and pushes ManiaPlanet.BeginMap when
// callbacks are enabled.
func (d *Dedicated) NextMap(params []any) (any, error) {
	d.mu.Lock()
	if !d.authenticated {
		d.mu.Unlock()
		return nil, permissionDenied()
	}
	if len(d.maps) == 0 {
		d.mu.Unlock()
		return nil, &message.Fault{Code: FaultGeneric, String: "No map in the list."}
	}
	d.current = (d.current + 1) % len(d.maps)
	info := mapInfo(d.maps[d.current])
	notify := d.callbacks
	d.mu.Unlock()

	if notify {
		if err := d.srv.Notify("ManiaPlanet.BeginMap", info); err != nil {
			return nil, fmt.Errorf("notify BeginMap: %w", err)
		}
	}
	return true, nil
}

// GetMapList takes (limit, offset), as the real method does.
func (d *Dedicated) GetMapList(params []any) (any, error) {
	limit, offset := -1, 0
	if len(params) >= 1 {
		n, err := codec.Int(params[0])
		if err != nil {
			return nil, err
		}
		limit = n
	}
	if len(params) >= 2 {
		n, err := codec.Int(params[1])
		if err != nil {
			return nil, err
		}
		offset = n
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	list := make([]any, 0, len(d.maps))
	for i, name := range d.maps {
		if i < offset {
			continue
		}
		if limit >= 0 && len(list) >= limit {
			break
		}
		list = append(list, mapInfo(name))
	}
	return list, nil
}

// Maps returns the map list in play order.
func (d *Dedicated) Maps() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.maps...)
}

// CallbacksEnabled reports whether EnableCallbacks(true) was accepted.
func (d *Dedicated) CallbacksEnabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.callbacks
}

func mapInfo(fileName string) map[string]any {
	return map[string]any{
		"FileName":      fileName,
		"Name":          fileName,
		"Environnement": "Stadium",
	}
}
