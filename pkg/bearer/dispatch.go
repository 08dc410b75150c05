package bearer

import (
	"sync"

	"github.com/pion/logging"
)

// FieldHandler handles one advertising data structure of a received
// advertisement.
type FieldHandler func(adv Advertisement, field Field)

type dispatchKey struct {
	adv AdvType
	ad  ADType
}

// Dispatcher routes received advertising data structures by advertising PDU
// type and AD type.
type Dispatcher struct {
	log logging.LeveledLogger

	mu       sync.RWMutex
	handlers map[dispatchKey]FieldHandler
}

// NewDispatcher creates an empty dispatcher. factory may be nil.
func NewDispatcher(factory logging.LoggerFactory) *Dispatcher {
	d := &Dispatcher{handlers: make(map[dispatchKey]FieldHandler)}
	if factory != nil {
		d.log = factory.NewLogger("bearer")
	}
	return d
}

// Register installs h for structures of type ad in advertisements of type
// adv, replacing any previous handler. A nil h removes the entry.
func (d *Dispatcher) Register(adv AdvType, ad ADType, h FieldHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if h == nil {
		delete(d.handlers, dispatchKey{adv, ad})
		return
	}
	d.handlers[dispatchKey{adv, ad}] = h
}

// Dispatch parses adv and hands every registered structure to its handler.
// Malformed advertisements are dropped.
func (d *Dispatcher) Dispatch(adv Advertisement) {
	fields, err := ParseAD(adv.Data)
	if err != nil {
		if d.log != nil {
			d.log.Tracef("dropping advertisement from %x: %v", adv.Addr, err)
		}
		return
	}
	for _, f := range fields {
		d.mu.RLock()
		h := d.handlers[dispatchKey{adv.Type, f.Type}]
		d.mu.RUnlock()
		if h != nil {
			h(adv, f)
		}
	}
}

// Handler returns d.Dispatch as a Handler.
func (d *Dispatcher) Handler() Handler {
	return d.Dispatch
}
