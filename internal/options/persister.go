package options

import (
	"sync"

	"github.com/pingsantohq/tcpping/pkg/types"
)

// Persister saves snapshots to a file and never lets an older version
// overwrite a newer one. Its Save method fits WithOnChange.
type Persister struct {
	path string
	mu   sync.Mutex
	last int32
	seen bool
	errs func(error)
}

// NewPersister writes to path. onError receives failed saves and may be nil.
func NewPersister(path string, onError func(error)) *Persister {
	return &Persister{path: path, errs: onError}
}

func (p *Persister) Path() string {
	return p.path
}

func (p *Persister) Save(snap types.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seen && snap.Version <= p.last {
		return
	}
	if err := SaveFile(p.path, snap); err != nil {
		if p.errs != nil {
			p.errs(err)
		}
		return
	}
	p.last = snap.Version
	p.seen = true
}
