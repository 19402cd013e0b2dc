package conversation

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrAlreadyMounted is returned by Mount when the instance id already owns a controller.
	ErrAlreadyMounted = errors.New("instance already mounted")
	// ErrNotFound is returned when no controller is mounted under an instance id.
	ErrNotFound = errors.New("instance not found")
)

// Registry maps widget instances to their controllers. Each page load mounts its own instance, and an
// instance owns exactly one controller for its whole life.
type Registry struct {
	mu        sync.Mutex
	instances map[string]*instance

	now func() time.Time
}

type instance struct {
	ctrl     *Controller
	lastSeen time.Time
	// streams counts the event streams currently open for the instance.
	streams int
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		instances: make(map[string]*instance),
		now:       time.Now,
	}
}

// Mount registers ctrl under id. It refuses to replace a controller that already owns the instance.
func (r *Registry) Mount(id string, ctrl *Controller) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.instances[id]; ok {
		return ErrAlreadyMounted
	}
	r.instances[id] = &instance{ctrl: ctrl, lastSeen: r.now()}
	return nil
}

// Get returns the controller mounted under id and records the access.
func (r *Registry) Get(id string) (*Controller, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[id]
	if !ok {
		return nil, ErrNotFound
	}
	inst.lastSeen = r.now()
	return inst.ctrl, nil
}

// Attach records that a page holds an event stream open on the instance, until the returned detach function
// is called. An instance with an open stream is never swept, however long its page stays quiet. Detaching
// counts as an access.
func (r *Registry) Attach(id string) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[id]
	if !ok {
		return nil, ErrNotFound
	}
	inst.streams++
	inst.lastSeen = r.now()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()

			inst.streams--
			inst.lastSeen = r.now()
		})
	}, nil
}

// Connected reports whether a page holds an event stream open on the instance.
func (r *Registry) Connected(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[id]
	return ok && inst.streams > 0
}

// Unmount removes the instance and shuts its controller down.
func (r *Registry) Unmount(id string) error {
	r.mu.Lock()
	inst, ok := r.instances[id]
	delete(r.instances, id)
	r.mu.Unlock()

	if !ok {
		return ErrNotFound
	}
	inst.ctrl.Shutdown()
	return nil
}

// Sweep unmounts every instance without an open event stream that has not been accessed for longer than
// maxIdle, and returns how many were removed.
func (r *Registry) Sweep(maxIdle time.Duration) int {
	r.mu.Lock()
	var idle []*Controller
	deadline := r.now().Add(-maxIdle)
	for id, inst := range r.instances {
		if inst.streams == 0 && inst.lastSeen.Before(deadline) {
			idle = append(idle, inst.ctrl)
			delete(r.instances, id)
		}
	}
	r.mu.Unlock()

	for _, ctrl := range idle {
		ctrl.Shutdown()
	}
	return len(idle)
}

// Len returns the number of mounted instances.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.instances)
}

// Shutdown unmounts every instance.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	instances := r.instances
	r.instances = make(map[string]*instance)
	r.mu.Unlock()

	for _, inst := range instances {
		inst.ctrl.Shutdown()
	}
}
