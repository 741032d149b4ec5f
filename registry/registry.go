// Package registry implements a keyed store of resources, looked up by container and name.
//
// The Manager owns the resources it holds: it destroys them when they are deleted, when their container is
// cleaned up, or when the Manager is closed.
package registry

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrNotFound is returned when no resource is registered under the given key.
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyExists is returned by Manager.Create if a resource is already registered under the given key.
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrClosed is returned when the Manager is used after Close.
	ErrClosed = errors.New("registry manager closed")
)

// Resource is anything that can be held by a Manager, like a *trt.CalibrationResource.
type Resource interface {
	// DebugString is used in diagnostic dumps.
	DebugString() string

	// Destroy releases the resource. It is called exactly once by the Manager.
	Destroy()
}

// Manager holds resources keyed by container and name. It is safe for concurrent use.
type Manager struct {
	mu         sync.Mutex
	containers map[string]map[string]Resource
	closed     bool
}

// New creates an empty Manager.
func New() *Manager {
	return &Manager{containers: make(map[string]map[string]Resource)}
}

// Create registers r under (container, name). The Manager takes ownership of r on success only.
func (m *Manager) Create(container, name string, r Resource) error {
	if r == nil {
		return errors.Errorf("registry.Create(%q, %q): nil resource", container, name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.WithStack(ErrClosed)
	}
	return m.createLocked(container, name, r)
}

func (m *Manager) createLocked(container, name string, r Resource) error {
	resources := m.containers[container]
	if resources == nil {
		resources = make(map[string]Resource)
		m.containers[container] = resources
	}
	if _, found := resources[name]; found {
		return errors.Wrapf(ErrAlreadyExists, "registry.Create(%q, %q)", container, name)
	}
	resources[name] = r
	klog.V(1).Infof("registry: created %s/%s", container, name)
	return nil
}

// Lookup returns the resource registered under (container, name), or ErrNotFound.
func (m *Manager) Lookup(container, name string) (Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, found := m.containers[container][name]; found {
		return r, nil
	}
	return nil, errors.Wrapf(ErrNotFound, "registry.Lookup(%q, %q)", container, name)
}

// LookupOrCreate returns the resource registered under (container, name), or creates it with create and
// registers it. create is called with the Manager locked, so it must not call back into the Manager.
func (m *Manager) LookupOrCreate(container, name string, create func() (Resource, error)) (Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.WithStack(ErrClosed)
	}
	if r, found := m.containers[container][name]; found {
		return r, nil
	}
	r, err := create()
	if err != nil {
		return nil, errors.WithMessagef(err, "registry.LookupOrCreate(%q, %q)", container, name)
	}
	if r == nil {
		return nil, errors.Errorf("registry.LookupOrCreate(%q, %q): create returned no resource", container, name)
	}
	if err := m.createLocked(container, name, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Delete unregisters and destroys the resource under (container, name).
// The resource is destroyed after the Manager is unlocked, since that may block.
func (m *Manager) Delete(container, name string) error {
	m.mu.Lock()
	r, found := m.containers[container][name]
	if found {
		delete(m.containers[container], name)
		if len(m.containers[container]) == 0 {
			delete(m.containers, container)
		}
	}
	m.mu.Unlock()
	if !found {
		return errors.Wrapf(ErrNotFound, "registry.Delete(%q, %q)", container, name)
	}
	klog.V(1).Infof("registry: deleting %s/%s", container, name)
	r.Destroy()
	return nil
}

// Cleanup destroys every resource of container. It is a no-op for unknown containers.
func (m *Manager) Cleanup(container string) {
	m.mu.Lock()
	resources := m.containers[container]
	delete(m.containers, container)
	m.mu.Unlock()
	destroyAll(container, resources)
}

// Close destroys every resource held. Further calls to Create or LookupOrCreate fail with ErrClosed.
// It is idempotent.
func (m *Manager) Close() {
	m.mu.Lock()
	containers := m.containers
	m.containers = make(map[string]map[string]Resource)
	m.closed = true
	m.mu.Unlock()
	for _, container := range sortedKeys(containers) {
		destroyAll(container, containers[container])
	}
}

func destroyAll(container string, resources map[string]Resource) {
	for _, name := range sortedKeys(resources) {
		klog.V(1).Infof("registry: destroying %s/%s", container, name)
		resources[name].Destroy()
	}
}

// Len returns the number of resources held.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, resources := range m.containers {
		n += len(resources)
	}
	return n
}

// DebugString lists every resource held, sorted by container and name, with its DebugString.
func (m *Manager) DebugString() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sb strings.Builder
	fmt.Fprintf(&sb, "Registry with %d containers:\n", len(m.containers))
	for _, container := range sortedKeys(m.containers) {
		resources := m.containers[container]
		for _, name := range sortedKeys(resources) {
			fmt.Fprintf(&sb, "- %s/%s:\n%s", container, name, resources[name].DebugString())
		}
	}
	return sb.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}
