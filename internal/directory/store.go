// Package directory is the on-disk record of the networks, application keys
// and provisioned nodes this provisioner knows about.
package directory

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/meshprov/internal/mesh"
)

// ErrNoPath is returned by Reload and Save on a store that was not loaded
// from a file.
var ErrNoPath = errors.New("directory: store has no file path")

// file is the YAML layout.
type file struct {
	Networks []*mesh.Network `yaml:"networks"`
	Apps     []*mesh.App     `yaml:"apps"`
	Nodes    []*mesh.Node    `yaml:"nodes"`
}

// Store is safe for concurrent use. Returned records are copies.
type Store struct {
	path string

	mu       sync.RWMutex
	networks map[uint16]*mesh.Network
	apps     map[uint16]*mesh.App
	nodes    map[string]*mesh.Node
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		networks: make(map[uint16]*mesh.Network),
		apps:     make(map[uint16]*mesh.App),
		nodes:    make(map[string]*mesh.Node),
	}
}

// Load reads the store at path. A missing file yields an empty store that
// Save will create.
func Load(path string) (*Store, error) {
	s := New()
	s.path = path
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the backing file path, or "" for an in-memory store.
func (s *Store) Path() string { return s.path }

// Reload replaces the in-memory records with the file contents.
func (s *Store) Reload() error {
	if s.path == "" {
		return ErrNoPath
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		data = nil
	} else if err != nil {
		return fmt.Errorf("reading directory: %w", err)
	}

	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parsing directory: %w", err)
	}

	networks := make(map[uint16]*mesh.Network, len(f.Networks))
	for _, n := range f.Networks {
		if n == nil {
			continue
		}
		if len(n.NetKey) != mesh.KeySize {
			return fmt.Errorf("directory: network %d has no valid net_key", n.KeyIndex)
		}
		networks[n.KeyIndex] = n
	}
	apps := make(map[uint16]*mesh.App, len(f.Apps))
	for _, a := range f.Apps {
		if a != nil {
			apps[a.KeyIndex] = a
		}
	}
	nodes := make(map[string]*mesh.Node, len(f.Nodes))
	for _, n := range f.Nodes {
		if n != nil {
			nodes[normalize(n.Address)] = n
		}
	}

	s.mu.Lock()
	s.networks, s.apps, s.nodes = networks, apps, nodes
	s.mu.Unlock()
	return nil
}

// Save writes the store to its file, replacing it atomically.
func (s *Store) Save() error {
	if s.path == "" {
		return ErrNoPath
	}

	s.mu.RLock()
	f := file{
		Networks: make([]*mesh.Network, 0, len(s.networks)),
		Apps:     make([]*mesh.App, 0, len(s.apps)),
		Nodes:    make([]*mesh.Node, 0, len(s.nodes)),
	}
	for _, n := range s.networks {
		f.Networks = append(f.Networks, n)
	}
	for _, a := range s.apps {
		f.Apps = append(f.Apps, a)
	}
	for _, n := range s.nodes {
		f.Nodes = append(f.Nodes, n)
	}
	data, err := yaml.Marshal(sortFile(f))
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshalling directory: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("creating directory dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing directory: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replacing directory: %w", err)
	}
	return nil
}

func sortFile(f file) file {
	sort.Slice(f.Networks, func(i, j int) bool { return f.Networks[i].KeyIndex < f.Networks[j].KeyIndex })
	sort.Slice(f.Apps, func(i, j int) bool { return f.Apps[i].KeyIndex < f.Apps[j].KeyIndex })
	sort.Slice(f.Nodes, func(i, j int) bool { return f.Nodes[i].UnicastAddress < f.Nodes[j].UnicastAddress })
	return f
}

// Networks returns all networks sorted by key index.
func (s *Store) Networks() []mesh.Network {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]mesh.Network, 0, len(s.networks))
	for _, n := range s.networks {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].KeyIndex < out[j].KeyIndex })
	return out
}

// Nodes returns all nodes sorted by unicast address.
func (s *Store) Nodes() []mesh.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]mesh.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UnicastAddress < out[j].UnicastAddress })
	return out
}

// Network looks up a network by key index.
func (s *Store) Network(keyIndex uint16) (*mesh.Network, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.networks[keyIndex]
	if !ok {
		return nil, false
	}
	c := *n
	return &c, true
}

// App looks up an application key by key index.
func (s *Store) App(keyIndex uint16) (*mesh.App, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.apps[keyIndex]
	if !ok {
		return nil, false
	}
	c := *a
	return &c, true
}

// NodeByAddress looks up a node by the BLE address it was provisioned over.
// Addresses compare case-insensitively.
func (s *Store) NodeByAddress(address string) (*mesh.Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[normalize(address)]
	if !ok {
		return nil, false
	}
	c := *n
	return &c, true
}

// PutNetwork adds or replaces a network.
func (s *Store) PutNetwork(n mesh.Network) error {
	if len(n.NetKey) != mesh.KeySize {
		return fmt.Errorf("directory: net key must be %d bytes, got %d", mesh.KeySize, len(n.NetKey))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.networks[n.KeyIndex] = &n
	return nil
}

// PutApp adds or replaces an application key.
func (s *Store) PutApp(a mesh.App) error {
	if len(a.AppKey) != mesh.KeySize {
		return fmt.Errorf("directory: app key must be %d bytes, got %d", mesh.KeySize, len(a.AppKey))
	}
	if !mesh.IsUnicast(a.UnicastAddress) {
		return fmt.Errorf("directory: app unicast address 0x%04x is not unicast", a.UnicastAddress)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apps[a.KeyIndex] = &a
	return nil
}

// PutNode adds or replaces a node. The node's network must be known.
func (s *Store) PutNode(n mesh.Node) error {
	if n.Address == "" {
		return errors.New("directory: node has no address")
	}
	if !mesh.IsUnicast(n.UnicastAddress) {
		return fmt.Errorf("directory: node unicast address 0x%04x is not unicast", n.UnicastAddress)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.networks[n.NetKeyIndex]; !ok {
		return fmt.Errorf("directory: node %s references unknown network %d", n.Address, n.NetKeyIndex)
	}
	s.nodes[normalize(n.Address)] = &n
	return nil
}

func normalize(addr string) string {
	return strings.ToUpper(strings.TrimSpace(addr))
}
