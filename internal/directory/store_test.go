package directory

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/meshprov/internal/mesh"
)

func key(t *testing.T, b byte) mesh.Key {
	t.Helper()
	k := make(mesh.Key, mesh.KeySize)
	for i := range k {
		k[i] = b
	}
	return k
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "directory.yaml"))
	require.NoError(t, err)
	assert.Empty(t, s.Networks())
	_, ok := s.Network(0)
	assert.False(t, ok)
}

func TestSaveReloadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "directory.yaml")
	s, err := Load(path)
	require.NoError(t, err)

	require.NoError(t, s.PutNetwork(mesh.Network{KeyIndex: 1, Name: "office", NetKey: key(t, 0x11), IVIndex: 7}))
	require.NoError(t, s.PutNetwork(mesh.Network{KeyIndex: 0, Name: "home", NetKey: key(t, 0x22)}))
	require.NoError(t, s.PutApp(mesh.App{KeyIndex: 0, Name: "lights", AppKey: key(t, 0x33), UnicastAddress: 0x0001}))
	dev := uuid.MustParse("dd0a1c2b-3e4f-5061-7283-94a5b6c7d8e9")
	require.NoError(t, s.PutNode(mesh.Node{
		Address: "aa:bb:cc:dd:ee:ff", Name: "lamp", UnicastAddress: 0x0005,
		NetKeyIndex: 0, DeviceUUID: dev, Elements: 2,
	}))
	require.NoError(t, s.Save())

	again, err := Load(path)
	require.NoError(t, err)

	nets := again.Networks()
	require.Len(t, nets, 2)
	assert.Equal(t, "home", nets[0].Name, "networks sorted by key index")
	assert.Equal(t, "office", nets[1].Name)
	assert.Equal(t, uint32(7), nets[1].IVIndex)
	assert.Equal(t, key(t, 0x11), nets[1].NetKey)

	app, ok := again.App(0)
	require.True(t, ok)
	assert.Equal(t, key(t, 0x33), app.AppKey)

	node, ok := again.NodeByAddress("AA:BB:CC:DD:EE:FF")
	require.True(t, ok, "address lookup is case-insensitive")
	assert.Equal(t, uint16(0x0005), node.UnicastAddress)
	assert.Equal(t, dev, node.DeviceUUID)
	assert.Equal(t, 2, node.Elements)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file left behind")
}

func TestReloadPicksUpExternalChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "directory.yaml")
	s, err := Load(path)
	require.NoError(t, err)

	content := `
networks:
  - key_index: 0
    name: home
    net_key: 7dd7364cd842ad18c17c2b820c84c3d6
nodes:
  - address: "11:22:33:44:55:66"
    unicast_address: 0x10
    net_key_index: 0
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	require.NoError(t, s.Reload())

	n, ok := s.Network(0)
	require.True(t, ok)
	assert.Equal(t, "7dd7364cd842ad18c17c2b820c84c3d6", n.NetKey.String())
	node, ok := s.NodeByAddress("11:22:33:44:55:66")
	require.True(t, ok)
	assert.Equal(t, uint16(0x10), node.UnicastAddress)
}

func TestReloadRejectsBadFiles(t *testing.T) {
	dir := t.TempDir()
	tests := map[string]string{
		"bad yaml": "networks: [",
		"bad key":  "networks:\n  - key_index: 0\n    net_key: abcd\n",
		"no key":   "networks:\n  - key_index: 0\n    name: home\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".yaml")
			require.NoError(t, os.WriteFile(path, []byte(content), 0600))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestPutValidation(t *testing.T) {
	s := New()
	assert.Error(t, s.PutNetwork(mesh.Network{NetKey: mesh.Key{1}}))
	assert.Error(t, s.PutApp(mesh.App{AppKey: key(t, 1), UnicastAddress: 0xC000}))
	assert.Error(t, s.PutNode(mesh.Node{Address: "A", UnicastAddress: 1, NetKeyIndex: 3}), "unknown network")
	assert.Error(t, s.PutNode(mesh.Node{UnicastAddress: 1}), "no address")

	require.NoError(t, s.PutNetwork(mesh.Network{NetKey: key(t, 1)}))
	assert.Error(t, s.PutNode(mesh.Node{Address: "A", UnicastAddress: 0}), "zero unicast")
	assert.NoError(t, s.PutNode(mesh.Node{Address: "A", UnicastAddress: 1}))
}

func TestInMemoryStoreHasNoPath(t *testing.T) {
	s := New()
	assert.ErrorIs(t, s.Reload(), ErrNoPath)
	assert.ErrorIs(t, s.Save(), ErrNoPath)
}

func TestLookupsReturnCopies(t *testing.T) {
	s := New()
	require.NoError(t, s.PutNetwork(mesh.Network{Name: "home", NetKey: key(t, 1)}))
	n, _ := s.Network(0)
	n.Name = "changed"
	again, _ := s.Network(0)
	assert.Equal(t, "home", again.Name)
}

func TestConcurrentAccess(t *testing.T) {
	s := New()
	require.NoError(t, s.PutNetwork(mesh.Network{NetKey: key(t, 1)}))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 1; j <= 50; j++ {
				addr := string(rune('A'+i)) + string(rune('a'+j%26))
				_ = s.PutNode(mesh.Node{Address: addr, UnicastAddress: uint16(j)})
				s.NodeByAddress(addr)
				s.Networks()
			}
		}(i)
	}
	wg.Wait()
	assert.NotEmpty(t, s.Nodes())
}
